package metadatastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := &Store{
		FdiskL:       "Disk /dev/sda: 21.5 GiB, 23068672000 bytes, 45056000 sectors\n",
		SgdiskBackup: []byte{0x01, 0x02, 0x03},
		Part1Img:     []byte{0xEF, 0xBE, 0xAD, 0xDE},
		SuperDump:    "fsid\t\tabc-123-def\nlabel\t\tmyhost\n",
		Fstab:        "UUID=abc / btrfs subvol=@,compress=zstd 0 0\n",
	}
	assert.NoError(t, s.Save(dir))

	loaded, err := Load(dir)
	assert.NoError(t, err)
	assert.Equal(t, s.FdiskL, loaded.FdiskL)
	assert.Equal(t, s.SgdiskBackup, loaded.SgdiskBackup)
	assert.Equal(t, s.Part1Img, loaded.Part1Img)
	assert.Equal(t, s.SuperDump, loaded.SuperDump)
	assert.Equal(t, s.Fstab, loaded.Fstab)
}

func TestLoadAcceptsEmptyFstabEntry(t *testing.T) {
	dir := t.TempDir()
	s := &Store{FdiskL: "x", SgdiskBackup: []byte{1}, Part1Img: []byte{1}, SuperDump: "fsid a\nlabel b\n"}
	// Fstab is left empty: Save still writes the entry, so Load must find
	// every required entry present.
	assert.NoError(t, s.Save(dir))
	_, err := Load(dir)
	assert.NoError(t, err, "empty fstab entry still counts as present")
}

func TestImageByteLength(t *testing.T) {
	s := &Store{FdiskL: "Disk /dev/sda: 21.5 GiB, 23068672000 bytes, 45056000 sectors\n"}
	n, err := s.ImageByteLength()
	assert.NoError(t, err)
	assert.EqualValues(t, 23068672000, n)
}

func TestImageByteLengthMissingLine(t *testing.T) {
	s := &Store{FdiskL: "nothing useful here\n"}
	_, err := s.ImageByteLength()
	assert.Error(t, err)
}

func TestFilesystemIDAndLabel(t *testing.T) {
	s := &Store{SuperDump: "csum_type\t\t0\nfsid\t\t9c5c1fb7-0000-0000-0000-000000000000\nlabel\t\thostroot\n"}
	uuid, label, err := s.FilesystemIDAndLabel()
	assert.NoError(t, err)
	assert.Equal(t, "9c5c1fb7-0000-0000-0000-000000000000", uuid)
	assert.Equal(t, "hostroot", label)
}

func TestRequiredSubvolumes(t *testing.T) {
	s := &Store{Fstab: strJoin(
		"UUID=x / btrfs subvol=@,compress=zstd 0 0",
		"UUID=x /home btrfs subvol=@home,compress=zstd 0 1",
		"UUID=x swap swap subvol=@swap 0 0",
		"# UUID=x /var btrfs subvol=@var 0 0",
	)}
	assert.Equal(t, []string{"@", "@home", "@swap"}, s.RequiredSubvolumes())
}

func TestFstabLinesWithoutSwapCommentsSwapOnly(t *testing.T) {
	s := &Store{Fstab: strJoin(
		"UUID=x / btrfs subvol=@,compress=zstd 0 0",
		"/swapfile none swap sw 0 0",
	)}
	out := s.FstabLinesWithoutSwap()
	lines := strSplit(out)
	assert.Equal(t, "UUID=x / btrfs subvol=@,compress=zstd 0 0", lines[0])
	assert.Equal(t, "# /swapfile none swap sw 0 0", lines[1])
}

func strJoin(lines ...string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func strSplit(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '\n' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	out = append(out, cur)
	return out
}
