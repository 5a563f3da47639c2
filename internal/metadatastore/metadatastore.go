// Package metadatastore reads and writes the pool's metadata.tar archive
// (spec.md §3 "Metadata Store entries", §4.7). archive/tar is the plain
// idiomatic choice here: no repo in the corpus reaches for a third-party
// tar library, and the format itself (a handful of fixed-name entries) has
// no structure archive/tar doesn't already model directly.
package metadatastore

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Entry names fixed inside the archive (spec.md §3).
const (
	EntryFdiskL       = "fdisk-l"
	EntrySgdiskBackup = "sgdisk-backup"
	EntryPart1Img     = "part1-img"
	EntrySuperDump    = "super-dump"
	EntryFstab        = "fstab"
)

// Store is an in-memory view of the five fixed Metadata Store entries.
type Store struct {
	FdiskL       string
	SgdiskBackup []byte
	Part1Img     []byte
	SuperDump    string
	Fstab        string
}

// fileName is the fixed pool-relative path of the archive (spec.md §3).
const fileName = "metadata.tar"

// Path returns <poolDir>/metadata.tar.
func Path(poolDir string) string { return filepath.Join(poolDir, fileName) }

// Save writes s to <poolDir>/metadata.tar via a sibling temp file plus
// atomic rename (spec.md §4.7: "Writes go to a sibling temp archive and
// are atomically renamed over the canonical path on completion").
func (s *Store) Save(poolDir string) error {
	dst := Path(poolDir)
	tmp, err := os.CreateTemp(poolDir, ".metadata.tar.*.tmp")
	if err != nil {
		return fmt.Errorf("metadatastore: creating temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := s.write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("metadatastore: syncing temp archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metadatastore: closing temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("metadatastore: renaming temp archive into place: %w", err)
	}
	return nil
}

func (s *Store) write(w io.Writer) error {
	tw := tar.NewWriter(w)
	entries := []struct {
		name string
		data []byte
	}{
		{EntryFdiskL, []byte(s.FdiskL)},
		{EntrySgdiskBackup, s.SgdiskBackup},
		{EntryPart1Img, s.Part1Img},
		{EntrySuperDump, []byte(s.SuperDump)},
		{EntryFstab, []byte(s.Fstab)},
	}
	for _, e := range entries {
		hdr := &tar.Header{
			Name: e.name,
			Mode: 0o600,
			Size: int64(len(e.data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("metadatastore: writing header for %s: %w", e.name, err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return fmt.Errorf("metadatastore: writing %s: %w", e.name, err)
		}
	}
	return tw.Close()
}

// Load reads the archive at <poolDir>/metadata.tar.
func Load(poolDir string) (*Store, error) {
	f, err := os.Open(Path(poolDir))
	if err != nil {
		return nil, fmt.Errorf("metadatastore: opening %s: %w", Path(poolDir), err)
	}
	defer f.Close()

	s := &Store{}
	tr := tar.NewReader(f)
	found := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("metadatastore: reading archive: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("metadatastore: reading entry %s: %w", hdr.Name, err)
		}
		found[hdr.Name] = true
		switch hdr.Name {
		case EntryFdiskL:
			s.FdiskL = string(data)
		case EntrySgdiskBackup:
			s.SgdiskBackup = data
		case EntryPart1Img:
			s.Part1Img = data
		case EntrySuperDump:
			s.SuperDump = string(data)
		case EntryFstab:
			s.Fstab = string(data)
		}
	}
	for _, required := range []string{EntryFdiskL, EntrySgdiskBackup, EntryPart1Img, EntrySuperDump, EntryFstab} {
		if !found[required] {
			return nil, fmt.Errorf("metadatastore: archive missing required entry %q", required)
		}
	}
	return s, nil
}

// ImageByteLength extracts the image byte length from the "Disk ... bytes,
// ... sectors" line of the fdisk-l entry: the 5th whitespace token (spec.md
// §3, §9's narrow-parser design note).
func (s *Store) ImageByteLength() (int64, error) {
	scanner := bufio.NewScanner(strings.NewReader(s.FdiskL))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Disk ") || !strings.Contains(line, "bytes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return 0, fmt.Errorf("metadatastore: malformed disk-size line: %q", line)
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(fields[4], ","), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("metadatastore: parsing byte length from %q: %w", line, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("metadatastore: no 'Disk ... bytes' line found in fdisk-l")
}

// FilesystemIDAndLabel extracts "fsid" and "label" (2nd token each) from
// the super-dump entry (spec.md §3).
func (s *Store) FilesystemIDAndLabel() (uuid, label string, err error) {
	scanner := bufio.NewScanner(strings.NewReader(s.SuperDump))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "fsid":
			uuid = fields[1]
		case "label":
			label = fields[1]
		}
	}
	if uuid == "" {
		return "", "", fmt.Errorf("metadatastore: no fsid line in super-dump")
	}
	if label == "" {
		return "", "", fmt.Errorf("metadatastore: no label line in super-dump")
	}
	return uuid, label, nil
}

// RequiredSubvolumes returns every `@...`-named identifier referenced by a
// `subvol=@X` mount option token in the fstab entry (spec.md §3, §4.6
// Convert step 5).
func (s *Store) RequiredSubvolumes() []string {
	seen := map[string]bool{}
	var out []string
	for _, line := range strings.Split(s.Fstab, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.Fields(line) {
			for _, opt := range strings.Split(field, ",") {
				if !strings.HasPrefix(opt, "subvol=@") {
					continue
				}
				name := strings.TrimPrefix(opt, "subvol=")
				if !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
	}
	return out
}

// FstabLinesWithoutSwap returns the fstab entry with every swap-type line
// commented out (spec.md §4.6 Convert step 8).
func (s *Store) FstabLinesWithoutSwap() string {
	var b bytes.Buffer
	for _, line := range strings.Split(s.Fstab, "\n") {
		if isSwapLine(line) {
			b.WriteString("# ")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func isSwapLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	fields := strings.Fields(trimmed)
	// /etc/fstab fields: device mountpoint fstype options dump pass
	return len(fields) >= 3 && fields[2] == "swap"
}
