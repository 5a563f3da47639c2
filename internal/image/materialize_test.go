package image

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opscadence/btrfs-vault/internal/btrfsutil"
)

type recordingRunner struct {
	calls [][]string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return "", nil
}

func TestForceLegacyCompressionSetsProfileOnEveryDirectory(t *testing.T) {
	dir := t.TempDir()
	bootDir := filepath.Join(dir, "boot")
	assert.NoError(t, os.MkdirAll(filepath.Join(bootDir, "grub"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(bootDir, "vmlinuz"), []byte("x"), 0o644))

	r := &recordingRunner{}
	b := &Builder{Btrfs: &btrfsutil.Tool{Runner: r}}

	assert.NoError(t, b.forceLegacyCompression(context.Background(), bootDir))

	var compressed []string
	for _, call := range r.calls {
		if len(call) >= 4 && call[0] == "btrfs" && call[1] == "property" && call[2] == "set" {
			compressed = append(compressed, call[3])
		}
	}
	assert.ElementsMatch(t, []string{bootDir, filepath.Join(bootDir, "grub")}, compressed)
}

func TestForceLegacyCompressionToleratesMissingBootDir(t *testing.T) {
	dir := t.TempDir()
	b := &Builder{Btrfs: &btrfsutil.Tool{Runner: &recordingRunner{}}}
	assert.NoError(t, b.forceLegacyCompression(context.Background(), filepath.Join(dir, "boot")))
}

func TestConvertRawToQcow2InvokesQemuImgAndRenamesAtomically(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(dir, "images"), 0o755))
	raw := RawPath(dir)
	assert.NoError(t, os.WriteFile(raw, []byte("raw"), 0o644))

	r := &recordingRunner{}
	b := &Builder{Btrfs: &btrfsutil.Tool{Runner: r}}

	// recordingRunner doesn't materialize the .tmp file qemu-img would have
	// written, so create it ourselves to isolate the rename behavior.
	assert.NoError(t, os.WriteFile(Qcow2Path(dir)+".tmp", []byte("qcow2"), 0o644))

	err := b.convertRawToQcow2(context.Background(), dir)
	assert.NoError(t, err)

	found := false
	for _, call := range r.calls {
		if len(call) > 0 && call[0] == "qemu-img" {
			found = true
			assert.Contains(t, call, raw)
			assert.Contains(t, call, Qcow2Path(dir)+".tmp")
		}
	}
	assert.True(t, found, "expected a qemu-img invocation")

	data, err := os.ReadFile(Qcow2Path(dir))
	assert.NoError(t, err)
	assert.Equal(t, "qcow2", string(data))
	_, err = os.Stat(Qcow2Path(dir) + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
