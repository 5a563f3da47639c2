package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListReportsEachImageFileSortedByName(t *testing.T) {
	dir := t.TempDir()
	imagesDir := filepath.Join(dir, "images")
	assert.NoError(t, os.MkdirAll(imagesDir, 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(imagesDir, "image.qcow2"), []byte("abc"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(imagesDir, "clone-2024.01.01_00.00.00.qcow2"), []byte("de"), 0o644))
	assert.NoError(t, os.MkdirAll(filepath.Join(imagesDir, ".mnt-restore"), 0o755))

	entries, err := List(dir)
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "clone-2024.01.01_00.00.00.qcow2", entries[0].Name)
	assert.Equal(t, "clone", entries[0].Kind)
	assert.Equal(t, "image.qcow2", entries[1].Name)
	assert.Equal(t, "qcow2", entries[1].Kind)
	assert.Equal(t, int64(3), entries[1].Size)
}

func TestListEmptyWhenImagesDirMissing(t *testing.T) {
	entries, err := List(t.TempDir())
	assert.NoError(t, err)
	assert.Nil(t, entries)
}
