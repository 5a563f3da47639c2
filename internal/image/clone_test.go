package image

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCloneImageNamePicksExtensionByMode(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, filepath.Join("/pool", "images", "clone-2024.06.01_12.30.00.raw"), cloneImageName("/pool", false, ts))
	assert.Equal(t, filepath.Join("/pool", "images", "clone-2024.06.01_12.30.00.qcow2"), cloneImageName("/pool", true, ts))
}

func TestCopyFileDuplicatesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	assert.NoError(t, os.WriteFile(src, []byte("image-bytes"), 0o644))

	assert.NoError(t, copyFile(src, dst))

	data, err := os.ReadFile(dst)
	assert.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
}
