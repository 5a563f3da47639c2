package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeRecordsSuccessStatus(t *testing.T) {
	r := New()
	err := r.Time("backup", func() error { return nil })
	assert.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "btrfs-vault.prom")
	assert.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Contains(t, string(data), "operation_name=\"backup\"")
	assert.Contains(t, string(data), "operation_status=\"success\"")
}

func TestTimeRecordsFailureStatusAndPropagatesError(t *testing.T) {
	r := New()
	sentinel := errors.New("boom")
	err := r.Time("retention", func() error { return sentinel })
	assert.Equal(t, sentinel, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "btrfs-vault.prom")
	assert.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Contains(t, string(data), "operation_status=\"failure\"")
}

func TestWriteTextfileLeavesNoTempFileBehind(t *testing.T) {
	r := New()
	r.Observe("setup", StatusSuccess, 2*time.Second)

	dir := t.TempDir()
	path := filepath.Join(dir, "btrfs-vault.prom")
	assert.NoError(t, r.WriteTextfile(path))

	entries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"))
	}
}
