package setup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opscadence/btrfs-vault/internal/btrfsutil"
	"github.com/opscadence/btrfs-vault/internal/config"
)

type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return "", nil
}

func TestEnsureTreeAndCompressionCreatesPoolTreeAndAppliesProperty(t *testing.T) {
	dir := t.TempDir()
	cfg := config.New()

	for _, rel := range poolSubdirs {
		_, err := os.Stat(filepath.Join(dir, rel))
		assert.True(t, os.IsNotExist(err))
	}

	r := &fakeRunner{}
	bt := &btrfsutil.Tool{Runner: r}
	assert.NoError(t, ensureTreeAndCompression(context.Background(), dir, cfg, bt))

	for _, rel := range poolSubdirs {
		info, err := os.Stat(filepath.Join(dir, rel))
		assert.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	found := false
	for _, call := range r.calls {
		if len(call) >= 4 && call[0] == "btrfs" && call[1] == "property" && call[2] == "set" {
			found = true
			assert.Equal(t, filepath.Join(dir, "snapshots"), call[3])
			assert.Equal(t, cfg.BtrfsCompression, call[len(call)-1])
		}
	}
	assert.True(t, found, "expected a compression property to be set on snapshots/")
}

func TestEnsureTreeAndCompressionRejectsNonDirectoryPoolPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	assert.NoError(t, os.WriteFile(file, nil, 0o644))

	bt := &btrfsutil.Tool{Runner: &fakeRunner{}}
	err := ensureTreeAndCompression(context.Background(), file, config.New(), bt)
	assert.Error(t, err)
}

func TestEnsureTreeAndCompressionFailsOnMissingPoolPath(t *testing.T) {
	bt := &btrfsutil.Tool{Runner: &fakeRunner{}}
	err := ensureTreeAndCompression(context.Background(), filepath.Join(t.TempDir(), "absent"), config.New(), bt)
	assert.Error(t, err)
}
