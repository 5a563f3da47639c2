package image

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opscadence/btrfs-vault/internal/btrfsutil"
)

// fakeRunner answers `btrfs property get -ts <path> ro` from a map, and
// answers any other command with empty output and no error.
type fakeRunner struct {
	readOnly map[string]bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	if name == "btrfs" && len(args) >= 2 && args[0] == "property" && args[1] == "get" {
		path := args[len(args)-2]
		if f.readOnly[path] {
			return "ro=true", nil
		}
		return "ro=false", nil
	}
	return "", nil
}

func TestHighestNamedSnapshotPicksLexicographicMax(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"2024.01.01_00.00", "2024.01.03_00.00", "2024.01.02_00.00"} {
		assert.NoError(t, os.MkdirAll(filepath.Join(dir, n), 0o755))
	}
	best, err := highestNamedSnapshot(dir)
	assert.NoError(t, err)
	assert.Equal(t, "2024.01.03_00.00", best)
}

func TestHighestNamedSnapshotIgnoresMalformedEntries(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(dir, "new"), 0o755))
	assert.NoError(t, os.MkdirAll(filepath.Join(dir, "2024.01.01_00.00"), 0o755))
	best, err := highestNamedSnapshot(dir)
	assert.NoError(t, err)
	assert.Equal(t, "2024.01.01_00.00", best)
}

func TestHighestNamedSnapshotMissingDirIsEmpty(t *testing.T) {
	best, err := highestNamedSnapshot(filepath.Join(t.TempDir(), "absent"))
	assert.NoError(t, err)
	assert.Equal(t, "", best)
}

func TestHighestReadOnlySnapshotSkipsWritableCandidates(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"2024.01.01_00.00", "2024.01.02_00.00"} {
		assert.NoError(t, os.MkdirAll(filepath.Join(dir, n), 0o755))
	}
	b := &Builder{Btrfs: &btrfsutil.Tool{Runner: &fakeRunner{readOnly: map[string]bool{
		filepath.Join(dir, "2024.01.01_00.00"): true,
		filepath.Join(dir, "2024.01.02_00.00"): false,
	}}}}

	best, err := highestReadOnlySnapshot(context.Background(), b, dir)
	assert.NoError(t, err)
	assert.Equal(t, "2024.01.01_00.00", best, "the writable, not-yet-promoted snapshot is not a valid parent")
}
