package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opscadence/btrfs-vault/internal/config"
	"github.com/opscadence/btrfs-vault/internal/pipeline"
	"github.com/opscadence/btrfs-vault/internal/poollock"
	"github.com/opscadence/btrfs-vault/internal/snapshot"
)

// RestoreResult reports whether Restore transferred a new snapshot.
type RestoreResult struct {
	Updated  bool
	Snapshot string
}

// Restore attaches the image, ensures it has a snapshots/ directory, and
// if the pool's latest local snapshot is not already present in the
// image, sends it in (differentially from the image's own latest
// snapshot when one qualifies as a parent) before detaching (spec.md §4.6
// "Restore").
func (b *Builder) Restore(ctx context.Context, poolDir string, cfg *config.Config, direct bool) (*RestoreResult, error) {
	path := imagePath(poolDir, direct)
	mnt := mountpointFor(poolDir, "restore")

	var stack poollock.Stack
	defer func() {
		if err := stack.Unwind(); err != nil {
			b.Log.WithError(err).Warn("image: restore: cleanup reported errors")
		}
	}()

	if _, _, err := b.attachAndMount(ctx, path, mnt, direct, cfg.RootPart, &stack); err != nil {
		return nil, fmt.Errorf("image: restore: %w", err)
	}

	imageSnapshotsDir := filepath.Join(mnt, "snapshots")
	if err := os.MkdirAll(imageSnapshotsDir, 0o755); err != nil {
		return nil, fmt.Errorf("image: restore: creating image snapshots dir: %w", err)
	}

	imageLatest, err := highestReadOnlySnapshot(ctx, b, imageSnapshotsDir)
	if err != nil {
		return nil, fmt.Errorf("image: restore: scanning image snapshots: %w", err)
	}

	poolSnapshotsDir := filepath.Join(poolDir, "snapshots")
	poolLatest, err := highestNamedSnapshot(filepath.Join(poolDir, "snapshots"))
	if err != nil {
		return nil, fmt.Errorf("image: restore: scanning pool snapshots: %w", err)
	}
	if poolLatest == "" {
		return &RestoreResult{Updated: false}, nil
	}
	if poolLatest == imageLatest {
		return &RestoreResult{Updated: false, Snapshot: poolLatest}, nil
	}

	srcPath := filepath.Join(poolSnapshotsDir, poolLatest)
	sendArgs := []string{"send"}
	if imageLatest != "" {
		sendArgs = append(sendArgs, "-p", filepath.Join(poolSnapshotsDir, imageLatest))
	}
	sendArgs = append(sendArgs, srcPath)

	p := &pipeline.Pipeline{Stages: []pipeline.Stage{
		{Name: "btrfs", Args: sendArgs},
		{Name: "btrfs", Args: []string{"receive", imageSnapshotsDir}},
	}}
	if err := p.Run(ctx, nil, nil); err != nil {
		return nil, fmt.Errorf("image: restore: send/receive %s: %w", poolLatest, err)
	}

	b.Log.WithField("snapshot", poolLatest).Info("image: restore: updated image snapshot set")
	return &RestoreResult{Updated: true, Snapshot: poolLatest}, nil
}

// LatestPoolSnapshot returns the highest-sorted snapshot name directly
// under <poolDir>/snapshots, or "" if none exist. Used by the Driver to
// seed Convert & Materialize's default-subvolume creation.
func LatestPoolSnapshot(poolDir string) (string, error) {
	return highestNamedSnapshot(filepath.Join(poolDir, "snapshots"))
}

func highestNamedSnapshot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var names []snapshot.Name
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := snapshot.Parse(e.Name())
		if err != nil {
			continue
		}
		names = append(names, n)
	}
	best, ok := snapshot.Highest(names)
	if !ok {
		return "", nil
	}
	return best.Raw, nil
}

func highestReadOnlySnapshot(ctx context.Context, b *Builder, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var names []snapshot.Name
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := snapshot.Parse(e.Name())
		if err != nil {
			continue
		}
		ro, err := b.Btrfs.IsReadOnly(ctx, filepath.Join(dir, e.Name()))
		if err != nil {
			return "", err
		}
		if !ro {
			continue
		}
		names = append(names, n)
	}
	best, ok := snapshot.Highest(names)
	if !ok {
		return "", nil
	}
	return best.Raw, nil
}
