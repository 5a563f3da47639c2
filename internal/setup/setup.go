// Package setup implements Setup (spec.md §4.2): first-run pool
// initialization — the subdirectory tree, the snapshots/ compression
// property, and the initial Metadata Store capture.
package setup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opscadence/btrfs-vault/internal/btrfsutil"
	"github.com/opscadence/btrfs-vault/internal/config"
	"github.com/opscadence/btrfs-vault/internal/remoteagent"
	"github.com/opscadence/btrfs-vault/internal/transfer"
)

// poolSubdirs is the subdirectory tree spec.md §3 defines for a pool.
var poolSubdirs = []string{
	"snapshots",
	filepath.Join("snapshots", "new"),
	filepath.Join("retention", "latest"),
	filepath.Join("retention", "days"),
	filepath.Join("retention", "weeks"),
	filepath.Join("retention", "months"),
	filepath.Join("retention", "years"),
	"images",
}

// Run creates the pool's subdirectory tree idempotently, applies the
// configured compression property to snapshots/, and captures the
// initial Metadata Store from the Remote Agent (spec.md §4.2).
func Run(ctx context.Context, poolDir string, cfg *config.Config, agent *remoteagent.Agent, bt *btrfsutil.Tool) error {
	if err := ensureTreeAndCompression(ctx, poolDir, cfg, bt); err != nil {
		return err
	}
	if err := transfer.RecaptureMetadata(ctx, poolDir, cfg, agent); err != nil {
		return fmt.Errorf("setup: capturing initial metadata store: %w", err)
	}
	return nil
}

// ensureTreeAndCompression performs every Setup effect that needs no
// Remote Agent round-trip, split out so it can be exercised without a
// live (or faked-over-SSH) source host.
func ensureTreeAndCompression(ctx context.Context, poolDir string, cfg *config.Config, bt *btrfsutil.Tool) error {
	info, err := os.Stat(poolDir)
	if err != nil {
		return fmt.Errorf("setup: %s: %w", poolDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("setup: %s is not a directory", poolDir)
	}

	for _, rel := range poolSubdirs {
		dir := filepath.Join(poolDir, rel)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("setup: creating %s: %w", dir, err)
		}
	}

	snapshotsDir := filepath.Join(poolDir, "snapshots")
	if err := bt.SetCompression(ctx, snapshotsDir, cfg.BtrfsCompression); err != nil {
		return fmt.Errorf("setup: applying compression to %s: %w", snapshotsDir, err)
	}
	return nil
}
