// Package transfer implements Snapshot Transfer (spec.md §4.4): orchestrates
// full vs. differential sends from the Remote Agent, pipes the stream
// through the configured (de)compressor, receives into staging, and
// promotes the result into the canonical snapshots/ directory.
package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opscadence/btrfs-vault/internal/btrfsutil"
	"github.com/opscadence/btrfs-vault/internal/config"
	"github.com/opscadence/btrfs-vault/internal/metadatastore"
	"github.com/opscadence/btrfs-vault/internal/pipeline"
	"github.com/opscadence/btrfs-vault/internal/remoteagent"
	"github.com/opscadence/btrfs-vault/internal/snapshot"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Result describes the outcome of a Backup invocation.
type Result struct {
	Snapshot string
	Parent   string // "" if a full transfer was performed
	Full     bool
}

// Backup runs one iteration of spec.md §4.4's algorithm against poolDir.
func Backup(ctx context.Context, poolDir string, cfg *config.Config, agent *remoteagent.Agent, bt *btrfsutil.Tool, clock Clock, log *logrus.Logger) (*Result, error) {
	if clock == nil {
		clock = time.Now
	}
	snapshotsDir := filepath.Join(poolDir, "snapshots")
	stagingDir := filepath.Join(snapshotsDir, "new")

	// Step 1: name the new snapshot.
	snap := snapshot.New(clock())

	// Step 2: list remote snapshot names.
	remoteNames, err := agent.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("transfer: listing remote snapshots: %w", err)
	}
	remoteSet := map[string]bool{}
	for _, n := range remoteNames {
		remoteSet[n] = true
	}

	// Step 3: pick the highest-sorted local, read-only snapshot still
	// present remotely as the differential parent.
	parent, err := selectParent(ctx, snapshotsDir, remoteSet, bt)
	if err != nil {
		return nil, fmt.Errorf("transfer: selecting parent: %w", err)
	}

	// Edge case (spec.md §4.4): a prior crash may leave partial data in
	// staging; wipe it unconditionally before this invocation's receive.
	if err := os.RemoveAll(stagingDir); err != nil {
		return nil, fmt.Errorf("transfer: clearing staging dir: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("transfer: creating staging dir: %w", err)
	}

	// Step 4: instruct the Remote Agent to snapshot, then send.
	if err := agent.CreateSnapshot(ctx, snap.Raw); err != nil {
		return nil, fmt.Errorf("transfer: creating remote snapshot %s: %w", snap.Raw, err)
	}

	remoteCmd := agent.SendCommand(snap.Raw, parent, cfg.CompressCmd)
	sshArgs := append(append([]string{}, agent.SSHArgs...), agent.Host, remoteCmd)

	p := &pipeline.Pipeline{Stages: []pipeline.Stage{
		{Name: "ssh", Args: sshArgs},
		{Name: cfg.DecompressCmd[0], Args: cfg.DecompressCmd[1:]},
		{Name: "btrfs", Args: []string{"receive", stagingDir}},
	}}

	log.WithFields(logrus.Fields{"snapshot": snap.Raw, "parent": parent}).Info("transfer: receiving snapshot")
	if err := p.Run(ctx, nil, nil); err != nil {
		return nil, fmt.Errorf("transfer: receive pipeline: %w", err)
	}

	// Step 6: promote via "snapshot + delete" so the promoted copy gets a
	// fresh received-UUID independent of staging, and staging is always
	// pruned.
	stagedSubvol := filepath.Join(stagingDir, snap.Raw)
	finalPath := filepath.Join(snapshotsDir, snap.Raw)
	if err := bt.CreateSnapshot(ctx, stagedSubvol, finalPath, true); err != nil {
		return nil, fmt.Errorf("transfer: promoting %s: %w", snap.Raw, err)
	}
	if err := bt.DeleteSubvolume(ctx, stagedSubvol); err != nil {
		return nil, fmt.Errorf("transfer: deleting staged subvolume %s: %w", stagedSubvol, err)
	}

	return &Result{Snapshot: snap.Raw, Parent: parent, Full: parent == ""}, nil
}

// selectParent returns the highest-sorted local read-only snapshot whose
// name is also present remotely, or "" if none qualifies (spec.md §4.4
// step 3, §8 B2: an interrupted, non-read-only local snapshot is treated
// as if absent, forcing a full transfer).
func selectParent(ctx context.Context, snapshotsDir string, remoteSet map[string]bool, bt *btrfsutil.Tool) (string, error) {
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var candidates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := snapshot.Parse(e.Name()); err != nil {
			continue
		}
		if !remoteSet[e.Name()] {
			continue
		}
		ro, err := bt.IsReadOnly(ctx, filepath.Join(snapshotsDir, e.Name()))
		if err != nil {
			return "", err
		}
		if !ro {
			continue
		}
		candidates = append(candidates, e.Name())
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}

// RecaptureMetadata re-runs Metadata Store capture after a successful
// transfer (spec.md §4.4 step 7, §4.7).
func RecaptureMetadata(ctx context.Context, poolDir string, cfg *config.Config, agent *remoteagent.Agent) error {
	s, err := Capture(ctx, cfg, agent)
	if err != nil {
		return err
	}
	return s.Save(poolDir)
}

// Capture gathers a fresh Metadata Store snapshot from the source host
// (spec.md §4.7).
func Capture(ctx context.Context, cfg *config.Config, agent *remoteagent.Agent) (*metadatastore.Store, error) {
	fdiskL, err := agent.ReadFdiskL(ctx, cfg.RootDev)
	if err != nil {
		return nil, fmt.Errorf("metadata capture: fdisk -l: %w", err)
	}
	sgdisk, err := agent.ReadSgdiskBackup(ctx, cfg.RootDev)
	if err != nil {
		return nil, fmt.Errorf("metadata capture: sgdisk backup: %w", err)
	}
	part1, err := agent.ReadPartitionImage(ctx, cfg.RootDev, 1)
	if err != nil {
		return nil, fmt.Errorf("metadata capture: partition 1 image: %w", err)
	}
	superDump, err := agent.ReadSuperDump(ctx, cfg.RootDev, cfg.RootPart)
	if err != nil {
		return nil, fmt.Errorf("metadata capture: superblock dump: %w", err)
	}
	fstab, err := agent.ReadFstab(ctx)
	if err != nil {
		return nil, fmt.Errorf("metadata capture: fstab: %w", err)
	}
	return &metadatastore.Store{
		FdiskL:       fdiskL,
		SgdiskBackup: sgdisk,
		Part1Img:     part1,
		SuperDump:    superDump,
		Fstab:        fstab,
	}, nil
}
