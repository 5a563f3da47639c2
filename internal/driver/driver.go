// Package driver implements the Driver (spec.md §4.1): the top-level
// sequencer that acquires the pool lock and runs the operations named on
// the command line (already layered into one Config by the caller), in
// order, stopping at the
// first failure — the same "acquire lock, load config, run Tool.Main,
// always clean up" shape zfs-auto-snapshot/main.go uses for its single
// Tool.
package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/opscadence/btrfs-vault/internal/blockdev"
	"github.com/opscadence/btrfs-vault/internal/btrfsutil"
	"github.com/opscadence/btrfs-vault/internal/config"
	"github.com/opscadence/btrfs-vault/internal/image"
	"github.com/opscadence/btrfs-vault/internal/metadatastore"
	"github.com/opscadence/btrfs-vault/internal/metrics"
	"github.com/opscadence/btrfs-vault/internal/poollock"
	"github.com/opscadence/btrfs-vault/internal/remoteagent"
	"github.com/opscadence/btrfs-vault/internal/retention"
	"github.com/opscadence/btrfs-vault/internal/setup"
	"github.com/opscadence/btrfs-vault/internal/transfer"
)

// metricsFileName is the pool-relative textfile-collector export path
// (SPEC_FULL.md ambient stack: "writes a metrics textfile on exit").
const metricsFileName = ".metrics.prom"

// Driver runs a Config's operations against one pool, matching
// zfs-auto-snapshot's Tool: a small struct wrapping a logger plus the
// component handles it dispatches to.
type Driver struct {
	Cfg     *config.Config
	Log     *logrus.Logger
	Metrics *metrics.Recorder

	Btrfs *btrfsutil.Tool
	Block *blockdev.Broker
	Image *image.Builder
	Agent *remoteagent.Agent
}

// New wires a Driver with the real subprocess-backed components, sharing
// one btrfsutil.Tool and blockdev.Broker between the Image Builder and
// every other component so they agree on the same underlying Runner.
func New(cfg *config.Config, log *logrus.Logger) *Driver {
	img := image.New(log)
	return &Driver{
		Cfg:     cfg,
		Log:     log,
		Metrics: metrics.New(),
		Btrfs:   img.Btrfs,
		Block:   img.Block,
		Image:   img,
		Agent:   remoteagent.New(cfg.Host),
	}
}

// Run acquires the pool lock, executes cfg.Operations in order, and
// writes the metrics textfile on the way out regardless of outcome
// (spec.md §4.1: "a failure aborts subsequent operations, the lock is
// released, and a non-zero exit is returned").
func (d *Driver) Run(ctx context.Context) error {
	lock, err := poollock.Acquire(d.Cfg.BackupDir)
	if err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			d.Log.WithError(err).Warn("driver: releasing pool lock reported an error")
		}
	}()

	defer func() {
		path := filepath.Join(d.Cfg.BackupDir, metricsFileName)
		if err := d.Metrics.WriteTextfile(path); err != nil {
			d.Log.WithError(err).Warn("driver: writing metrics textfile reported an error")
		}
	}()

	for _, op := range d.Cfg.Operations {
		if err := d.runOperation(ctx, op); err != nil {
			return fmt.Errorf("driver: operation %s: %w", op, err)
		}
	}
	return nil
}

func (d *Driver) runOperation(ctx context.Context, op config.Op) error {
	if d.Cfg.DryRun && op != config.OpListImages {
		fmt.Println(color.YellowString("dry-run: skipping %s", op))
		d.Log.WithField("operation", op).Info("driver: skipped (dry-run)")
		return nil
	}

	fmt.Println(color.CyanString("==> %s", op))
	err := d.Metrics.Time(string(op), func() error {
		return d.dispatch(ctx, op)
	})
	if err != nil {
		fmt.Println(color.RedString("✗ %s failed: %v", op, err))
		d.Log.WithError(err).WithField("operation", op).Error("driver: operation failed")
		return err
	}
	fmt.Println(color.GreenString("✓ %s", op))
	d.Log.WithField("operation", op).Info("driver: operation succeeded")
	return nil
}

func (d *Driver) dispatch(ctx context.Context, op config.Op) error {
	switch op {
	case config.OpSetup:
		return setup.Run(ctx, d.Cfg.BackupDir, d.Cfg, d.Agent, d.Btrfs)
	case config.OpBackup:
		return d.runBackup(ctx)
	case config.OpRetention:
		return retention.Run(ctx, d.Cfg.BackupDir, d.Cfg.Retention, d.Btrfs, d.Log)
	case config.OpCreateImage:
		return d.runCreateImage(ctx)
	case config.OpUpdateImage:
		return d.runUpdateImage(ctx)
	case config.OpCloneImage:
		_, err := d.Image.Clone(ctx, d.Cfg.BackupDir, d.Cfg, time.Now())
		return err
	case config.OpListImages:
		return d.printImageList()
	case config.OpMountRaw:
		return d.Image.Mount(ctx, d.Cfg.BackupDir, d.Cfg, false)
	case config.OpMountQcow2:
		return d.Image.Mount(ctx, d.Cfg.BackupDir, d.Cfg, true)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

func (d *Driver) runBackup(ctx context.Context) error {
	result, err := transfer.Backup(ctx, d.Cfg.BackupDir, d.Cfg, d.Agent, d.Btrfs, nil, d.Log)
	if err != nil {
		return err
	}
	d.Log.WithField("snapshot", result.Snapshot).WithField("full", result.Full).Info("driver: backup transferred a snapshot")
	return transfer.RecaptureMetadata(ctx, d.Cfg.BackupDir, d.Cfg, d.Agent)
}

func (d *Driver) runCreateImage(ctx context.Context) error {
	store, err := metadatastore.Load(d.Cfg.BackupDir)
	if err != nil {
		return fmt.Errorf("driver: loading metadata store: %w", err)
	}
	if err := d.Image.Init(ctx, d.Cfg.BackupDir, d.Cfg, store, d.Cfg.DirectQcow2); err != nil {
		return err
	}
	if _, err := d.Image.Restore(ctx, d.Cfg.BackupDir, d.Cfg, d.Cfg.DirectQcow2); err != nil {
		return err
	}
	return d.materialize(ctx, store)
}

func (d *Driver) runUpdateImage(ctx context.Context) error {
	if _, err := d.Image.Restore(ctx, d.Cfg.BackupDir, d.Cfg, d.Cfg.DirectQcow2); err != nil {
		return err
	}
	store, err := metadatastore.Load(d.Cfg.BackupDir)
	if err != nil {
		return fmt.Errorf("driver: loading metadata store: %w", err)
	}
	return d.materialize(ctx, store)
}

func (d *Driver) materialize(ctx context.Context, store *metadatastore.Store) error {
	latest, err := image.LatestPoolSnapshot(d.Cfg.BackupDir)
	if err != nil {
		return err
	}
	return d.Image.ConvertAndMaterialize(ctx, d.Cfg.BackupDir, d.Cfg, store, latest)
}

func (d *Driver) printImageList() error {
	entries, err := image.List(d.Cfg.BackupDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("(no images)")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-40s %-8s %10d bytes  %s\n", e.Name, e.Kind, e.Size, e.Modified)
	}
	return nil
}
