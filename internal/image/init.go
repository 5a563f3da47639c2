package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opscadence/btrfs-vault/internal/blockdev"
	"github.com/opscadence/btrfs-vault/internal/config"
	"github.com/opscadence/btrfs-vault/internal/metadatastore"
	"github.com/opscadence/btrfs-vault/internal/poollock"
)

// Init fabricates a fresh disk image from scratch (spec.md §4.6 "Init"):
// sizes it from the captured fdisk-l length, reinstalls the partition
// table and boot partition byte-for-byte, and formats the rootfs partition
// with the source's label (the UUID is reassigned later, at first
// detach). direct selects compressed-sparse-in-place (attached via
// network-block device) vs. raw-sparse-then-converted-later.
func (b *Builder) Init(ctx context.Context, poolDir string, cfg *config.Config, store *metadatastore.Store, direct bool) error {
	size, err := store.ImageByteLength()
	if err != nil {
		return fmt.Errorf("image: init: %w", err)
	}
	_, label, err := store.FilesystemIDAndLabel()
	if err != nil {
		return fmt.Errorf("image: init: %w", err)
	}

	finalPath := imagePath(poolDir, direct)
	tmpPath := finalPath + ".tmp"
	if direct {
		if err := os.MkdirAll(filepath.Dir(tmpPath), 0o755); err != nil {
			return fmt.Errorf("image: init: creating images dir: %w", err)
		}
		if _, err := b.Btrfs.Runner.Run(ctx, "qemu-img", "create", "-f", "qcow2", tmpPath, strconv.FormatInt(size, 10)); err != nil {
			return fmt.Errorf("image: init: creating qcow2 image: %w", err)
		}
	} else if err := createSparseFile(tmpPath, size); err != nil {
		return err
	}

	var stack poollock.Stack
	defer func() {
		if uerr := stack.Unwind(); uerr != nil {
			b.Log.WithError(uerr).Warn("image: init: cleanup reported errors")
		}
	}()

	var dev *blockdev.Device
	var aerr error
	if direct {
		dev, aerr = b.Block.AttachNBD(ctx, tmpPath)
	} else {
		dev, aerr = b.Block.AttachLoop(ctx, tmpPath)
	}
	if aerr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("image: init: attaching: %w", aerr)
	}
	stack.Push(func() error { return b.Block.Release(ctx, dev, "") })

	if err := b.restorePartitionTable(ctx, dev.Path, store.SgdiskBackup); err != nil {
		os.Remove(tmpPath)
		return err
	}

	bootPart := dev.PartitionPath(1)
	if err := copyBytesToDevice(bootPart, store.Part1Img); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("image: init: copying boot partition: %w", err)
	}

	rootPart := dev.PartitionPath(cfg.RootPart)
	if err := b.mkfsBtrfs(ctx, rootPart, label); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("image: init: formatting rootfs partition: %w", err)
	}

	if err := markFreshlyFormatted(ctx, b, rootPart, poolDir); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := stack.Unwind(); err != nil {
		return fmt.Errorf("image: init: detaching: %w", err)
	}
	stack = poollock.Stack{}

	return atomicRename(tmpPath, finalPath)
}

func (b *Builder) restorePartitionTable(ctx context.Context, devPath string, backup []byte) error {
	tmp, err := os.CreateTemp("", "sgdisk-backup-*.bin")
	if err != nil {
		return fmt.Errorf("image: writing sgdisk backup to temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(backup); err != nil {
		tmp.Close()
		return fmt.Errorf("image: writing sgdisk backup: %w", err)
	}
	tmp.Close()

	if _, err := b.Btrfs.Runner.Run(ctx, "sgdisk", "--load-backup="+tmp.Name(), devPath); err != nil {
		return fmt.Errorf("image: restoring partition table on %s: %w", devPath, err)
	}
	return nil
}

func (b *Builder) mkfsBtrfs(ctx context.Context, partPath, label string) error {
	_, err := b.Btrfs.Runner.Run(ctx, "mkfs.btrfs", "-f", "-L", label, partPath)
	return err
}

// markFreshlyFormatted records (mounted transiently) that this rootfs
// partition was just formatted, so ConvertAndMaterialize's later detach
// knows to re-randomize its UUID exactly once.
func markFreshlyFormatted(ctx context.Context, b *Builder, partPath, poolDir string) error {
	mnt := mountpointFor(poolDir, "init-mark")
	if err := os.MkdirAll(mnt, 0o755); err != nil {
		return fmt.Errorf("image: creating mark mountpoint: %w", err)
	}
	defer os.RemoveAll(mnt)

	if err := mountBtrfs(partPath, mnt, ""); err != nil {
		return fmt.Errorf("image: mounting %s to mark freshly-formatted: %w", partPath, err)
	}
	defer unmount(mnt)

	return os.WriteFile(filepath.Join(mnt, freshlyFormattedMarker), []byte("fresh\n"), 0o600)
}

func copyBytesToDevice(devPath string, data []byte) error {
	f, err := os.OpenFile(devPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", devPath, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing to %s: %w", devPath, err)
	}
	return nil
}
