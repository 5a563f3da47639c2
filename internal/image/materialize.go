package image

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opscadence/btrfs-vault/internal/blockdev"
	"github.com/opscadence/btrfs-vault/internal/config"
	"github.com/opscadence/btrfs-vault/internal/metadatastore"
	"github.com/opscadence/btrfs-vault/internal/poollock"
)

// legacyBootCompression is the compression profile forced onto boot/ so a
// bootloader predating the modern default profile can still read
// kernel/initrd (spec.md §4.6 Convert step 7).
const legacyBootCompression = "zlib"

// ConvertAndMaterialize runs spec.md §4.6's "Convert & materialize
// subvolume layout" phase: converts raw to compressed-sparse in indirect
// mode, ensures the configured default rootfs subvolume and every
// fstab-referenced subvolume exist, marks @swap no-COW, forces legacy
// compression on boot/, neutralizes swap fstab entries, and re-randomizes
// the filesystem UUID exactly once, the first time the image is freshly
// formatted.
func (b *Builder) ConvertAndMaterialize(ctx context.Context, poolDir string, cfg *config.Config, store *metadatastore.Store, latestSnapshot string) error {
	if !cfg.DirectQcow2 {
		if err := b.convertRawToQcow2(ctx, poolDir); err != nil {
			return fmt.Errorf("image: materialize: %w", err)
		}
	}

	mnt := mountpointFor(poolDir, "materialize")
	var stack poollock.Stack
	defer func() {
		if err := stack.Unwind(); err != nil {
			b.Log.WithError(err).Warn("image: materialize: cleanup reported errors")
		}
	}()

	if _, _, err := b.attachAndMount(ctx, Qcow2Path(poolDir), mnt, true, cfg.RootPart, &stack); err != nil {
		return fmt.Errorf("image: materialize: %w", err)
	}

	rootfsPath := filepath.Join(mnt, cfg.Rootfs)
	if _, err := os.Stat(rootfsPath); os.IsNotExist(err) {
		if latestSnapshot == "" {
			return fmt.Errorf("image: materialize: no captured snapshot available to seed %s", cfg.Rootfs)
		}
		src := filepath.Join(mnt, "snapshots", latestSnapshot)
		if err := b.Btrfs.CreateSnapshot(ctx, src, rootfsPath, false); err != nil {
			return fmt.Errorf("image: materialize: seeding %s from %s: %w", cfg.Rootfs, latestSnapshot, err)
		}
	} else if err != nil {
		return fmt.Errorf("image: materialize: statting %s: %w", rootfsPath, err)
	}

	if err := b.Btrfs.SetDefaultSubvolume(ctx, mnt, cfg.Rootfs); err != nil {
		return fmt.Errorf("image: materialize: setting default subvolume: %w", err)
	}

	for _, name := range store.RequiredSubvolumes() {
		path := filepath.Join(mnt, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("image: materialize: statting %s: %w", path, err)
		}
		if err := b.Btrfs.CreateSubvolume(ctx, path); err != nil {
			return fmt.Errorf("image: materialize: creating subvolume %s: %w", name, err)
		}
		if name == "@swap" {
			if err := b.Btrfs.SetNoCOW(ctx, path); err != nil {
				return fmt.Errorf("image: materialize: marking %s no-COW: %w", name, err)
			}
		}
	}

	bootDir := filepath.Join(rootfsPath, "boot")
	if err := b.forceLegacyCompression(ctx, bootDir); err != nil {
		return fmt.Errorf("image: materialize: %w", err)
	}

	fstabPath := filepath.Join(rootfsPath, "etc", "fstab")
	if err := os.MkdirAll(filepath.Dir(fstabPath), 0o755); err != nil {
		return fmt.Errorf("image: materialize: creating etc dir: %w", err)
	}
	if err := os.WriteFile(fstabPath, []byte(store.FstabLinesWithoutSwap()+"\n"), 0o644); err != nil {
		return fmt.Errorf("image: materialize: writing fstab: %w", err)
	}

	freshMarker := filepath.Join(mnt, freshlyFormattedMarker)
	fresh := false
	if _, err := os.Stat(freshMarker); err == nil {
		fresh = true
	}

	if err := stack.Unwind(); err != nil {
		return fmt.Errorf("image: materialize: detaching: %w", err)
	}
	stack = poollock.Stack{}

	if fresh {
		if err := b.randomizeUUID(ctx, Qcow2Path(poolDir), mountpointFor(poolDir, "uuid-clear"), cfg.RootPart, true); err != nil {
			return fmt.Errorf("image: materialize: randomizing uuid: %w", err)
		}
	}

	return nil
}

// forceLegacyCompression walks dir and sets legacyBootCompression on every
// directory beneath it (spec.md §4.6 Convert step 7).
func (b *Builder) forceLegacyCompression(ctx context.Context, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return b.Btrfs.SetCompression(ctx, path, legacyBootCompression)
	})
}

// convertRawToQcow2 converts the raw image to compressed-sparse form via a
// sibling temp file plus atomic rename (spec.md §3 invariant 5, §4.6
// Convert step 1).
func (b *Builder) convertRawToQcow2(ctx context.Context, poolDir string) error {
	raw := RawPath(poolDir)
	finalQcow2 := Qcow2Path(poolDir)
	tmp := finalQcow2 + ".tmp"
	defer os.Remove(tmp)

	if _, err := b.Btrfs.Runner.Run(ctx, "qemu-img", "convert", "-O", "qcow2", "-c", raw, tmp); err != nil {
		return fmt.Errorf("converting %s to qcow2: %w", raw, err)
	}
	return atomicRename(tmp, finalQcow2)
}

// randomizeUUID re-randomizes the rootfs partition's filesystem UUID,
// mounted transiently at mnt, and clears the freshly-formatted marker so
// future restores preserve the (now-permanent) UUID (spec.md §4.6 "On the
// first invocation the UUID ... is re-randomized at detach ...; subsequent
// restores preserve it", spec.md §9's UUID open question, and spec.md
// §4.8's "apply the randomize-UUID operation ... on release"). imagePath
// is attached via network-block device when direct is true and via
// loopback otherwise; Convert & Materialize always passes true, since by
// that point the working copy is the compressed-sparse file, while Clone
// passes the configured mode when it reuses this on a cloned copy so the
// clone never collides with the canonical image's UUID.
func (b *Builder) randomizeUUID(ctx context.Context, imagePath, mnt string, rootPartNum int, direct bool) error {
	var dev *blockdev.Device
	var err error
	if direct {
		dev, err = b.Block.AttachNBD(ctx, imagePath)
	} else {
		dev, err = b.Block.AttachLoop(ctx, imagePath)
	}
	if err != nil {
		return err
	}
	defer b.Block.Release(ctx, dev, "")

	rootPart := dev.PartitionPath(rootPartNum)
	newUUID := b.NewUUID()
	if _, err := b.Btrfs.Runner.Run(ctx, "btrfstune", "-U", newUUID.String(), rootPart); err != nil {
		return fmt.Errorf("randomizing uuid on %s: %w", rootPart, err)
	}

	if err := os.MkdirAll(mnt, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(mnt)
	if err := mountBtrfs(rootPart, mnt, "subvolid=5"); err != nil {
		return err
	}
	defer unmount(mnt)
	if err := os.Remove(filepath.Join(mnt, freshlyFormattedMarker)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
