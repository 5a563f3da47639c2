package image

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opscadence/btrfs-vault/internal/config"
)

// cloneImageName returns the pool-relative path for a clone taken at ts,
// named after the working image's extension so list-images can tell a
// clone from the canonical image at a glance.
func cloneImageName(poolDir string, direct bool, ts time.Time) string {
	ext := "raw"
	if direct {
		ext = "qcow2"
	}
	return filepath.Join(poolDir, "images", fmt.Sprintf("clone-%s.%s", ts.UTC().Format("2006.01.02_15.04.05"), ext))
}

// Clone duplicates the canonical working image file to an independent,
// timestamped copy and re-randomizes the copy's filesystem UUID so it
// never collides with the canonical image if both are ever attached on
// the same host (spec.md §4.6 "do not attempt to clone the source UUID
// into the image; it would collide if both disks ever appeared on the
// same host" — the same concern applies between a clone and its source
// image). Returns the clone's path.
func (b *Builder) Clone(ctx context.Context, poolDir string, cfg *config.Config, now time.Time) (string, error) {
	direct := cfg.DirectQcow2
	src := imagePath(poolDir, direct)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("image: clone: no existing image at %s: %w", src, err)
	}

	dst := cloneImageName(poolDir, direct, now)
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("image: clone: copying %s to %s: %w", src, dst, err)
	}

	mnt := mountpointFor(poolDir, "clone-uuid")
	if err := b.randomizeUUID(ctx, dst, mnt, cfg.RootPart, direct); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("image: clone: randomizing uuid: %w", err)
	}

	b.Log.WithField("clone", dst).Info("image: clone: created independent image copy")
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
