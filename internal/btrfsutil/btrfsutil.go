// Package btrfsutil wraps invocations of the `btrfs` CLI the way
// canonical-lxd's storage/drivers/driver_btrfs.go wraps `btrfs`/`mkfs.btrfs`
// through shared.RunCommand, and mirrors the small, typed operation surface
// (CreateSnapshot, DeleteSubvolume, IsSubvolume, CreateSubvolume) that
// tinyzimmer-btrsync's pkg/btrfs package exposes to its snapmanager. The
// actual `btrfs`/`mkfs.btrfs`/`sgdisk` tools are external collaborators
// (spec.md §1): this package only composes and checks their exit status,
// never reimplements their behavior.
package btrfsutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

// Runner executes external commands. The default implementation shells out
// via os/exec; tests substitute a fake to assert on the arguments without
// needing a real btrfs filesystem.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

// ExecRunner is the production Runner, backed by os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s %v: %w: %s", name, args, err, errBuf.String())
	}
	return out.String(), nil
}

// Tool is a handle bound to a Runner, used for every btrfs subvolume
// operation in this package.
type Tool struct {
	Runner Runner
}

// New returns a Tool backed by the real `btrfs`/`mkfs.btrfs`/`sgdisk` CLIs.
func New() *Tool { return &Tool{Runner: ExecRunner{}} }

func (t *Tool) run(ctx context.Context, name string, args ...string) (string, error) {
	if t.Runner == nil {
		t.Runner = ExecRunner{}
	}
	return t.Runner.Run(ctx, name, args...)
}

// CreateSubvolume creates a new, writable subvolume at path.
func (t *Tool) CreateSubvolume(ctx context.Context, path string) error {
	_, err := t.run(ctx, "btrfs", "subvolume", "create", path)
	return err
}

// CreateSnapshot creates a snapshot of src at dst. If readOnly, the
// snapshot is created with the read-only property already set (spec.md §3
// invariant 1: promoted snapshots are read-only).
func (t *Tool) CreateSnapshot(ctx context.Context, src, dst string, readOnly bool) error {
	args := []string{"subvolume", "snapshot"}
	if readOnly {
		args = append(args, "-r")
	}
	args = append(args, src, dst)
	_, err := t.run(ctx, "btrfs", args...)
	return err
}

// DeleteSubvolume destroys the subvolume at path.
func (t *Tool) DeleteSubvolume(ctx context.Context, path string) error {
	_, err := t.run(ctx, "btrfs", "subvolume", "delete", path)
	return err
}

// SetReadOnly toggles the read-only property of the subvolume at path.
// Snapshot Transfer's promotion does not call it: it takes a read-only
// snapshot via CreateSnapshot instead.
func (t *Tool) SetReadOnly(ctx context.Context, path string, readOnly bool) error {
	val := "false"
	if readOnly {
		val = "true"
	}
	_, err := t.run(ctx, "btrfs", "property", "set", path, "ro", val)
	return err
}

// IsReadOnly reports a subvolume's ro property (spec.md §8 P1).
func (t *Tool) IsReadOnly(ctx context.Context, path string) (bool, error) {
	out, err := t.run(ctx, "btrfs", "property", "get", "-ts", path, "ro")
	if err != nil {
		return false, err
	}
	return bytes.Contains([]byte(out), []byte("ro=true")), nil
}

// SetCompression applies a compression property (e.g. "zstd", "zlib") to
// path, used both for the default snapshots/ compression (spec.md §4.2)
// and the legacy-profile override forced on boot/ during image
// materialization (spec.md §4.6 step 7).
func (t *Tool) SetCompression(ctx context.Context, path, profile string) error {
	_, err := t.run(ctx, "btrfs", "property", "set", path, "compression", profile)
	return err
}

// SetNoCOW marks path copy-on-write-disabled, used for the @swap subvolume
// (spec.md §4.6 step 6).
func (t *Tool) SetNoCOW(ctx context.Context, path string) error {
	_, err := t.run(ctx, "chattr", "+C", path)
	return err
}

// SetDefaultSubvolume marks the subvolume at path as the filesystem's
// default-mounted subvolume (spec.md §4.6 step 4).
func (t *Tool) SetDefaultSubvolume(ctx context.Context, mountpoint, subvolRelPath string) error {
	out, err := t.run(ctx, "btrfs", "subvolume", "show", filepath.Join(mountpoint, subvolRelPath))
	if err != nil {
		return err
	}
	id, err := parseSubvolumeID(out)
	if err != nil {
		return err
	}
	_, err = t.run(ctx, "btrfs", "subvolume", "set-default", id, mountpoint)
	return err
}

// ListSubvolumes lists the subvolumes below dir, as reported by `btrfs
// subvolume list -o`: each entry is a path relative to the filesystem
// root, and writable and read-only subvolumes alike are included.
func (t *Tool) ListSubvolumes(ctx context.Context, dir string) ([]string, error) {
	out, err := t.run(ctx, "btrfs", "subvolume", "list", "-o", dir)
	if err != nil {
		return nil, err
	}
	return parseSubvolumeListPaths(out), nil
}

// IsSubvolume reports whether path is itself a btrfs subvolume.
func (t *Tool) IsSubvolume(ctx context.Context, path string) (bool, error) {
	_, err := t.run(ctx, "btrfs", "subvolume", "show", path)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Sync forces the filesystem containing path to flush, mirroring
// tinyzimmer-btrsync's SyncFilesystem call after creating a snapshot.
func (t *Tool) Sync(ctx context.Context, path string) error {
	_, err := t.run(ctx, "btrfs", "filesystem", "sync", path)
	return err
}
