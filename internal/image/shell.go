package image

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/opscadence/btrfs-vault/internal/config"
	"github.com/opscadence/btrfs-vault/internal/poollock"
)

// Mount attaches and mounts the pool's working image (raw if direct is
// false, qcow2 if true) and runs the configured shell hook against the
// mounted rootfs, unmounting and detaching afterward regardless of the
// hook's outcome (spec.md §9's open question on mount-raw/mount-qcow2,
// supplemented per SPEC_FULL.md: attach, mount, run a configured
// subcommand, then unmount and detach via the cleanup stack).
func (b *Builder) Mount(ctx context.Context, poolDir string, cfg *config.Config, direct bool) error {
	path := imagePath(poolDir, direct)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("image: mount: no image at %s: %w", path, err)
	}

	mnt := mountpointFor(poolDir, "shell")
	var stack poollock.Stack
	defer func() {
		if err := stack.Unwind(); err != nil {
			b.Log.WithError(err).Warn("image: mount: cleanup reported errors")
		}
	}()

	if _, _, err := b.attachAndMount(ctx, path, mnt, direct, cfg.RootPart, &stack); err != nil {
		return fmt.Errorf("image: mount: %w", err)
	}

	b.Log.WithField("mountpoint", mnt).Info("image: mount: rootfs attached")
	return runShellHook(ctx, cfg, mnt)
}

// runShellHook runs the configured shell command with mnt as its working
// directory. If no shell command is configured and stdin is a terminal, it
// falls back to $SHELL, then /bin/sh. If that still leaves no command (no
// terminal, or neither shell usable), it reports the mountpoint and waits
// for the caller to interrupt.
func runShellHook(ctx context.Context, cfg *config.Config, mnt string) error {
	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		interactive = true
	}
	shellCmd := cfg.ShellCmd
	if shellCmd == "" && interactive {
		shellCmd = os.Getenv("SHELL")
	}
	if shellCmd == "" && interactive {
		if _, err := exec.LookPath("/bin/sh"); err == nil {
			shellCmd = "/bin/sh"
		}
	}
	if shellCmd == "" {
		fmt.Printf("image: mounted at %s; no shell to run, waiting for interrupt\n", mnt)
		<-ctx.Done()
		return nil
	}

	cmd := exec.CommandContext(ctx, shellCmd)
	cmd.Dir = mnt
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("image: mount: shell hook: %w", err)
	}
	return nil
}
