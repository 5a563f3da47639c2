package image

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mountBtrfs mounts device at mountpoint as btrfs with the given
// comma-joined options (e.g. "subvolid=5").
func mountBtrfs(device, mountpoint, options string) error {
	if err := unix.Mount(device, mountpoint, "btrfs", 0, options); err != nil {
		return fmt.Errorf("image: mount(%s, %s, btrfs, %q): %w", device, mountpoint, options, err)
	}
	return nil
}

// unmount detaches mountpoint. Idempotent: EINVAL ("not mounted") is
// treated as success since the cleanup stack tolerates already-released
// resources (spec.md §5 "Cleanup discipline").
func unmount(mountpoint string) error {
	if err := unix.Unmount(mountpoint, 0); err != nil {
		if err == unix.EINVAL {
			return nil
		}
		return fmt.Errorf("image: unmount(%s): %w", mountpoint, err)
	}
	return nil
}
