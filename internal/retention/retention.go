// Package retention implements the time-stratified snapshot retention
// subsystem (spec.md §4.5): symbolic indices into snapshots/ bucketed by
// latest/day/week/month/year, trimmed per configured keep-counts, with
// snapshots outside every kept bucket garbage-collected.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opscadence/btrfs-vault/internal/config"
	"github.com/opscadence/btrfs-vault/internal/snapshot"
)

// Deleter destroys a snapshot subvolume; satisfied by *btrfsutil.Tool.
type Deleter interface {
	DeleteSubvolume(ctx context.Context, path string) error
}

// bucket names under retention/ (spec.md §3).
const (
	bucketLatest = "latest"
	bucketDays   = "days"
	bucketWeeks  = "weeks"
	bucketMonths = "months"
	bucketYears  = "years"
)

// Run executes the full retention algorithm against poolDir (spec.md §4.5
// steps 1-5, strictly in that order: index, trim, compute kept set, GC
// snapshots, sweep stale links).
func Run(ctx context.Context, poolDir string, keep config.Retention, deleter Deleter, log *logrus.Logger) error {
	snapshotsDir := filepath.Join(poolDir, "snapshots")
	retentionDir := filepath.Join(poolDir, "retention")

	names, err := listSnapshotNames(snapshotsDir)
	if err != nil {
		return fmt.Errorf("retention: listing snapshots: %w", err)
	}

	// Step 1: index every snapshot into every bucket, first-wins per
	// coordinate.
	for _, n := range names {
		if err := linkIfAbsent(retentionDir, bucketLatest, n.Raw, n.Raw, log); err != nil {
			return err
		}
		if err := linkIfAbsent(retentionDir, bucketDays, n.DayKey(), n.Raw, log); err != nil {
			return err
		}
		if err := linkIfAbsent(retentionDir, bucketWeeks, n.ISOWeekKey(), n.Raw, log); err != nil {
			return err
		}
		if err := linkIfAbsent(retentionDir, bucketMonths, n.MonthKey(), n.Raw, log); err != nil {
			return err
		}
		if err := linkIfAbsent(retentionDir, bucketYears, n.YearKey(), n.Raw, log); err != nil {
			return err
		}
	}

	// Step 2: trim each bucket to its configured keep-count.
	for _, b := range []struct {
		name string
		keep int
	}{
		{bucketLatest, keep.Latest},
		{bucketDays, keep.Days},
		{bucketWeeks, keep.Weeks},
		{bucketMonths, keep.Months},
		{bucketYears, keep.Years},
	} {
		if err := trimBucket(filepath.Join(retentionDir, b.name), b.keep, log); err != nil {
			return fmt.Errorf("retention: trimming bucket %q: %w", b.name, err)
		}
	}

	// Step 3: union of remaining link targets is the kept set.
	kept, err := unionOfTargets(retentionDir)
	if err != nil {
		return fmt.Errorf("retention: computing kept set: %w", err)
	}

	// Step 4: delete every snapshot not in the kept set. This is the only
	// step that destroys snapshots.
	for _, n := range names {
		if kept[n.Raw] {
			continue
		}
		path := filepath.Join(snapshotsDir, n.Raw)
		log.WithFields(logrus.Fields{"snapshot": n.Raw}).Info("retention: deleting unreferenced snapshot")
		if err := deleter.DeleteSubvolume(ctx, path); err != nil {
			return fmt.Errorf("retention: deleting snapshot %q: %w", n.Raw, err)
		}
	}

	// Step 5: sweep any link whose target is no longer a present snapshot.
	stillPresent, err := listSnapshotNames(snapshotsDir)
	if err != nil {
		return fmt.Errorf("retention: re-listing snapshots for sweep: %w", err)
	}
	presentSet := map[string]bool{}
	for _, n := range stillPresent {
		presentSet[n.Raw] = true
	}
	if err := sweepStaleLinks(retentionDir, presentSet); err != nil {
		return fmt.Errorf("retention: sweeping stale links: %w", err)
	}

	return nil
}

func listSnapshotNames(snapshotsDir string) ([]snapshot.Name, error) {
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []snapshot.Name
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := snapshot.Parse(e.Name())
		if err != nil {
			continue // not a snapshot-named entry (e.g. "new"); ignore
		}
		names = append(names, n)
	}
	sort.Sort(snapshot.ByName(names))
	return names, nil
}

func linkIfAbsent(retentionDir, bucket, key, target string, log *logrus.Logger) error {
	dir := filepath.Join(retentionDir, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("retention: creating bucket dir %q: %w", dir, err)
	}
	linkPath := filepath.Join(dir, key)
	if _, err := os.Lstat(linkPath); err == nil {
		return nil // first-wins: a link already exists for this coordinate
	} else if !os.IsNotExist(err) {
		return err
	}
	log.WithFields(logrus.Fields{"bucket": bucket, "key": key, "target": target}).Debug("retention: creating link")
	return os.Symlink(target, linkPath)
}

// trimBucket sorts the bucket's link names lexicographically, keeps the
// last keepN, and removes the rest (spec.md §4.5 step 2). keepN <= 0
// removes every link in the bucket.
func trimBucket(dir string, keepN int, log *logrus.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	cut := len(names) - keepN
	if cut < 0 {
		cut = 0
	}
	for _, name := range names[:cut] {
		log.WithFields(logrus.Fields{"bucket": dir, "key": name}).Debug("retention: trimming link")
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func unionOfTargets(retentionDir string) (map[string]bool, error) {
	kept := map[string]bool{}
	buckets := []string{bucketLatest, bucketDays, bucketWeeks, bucketMonths, bucketYears}
	for _, b := range buckets {
		dir := filepath.Join(retentionDir, b)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			target, err := os.Readlink(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			kept[target] = true
		}
	}
	return kept, nil
}

func sweepStaleLinks(retentionDir string, present map[string]bool) error {
	buckets := []string{bucketLatest, bucketDays, bucketWeeks, bucketMonths, bucketYears}
	for _, b := range buckets {
		dir := filepath.Join(retentionDir, b)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			linkPath := filepath.Join(dir, e.Name())
			target, err := os.Readlink(linkPath)
			if err != nil {
				return err
			}
			if !present[target] {
				if err := os.Remove(linkPath); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
