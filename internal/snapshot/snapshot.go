// Package snapshot parses and orders the snapshot names this engine mints:
// YYYY.MM.DD_HH.MM, used identically as a local subvolume directory name, a
// remote snapshot name, and a retention-bucket link target.
package snapshot

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// NameTimeFormat is the Go reference-time layout for a snapshot name.
	NameTimeFormat = "2006.01.02_15.04"
)

// NamePattern is the shell-glob contract from spec.md §3: snapshot names
// must match `*.*.*_*.*` across the remote host, the local pool, and
// retention-bucket link targets.
var NamePattern = regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}_\d{2}\.\d{2}$`)

// Name is a parsed snapshot name together with the time it encodes.
type Name struct {
	Raw string
	TS  time.Time
}

// Parse validates raw against NamePattern and decodes its timestamp.
func Parse(raw string) (Name, error) {
	if !NamePattern.MatchString(raw) {
		return Name{}, fmt.Errorf("snapshot: %q does not match name pattern", raw)
	}
	ts, err := time.ParseInLocation(NameTimeFormat, raw, time.UTC)
	if err != nil {
		return Name{}, fmt.Errorf("snapshot: %q: %w", raw, err)
	}
	return Name{Raw: raw, TS: ts}, nil
}

// New formats a snapshot name for the given instant, matching spec.md §4.4
// step 1 ("snap = now formatted YYYY.MM.DD_HH.MM").
func New(ts time.Time) Name {
	return Name{Raw: ts.UTC().Format(NameTimeFormat), TS: ts.UTC()}
}

// ByName sorts Names lexicographically ascending, which spec.md §4.5
// states is equivalent to chronological order given the name format.
type ByName []Name

func (a ByName) Len() int           { return len(a) }
func (a ByName) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a ByName) Less(i, j int) bool { return a[i].Raw < a[j].Raw }

// Highest returns the lexicographically-greatest name, or the zero Name and
// false if names is empty.
func Highest(names []Name) (Name, bool) {
	if len(names) == 0 {
		return Name{}, false
	}
	best := names[0]
	for _, n := range names[1:] {
		if n.Raw > best.Raw {
			best = n
		}
	}
	return best, true
}

// ISOWeekKey returns the "Y-W" retention-bucket coordinate for name, using
// ISO 8601 week numbering (handles the week-53 boundary case correctly,
// per spec.md §8 B4).
func (n Name) ISOWeekKey() string {
	y, w := n.TS.ISOWeek()
	return fmt.Sprintf("%04d-%02d", y, w)
}

// DayKey returns the "Y.M.D" retention-bucket coordinate for name.
func (n Name) DayKey() string {
	return fmt.Sprintf("%04d.%02d.%02d", n.TS.Year(), n.TS.Month(), n.TS.Day())
}

// MonthKey returns the "Y.M" retention-bucket coordinate for name.
func (n Name) MonthKey() string {
	return fmt.Sprintf("%04d.%02d", n.TS.Year(), n.TS.Month())
}

// YearKey returns the "Y" retention-bucket coordinate for name.
func (n Name) YearKey() string {
	return fmt.Sprintf("%04d", n.TS.Year())
}
