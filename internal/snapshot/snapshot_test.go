package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	for _, tt := range []struct {
		raw     string
		wantErr bool
		want    time.Time
	}{
		{"2024.01.02_03.04", false, time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)},
		{"2024.01.02", true, time.Time{}},
		{"not-a-snapshot", true, time.Time{}},
	} {
		n, err := Parse(tt.raw)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		if assert.NoError(t, err) {
			assert.Equal(t, tt.raw, n.Raw)
			assert.Equal(t, tt.want, n.TS)
		}
	}
}

func TestNewRoundTrips(t *testing.T) {
	ts := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	n := New(ts)
	assert.Equal(t, "2025.12.31_23.59", n.Raw)

	reparsed, err := Parse(n.Raw)
	assert.NoError(t, err)
	assert.Equal(t, n.TS, reparsed.TS)
}

func TestHighest(t *testing.T) {
	a, _ := Parse("2024.01.01_00.00")
	b, _ := Parse("2024.01.02_00.00")
	c, _ := Parse("2024.01.01_12.00")

	best, ok := Highest([]Name{a, b, c})
	assert.True(t, ok)
	assert.Equal(t, b.Raw, best.Raw)

	_, ok = Highest(nil)
	assert.False(t, ok)
}

func TestISOWeekKeyHandlesWeek53Boundary(t *testing.T) {
	// 2020-12-31 falls in ISO week 53 of 2020, not week 1 of 2021.
	n, err := Parse("2020.12.31_00.00")
	assert.NoError(t, err)
	assert.Equal(t, "2020-53", n.ISOWeekKey())
}

func TestBucketKeys(t *testing.T) {
	n, err := Parse("2024.03.07_06.00")
	assert.NoError(t, err)
	assert.Equal(t, "2024.03.07", n.DayKey())
	assert.Equal(t, "2024.03", n.MonthKey())
	assert.Equal(t, "2024", n.YearKey())
}
