package remoteagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendCommandFull(t *testing.T) {
	a := New("backup-src")
	cmd := a.SendCommand("2024.01.01_00.00", "", []string{"zstd", "-T0"})
	assert.Equal(t, "btrfs send '/.btrfs/snapshots/2024.01.01_00.00' | 'zstd' '-T0'", cmd)
}

func TestSendCommandDifferential(t *testing.T) {
	a := New("backup-src")
	cmd := a.SendCommand("2024.01.02_00.00", "2024.01.01_00.00", []string{"zstd"})
	assert.Equal(t,
		"btrfs send -p '/.btrfs/snapshots/2024.01.01_00.00' '/.btrfs/snapshots/2024.01.02_00.00' | 'zstd'",
		cmd)
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
