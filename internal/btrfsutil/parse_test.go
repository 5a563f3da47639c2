package btrfsutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSubvolumeID(t *testing.T) {
	const show = `/pool/snapshots/2024.01.01_00.00
	Name: 			2024.01.01_00.00
	UUID: 			...
	Subvolume ID:		257
	Generation:		12
`
	id, err := parseSubvolumeID(show)
	assert.NoError(t, err)
	assert.Equal(t, "257", id)
}

func TestParseSubvolumeIDMissing(t *testing.T) {
	_, err := parseSubvolumeID("no useful lines here")
	assert.Error(t, err)
}

func TestParseSubvolumeListPaths(t *testing.T) {
	const list = `ID 257 gen 12 top level 5 path snapshots/2024.01.01_00.00
ID 258 gen 13 top level 5 path snapshots/2024.01.02_00.00
`
	paths := parseSubvolumeListPaths(list)
	assert.Equal(t, []string{"snapshots/2024.01.01_00.00", "snapshots/2024.01.02_00.00"}, paths)
}
