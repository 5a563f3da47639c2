package pipeline

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunChainsStagesStdoutToStdin(t *testing.T) {
	p := &Pipeline{Stages: []Stage{
		{Name: "cat"},
		{Name: "tr", Args: []string{"a-z", "A-Z"}},
	}}

	var out bytes.Buffer
	err := p.Run(context.Background(), strings.NewReader("hello\n"), &out)
	assert.NoError(t, err)
	assert.Equal(t, "HELLO\n", out.String())
}

func TestRunReportsFailingStage(t *testing.T) {
	p := &Pipeline{Stages: []Stage{
		{Name: "false"},
		{Name: "cat"},
	}}

	var out bytes.Buffer
	err := p.Run(context.Background(), strings.NewReader("x"), &out)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "false")
}

func TestRunRequiresAtLeastOneStage(t *testing.T) {
	p := &Pipeline{}
	err := p.Run(context.Background(), nil, nil)
	assert.Error(t, err)
}
