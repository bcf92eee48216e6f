package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelinePromptHasPlaceholder(t *testing.T) {
	ctx, m, err := newPipeline(4, false)
	require.NoError(t, err)
	defer ctx.Close()

	// The ranking prompt must carry a placeholder, otherwise the
	// question is dropped before candidates are scored.
	prompt := m.Config().Prompt
	assert.True(t, strings.Contains(prompt, "{}"), "prompt %q has no placeholder", prompt)
}

func TestFormatChoiceQuestion(t *testing.T) {
	got := formatChoiceQuestion("What color is the car?", []string{"red", "blue"})
	assert.Contains(t, got, "What color is the car?")
	assert.Contains(t, got, "(a) red")
	assert.Contains(t, got, "(b) blue")
}
