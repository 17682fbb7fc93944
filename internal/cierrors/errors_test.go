package cierrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigErrorMatchesKind(t *testing.T) {
	err := New(ErrUnknownStage, "build-job", "Invalid stage %q for build-job", "nope").WithStage("nope")
	wrapped := fmt.Errorf("resolve: %w", err)

	assert.True(t, errors.Is(wrapped, ErrUnknownStage))
	assert.False(t, errors.Is(wrapped, ErrEmptyScript))
	assert.True(t, IsConfig(wrapped))
	assert.Equal(t, `Invalid stage "nope" for build-job`, err.Error())
	assert.Equal(t, "nope", err.Stage)
}

func TestIsConfigPlainError(t *testing.T) {
	assert.False(t, IsConfig(errors.New("boom")))
}
