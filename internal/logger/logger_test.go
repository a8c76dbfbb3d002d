package logger

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New("not-a-level", "")
	require.NoError(t, err)
	assert.Equal(t, "info", l.GetLevel().String())
}

func TestNewWithOptions_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dispatcher.log")

	l, err := NewWithOptions(Options{Level: "debug", File: path, JSON: true})
	require.NoError(t, err)
	assert.Equal(t, "debug", l.GetLevel().String())
	assert.FileExists(t, path)
}

func TestComponent_TagsLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf).Component("dispatcher")

	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"dispatcher"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestGet_ReturnsNopWhenUninitialized(t *testing.T) {
	prev := Global
	Global = nil
	defer func() { Global = prev }()

	l := Get()
	require.NotNil(t, l)
	l.Info().Msg("discarded")
}
