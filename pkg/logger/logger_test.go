package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_RoutesByLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Stdout: &stdout, Stderr: &stderr})

	l.Info().Msg("request created")
	l.Error().Msg("callback failed")

	assert.Contains(t, stdout.String(), "request created")
	assert.NotContains(t, stdout.String(), "callback failed")
	assert.Contains(t, stderr.String(), "callback failed")
	assert.NotContains(t, stderr.String(), "request created")
}

func TestNew_RespectsLevel(t *testing.T) {
	var stdout bytes.Buffer
	l := New(Config{Level: "warn", Format: "json", Stdout: &stdout, Stderr: &bytes.Buffer{}})

	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	assert.NotContains(t, stdout.String(), "hidden")
	assert.Contains(t, stdout.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestComponent(t *testing.T) {
	var stdout bytes.Buffer
	l := Component(New(Config{Format: "json", Stdout: &stdout}), "verifier")
	l.Info().Msg("hello")
	assert.Contains(t, stdout.String(), `"component":"verifier"`)
}
