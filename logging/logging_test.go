package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl/logging"
)

func TestParseSpec(t *testing.T) {
	spec, err := logging.ParseSpec("warn, transport=debug,filter=trace")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, spec.BaseLevel)
	assert.Equal(t, logging.LevelDebug, spec.LevelFor("transport"))
	assert.Equal(t, logging.LevelTrace, spec.LevelFor("filter"))
	assert.Equal(t, logging.LevelWarn, spec.LevelFor("manager"))
	assert.Equal(t, "warn,filter=trace,transport=debug", spec.String())

	again, err := logging.ParseSpec(spec.String())
	require.NoError(t, err)
	assert.Equal(t, spec, again)
}

func TestParseSpecErrors(t *testing.T) {
	for _, in := range []string{"loud", "transport=loud", "=debug", "transport=debug,warn"} {
		_, err := logging.ParseSpec(in)
		assert.Error(t, err, in)
	}
}

func TestParseSpecEmptyIsInfo(t *testing.T) {
	spec, err := logging.ParseSpec("  ")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelInfo, spec.BaseLevel)
	assert.Empty(t, spec.Components)
}

func TestFilteringByComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{CLISpec: "warn,transport=trace", Output: &buf})
	require.NoError(t, err)

	logger.Info("root info")
	assert.Empty(t, buf.String())

	transport := logger.With("component", "transport")
	transport.Log(context.Background(), logging.LevelTrace.ToSlog(), "command sent")
	assert.Contains(t, buf.String(), "command sent")
	assert.Contains(t, buf.String(), "level=TRACE")

	buf.Reset()
	logger.With("component", "filter").Debug("filter debug")
	assert.Empty(t, buf.String())

	// Groups keep the component's level.
	transport.WithGroup("req").Debug("grouped")
	assert.Contains(t, buf.String(), "grouped")
}

func TestSpecPrecedence(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		CLISpec:    "error",
		EnvSpec:    "debug",
		ConfigSpec: "trace",
		Output:     &buf,
	})
	require.NoError(t, err)
	logger.Warn("hidden")
	assert.Empty(t, buf.String())

	logger, err = logging.New(logging.Options{EnvSpec: "debug", ConfigSpec: "error", Output: &buf})
	require.NoError(t, err)
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: logging.FormatJSON, Output: &buf})
	require.NoError(t, err)
	logger.Info("hello", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestInvalidSpec(t *testing.T) {
	_, err := logging.New(logging.Options{CLISpec: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log spec")
}

func TestParseFormat(t *testing.T) {
	f, err := logging.ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, logging.FormatJSON, f)
	_, err = logging.ParseFormat("xml")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	assert.False(t, logging.Discard().Enabled(context.Background(), slog.LevelError))
}
