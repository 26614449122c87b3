package observability

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevWriter := log.Writer()
	prevFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevWriter)
		log.SetFlags(prevFlags)
	})
	return &buf
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{" info ", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"fatal", LogLevelFatal},
		{"", LogLevelInfo},
		{"verbose", LogLevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.in), "input %q", tt.in)
	}
}

func TestStandardLoggerLevelFiltering(t *testing.T) {
	buf := captureOutput(t)

	logger := NewStandardLogger("test")
	logger.Debug("hidden at info", nil)
	assert.Empty(t, buf.String(), "debug suppressed at the default level")

	logger.Info("shown", nil)
	assert.Contains(t, buf.String(), "[INFO] [test] shown")

	buf.Reset()
	verbose := logger.WithLevel(LogLevelDebug)
	verbose.Debug("now visible", nil)
	assert.Contains(t, buf.String(), "[DEBUG] [test] now visible")

	buf.Reset()
	quiet := logger.WithLevel(LogLevelError)
	quiet.Warn("dropped", nil)
	assert.Empty(t, buf.String())
	quiet.Error("kept", nil)
	assert.Contains(t, buf.String(), "[ERROR]")
}

func TestStandardLoggerPrefixKeepsLevel(t *testing.T) {
	buf := captureOutput(t)

	logger := NewStandardLogger("root").WithLevel(LogLevelError).WithPrefix("component")
	logger.Info("dropped", nil)
	assert.Empty(t, buf.String(), "prefixed logger keeps the parent's level")

	logger.Error("kept", nil)
	assert.Contains(t, buf.String(), "[component]")
}

func TestStandardLoggerSortsFields(t *testing.T) {
	buf := captureOutput(t)

	logger := NewStandardLogger("test")
	logger.Info("event", map[string]interface{}{
		"zebra":  1,
		"apple":  "x",
		"mango":  true,
		"banana": 2.5,
	})

	line := buf.String()
	require.Contains(t, line, "apple=x banana=2.5 mango=true zebra=1")
}
