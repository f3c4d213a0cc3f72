package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want zapcore.Level
	}{
		{"default", Options{}, zapcore.InfoLevel},
		{"warn", Options{Level: "warn"}, zapcore.WarnLevel},
		{"upper case", Options{Level: "ERROR"}, zapcore.ErrorLevel},
		{"verbose wins", Options{Level: "error", Verbose: true}, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.opts)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNewInvalid(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")

	_, err = New(Options{Format: "xml"})
	assert.ErrorContains(t, err, "invalid log format")
}

func TestConsoleFormatWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "luabox.log")

	logger, err := New(Options{Format: "console", OutputPaths: []string{path}})
	require.NoError(t, err)
	logger.Info("server listening")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "server listening")
	assert.False(t, strings.HasPrefix(line, "{"), "console output should not be JSON")
}
