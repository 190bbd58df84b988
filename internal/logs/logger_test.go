package logs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway-go/internal/config"
)

func TestSetupLoggerConsoleOnly(t *testing.T) {
	cfg := DefaultLogConfig()

	logger, err := SetupLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("console logger works")
	require.NoError(t, logger.Sync())
}

func TestSetupLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LogConfig{
		Level:         LogLevelDebug,
		EnableFile:    true,
		EnableConsole: false,
		Filename:      "gateway.log",
		LogDir:        dir,
		MaxSize:       1,
		MaxBackups:    1,
		MaxAge:        1,
	}

	logger, err := SetupLogger(cfg)
	require.NoError(t, err)
	logger.Info("written to file")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "gateway.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestSetupLoggerRejectsNoOutputs(t *testing.T) {
	cfg := &config.LogConfig{EnableFile: false, EnableConsole: false}

	_, err := SetupLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no log outputs")
}

func TestSetupServiceLogger(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LogConfig{
		Level:    LogLevelInfo,
		LogDir:   dir,
		MaxSize:  1,
		MaxAge:   1,
		Compress: false,
	}

	logger, err := SetupServiceLogger(cfg, "/fininfo")
	require.NoError(t, err)
	logger.Info("probe ok")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "service-fininfo.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "probe ok")
	assert.Contains(t, string(data), "/fininfo")
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/fininfo", "fininfo"},
		{"/a/b", "a-b"},
		{"", "root"},
		{"/", "root"},
		{"/with space", "with_space"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), tt.in)
	}
}

func TestParseLevel(t *testing.T) {
	for _, lvl := range []string{LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "bogus"} {
		// Must not panic and must produce a usable level.
		parsed := parseLevel(lvl)
		assert.True(t, strings.TrimSpace(parsed.String()) != "")
	}
}
