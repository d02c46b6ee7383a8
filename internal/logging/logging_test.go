package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestSetup(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "text to stdout", cfg: Config{Level: "debug", Format: "text", Output: "stdout"}},
		{name: "json to stderr", cfg: Config{Level: "info", Format: "json", Output: "stderr"}},
		{name: "empty defaults", cfg: Config{}},
		{name: "bad level", cfg: Config{Level: "verbose"}, wantErr: true},
		{name: "bad format", cfg: Config{Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Setup(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetup_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tunnelpilot.log")
	require.NoError(t, Setup(Config{Level: "info", Format: "json", Output: path}))
	defer Close()

	Default().Info("hello from test")
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
}

func TestWithComponent(t *testing.T) {
	require.NoError(t, Setup(Config{Level: "debug"}))
	logger := WithComponent("session")
	assert.NotNil(t, logger)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{
		"debug":   "DEBUG",
		"info":    "INFO",
		"":        "INFO",
		"warn":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
	} {
		level, err := parseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, level.String())
	}

	_, err := parseLevel("loud")
	assert.Error(t, err)
}
