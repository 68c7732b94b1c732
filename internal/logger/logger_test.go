package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"char-chat/server/internal/config"
)

func TestInit_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")

	l, err := Init(config.LoggingConfig{Level: "debug", Format: "json", Output: path, MaxSizeMB: 1})
	require.NoError(t, err)

	l.Info("turn committed")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "turn committed")
	assert.Same(t, l, L())
}

func TestNamed_BeforeInitIsSafe(t *testing.T) {
	mu.Lock()
	base = nil
	mu.Unlock()

	assert.NotPanics(t, func() { Named("engine").Info("noop") })
}
