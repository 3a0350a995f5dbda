package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jask/beatadmin/internal/config"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "beatadmin.log")
	log, err := New(config.LogConfig{Path: path, Level: "warn", MaxSizeMB: 1, MaxBackups: 1}, false)
	require.NoError(t, err)

	log.Info("dropped at warn level")
	log.Error("write failed", zap.String("collection", "phoneNumbers"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "dropped at warn level")
	require.Contains(t, string(data), `"msg":"write failed"`)
	require.Contains(t, string(data), `"collection":"phoneNumbers"`)
}

func TestNewVerboseAndBadLevel(t *testing.T) {
	log, err := New(config.LogConfig{Level: "error"}, true)
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zap.DebugLevel))

	_, err = New(config.LogConfig{Level: "loud"}, false)
	require.Error(t, err)
}
