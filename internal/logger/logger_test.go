package logger_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/scada-acquisition/internal/logger"
)

func TestInit_WritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	cfg := logger.DefaultConfig()
	cfg.LogDir = dir

	require.NoError(t, logger.Init(cfg))
	logger.Info("hello from test")
	require.NoError(t, logger.Sync())

	matches, err := filepath.Glob(filepath.Join(dir, "acquisitiond.log"))
	assert.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestWithDevice_AddsDeviceKeyField(t *testing.T) {
	require.NoError(t, logger.Init(logger.DefaultConfig()))
	l := logger.WithDevice("10.0.0.5:502:1")
	assert.NotNil(t, l)
}
