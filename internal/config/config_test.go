package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "federator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("urlRouting: http://routing.example.org/lookup\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.PoolSize)
	assert.Equal(t, 2, cfg.SplittingFactor)
	assert.Equal(t, BackendMemory, cfg.Cache.Backend)
}

func TestValidateRejectsBadSplittingFactor(t *testing.T) {
	cfg := Default()
	cfg.URLRouting = "http://x"
	cfg.SplittingFactor = 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonMultipleOf64(t *testing.T) {
	cfg := Default()
	cfg.URLRouting = "http://x"
	cfg.FallbackMSEEDRecordSize = 100
	require.Error(t, cfg.Validate())
}

func TestMaxDurations(t *testing.T) {
	cfg := Default()
	cfg.MaxStreamEpochDurationDays = 1
	assert.Equal(t, 24.0, cfg.MaxStreamEpochDuration().Hours())
}
