package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8010, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, 30*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.False(t, cfg.Archive.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("MAX_PARALLEL", "8")
	t.Setenv("TIMEOUT_MINUTES", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 8, cfg.MaxParallel)
	assert.Equal(t, 5*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate_RejectsBadParallelism(t *testing.T) {
	t.Setenv("MAX_PARALLEL", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_ArchiveNeedsBucket(t *testing.T) {
	t.Setenv("ARCHIVE_ENABLED", "true")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("ARCHIVE_BUCKET", "tuning-archive")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "tuning-archive", cfg.Archive.Bucket)
}
