package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "bulk_uploads", cfg.QueueName)
	assert.Equal(t, 15*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 500, cfg.BatchChunkSize)
	assert.EqualValues(t, 10000, cfg.VerifyHourlyLimit)
	assert.Equal(t, []string{".csv", ".xlsx"}, cfg.IntakeExtensions)
	assert.Equal(t, []string{"processed", "reports"}, cfg.IntakeExcludeDirs)
	assert.Equal(t, "unassigned", cfg.DefaultTag)
	assert.Equal(t, time.Hour, cfg.VerifyCacheTTL)
	assert.Equal(t, 10000, cfg.VerifyCacheSize)
	assert.True(t, cfg.WorkerEnabled)
	assert.False(t, cfg.VerificationEnabled())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JOB_TIMEOUT", "90s")
	t.Setenv("INTAKE_EXTENSIONS", ".csv")
	t.Setenv("VERIFY_BASE_URL", "https://verify.example.org")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WATCHER_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.JobTimeout)
	assert.Equal(t, []string{".csv"}, cfg.IntakeExtensions)
	assert.True(t, cfg.VerificationEnabled())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.False(t, cfg.WatcherEnabled)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("BATCH_CHUNK_SIZE", "0")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("BATCH_CHUNK_SIZE", "1001")
	_, err = Load()
	assert.ErrorContains(t, err, "between 1 and 1000")

	t.Setenv("BATCH_CHUNK_SIZE", "1000")
	_, err = Load()
	assert.NoError(t, err)

	t.Setenv("JOB_TIMEOUT", "soon")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadDotEnvKeepsProcessEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("QUEUE_NAME=from_file\nINTAKE_DIR=\"/srv/uploads\" # comment\n"), 0o644))

	t.Setenv("QUEUE_NAME", "from_process")
	t.Setenv("INTAKE_DIR", "")
	require.NoError(t, os.Unsetenv("INTAKE_DIR"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from_process", os.Getenv("QUEUE_NAME"))
	assert.Equal(t, "/srv/uploads", os.Getenv("INTAKE_DIR"))
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var text, structured bytes.Buffer
	logger := SetupLoggerWithWriters(&text, &structured, slog.LevelInfo)

	logger.Info("job completed", "job_id", "j1")
	logger.Debug("hidden")

	assert.Contains(t, text.String(), "job completed")
	assert.NotContains(t, text.String(), "hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(structured.Bytes(), &entry))
	assert.Equal(t, "j1", entry["job_id"])
}

func TestSetupLoggerWithoutFile(t *testing.T) {
	logger, cleanup := SetupLogger("", slog.LevelInfo)
	assert.NotNil(t, logger)
	assert.NoError(t, cleanup())
}
