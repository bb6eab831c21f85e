package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnrollmentDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Enrollment.Storage)
	assert.Equal(t, BackendMemory, cfg.Enrollment.JobStore)
	assert.Equal(t, 3, cfg.Enrollment.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.Enrollment.JobRetention)
	assert.Equal(t, "@every 30s", cfg.Enrollment.SweepSchedule)
	assert.False(t, cfg.Enrollment.UsesRedis())
}

func TestLoadEnrollmentOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ENROLLMENT_JOB_STORE", "REDIS")
	t.Setenv("ENROLLMENT_LOCK_TIMEOUT", "750ms")
	t.Setenv("ENROLLMENT_QUEUE_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Enrollment.JobStore)
	assert.Equal(t, 750*time.Millisecond, cfg.Enrollment.LockTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Enrollment.QueueTimeout)
	assert.True(t, cfg.Enrollment.UsesRedis())
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim(""))
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a, ,b "))
}

func chdirTemp(t *testing.T) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
