package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.TargetFrames)
	assert.Equal(t, 0.9, cfg.DetectionThreshold)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.WorkerTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TARGET_FRAMES", "5")
	t.Setenv("DETECTION_THRESHOLD", "0.75")
	t.Setenv("WORKER_TIMEOUT", "2s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.TargetFrames)
	assert.Equal(t, 0.75, cfg.DetectionThreshold)
	assert.Equal(t, 2*time.Second, cfg.WorkerTimeout)
}

func TestLoadYAMLOverlay(t *testing.T) {
	t.Setenv("TARGET_FRAMES", "5")

	path := filepath.Join(t.TempDir(), "deepscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target_frames: 30\nbatch_size: 4\nworker_timeout: 90s\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.TargetFrames)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.WorkerTimeout)
	assert.Equal(t, 0.9, cfg.DetectionThreshold, "unset keys keep env/default values")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("target_frames: [1, 2"), 0644))
	_, err = Load(bad)
	assert.Error(t, err)

	t.Setenv("TARGET_FRAMES", "lots")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Zero threshold", func(c *Config) { c.DetectionThreshold = 0 }},
		{"Threshold above one", func(c *Config) { c.DetectionThreshold = 1.01 }},
		{"No target frames", func(c *Config) { c.TargetFrames = 0 }},
		{"Zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"Zero extract workers", func(c *Config) { c.ExtractWorkers = 0 }},
		{"Negative timeout", func(c *Config) { c.WorkerTimeout = -time.Second }},
		{"Zero queue workers", func(c *Config) { c.QueueWorkers = 0 }},
		{"Bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := base()
	cfg.DetectionThreshold = 1
	assert.NoError(t, cfg.Validate(), "threshold of exactly 1 is allowed")
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{}
	assert.Empty(t, cfg.DatabaseDSN(), "persistence off without any settings")

	cfg = &Config{PostgresHost: "db", PostgresPort: "5432", PostgresUser: "u", PostgresPassword: "p", PostgresDB: "deepscan"}
	assert.Equal(t, "postgres://u:p@db:5432/deepscan", cfg.DatabaseDSN())

	cfg.DatabaseURL = "postgres://override"
	assert.Equal(t, "postgres://override", cfg.DatabaseDSN())
}
