package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
global:
  log_level: info
storage:
  driver: s3
  canonical_bucket: original-canonical
  s3:
    region: ap-southeast-2
    force_path_style: false
workflow:
  task_timeout: 30s
  checksum_concurrency: 4
importer:
  concurrency: 8
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "original-canonical", cfg.Storage.CanonicalBucket)
				assert.Equal(t, "ap-southeast-2", cfg.Storage.S3.Region)
				assert.Equal(t, 30*time.Second, cfg.Workflow.TaskTimeout)
				assert.Equal(t, 8, cfg.Importer.Concurrency)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"GEOSTORE_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested override - storage.canonical_bucket",
			envVars: map[string]string{
				"GEOSTORE_STORAGE_CANONICAL_BUCKET": "env-canonical",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "env-canonical", cfg.Storage.CanonicalBucket)
			},
		},
		{
			name: "boolean override - s3.force_path_style",
			envVars: map[string]string{
				"GEOSTORE_STORAGE_S3_FORCE_PATH_STYLE": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Storage.S3.ForcePathStyle)
			},
		},
		{
			name: "duration override - workflow.task_timeout",
			envVars: map[string]string{
				"GEOSTORE_WORKFLOW_TASK_TIMEOUT": "90s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 90*time.Second, cfg.Workflow.TaskTimeout)
			},
		},
		{
			name: "env only key - workflow.retry.max_attempts",
			envVars: map[string]string{
				"GEOSTORE_WORKFLOW_RETRY_MAX_ATTEMPTS": "7",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7, cfg.Workflow.Retry.MaxAttempts)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"GEOSTORE_GLOBAL_LOG_LEVEL":              "trace",
				"GEOSTORE_IMPORTER_CONCURRENCY":          "64",
				"GEOSTORE_WORKFLOW_CHECKSUM_CONCURRENCY": "2",
				"GEOSTORE_CATALOG_TITLE":                 "Env catalog",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.Global.LogLevel)
				assert.Equal(t, 64, cfg.Importer.Concurrency)
				assert.Equal(t, 2, cfg.Workflow.ChecksumConcurrency)
				assert.Equal(t, "Env catalog", cfg.Catalog.Title)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
storage:
  canonical_bucket: canonical
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultStorageDriver, cfg.Storage.Driver)
	assert.Equal(t, DefaultS3Region, cfg.Storage.S3.Region)
	assert.Equal(t, DefaultListen, cfg.API.Server.Listen)
	assert.Equal(t, DefaultTaskTimeout, cfg.Workflow.TaskTimeout)
	assert.Equal(t, DefaultChecksumConcurrency, cfg.Workflow.ChecksumConcurrency)
	assert.Zero(t, cfg.Workflow.ChecksumTimeout)
	assert.Equal(t, 3, cfg.Workflow.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Workflow.Retry.InitialInterval)
	assert.Equal(t, 30*time.Second, cfg.Workflow.Retry.MaxInterval)
	assert.InDelta(t, 2.0, cfg.Workflow.Retry.BackoffRate, 0)
	assert.Equal(t, DefaultImporterConcurrency, cfg.Importer.Concurrency)
	assert.Equal(t, DefaultImporterMaxTaskAttempts, cfg.Importer.MaxTaskAttempts)
	assert.Equal(t, DefaultCatalogPollInterval, cfg.Catalog.PollInterval)
	assert.Equal(t, DefaultCatalogTitle, cfg.Catalog.Title)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvVarOverridesDefaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
storage:
  canonical_bucket: canonical
`)

	t.Setenv("GEOSTORE_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Env var should take precedence over default.
	assert.Equal(t, "warn", cfg.Global.LogLevel)
}

func TestLoad_MergesFiles(t *testing.T) {
	base := writeConfig(t, "base.yaml", `
global:
  log_level: info
storage:
  canonical_bucket: base-canonical
  s3:
    region: ap-southeast-2
`)
	override := writeConfig(t, "override.yaml", `
storage:
  canonical_bucket: override-canonical
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "override-canonical", cfg.Storage.CanonicalBucket)
	assert.Equal(t, "ap-southeast-2", cfg.Storage.S3.Region)
	assert.Equal(t, "info", cfg.Global.LogLevel)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	root := t.TempDir()

	valid := func() *Config {
		cfg := &Config{Storage: StorageConfig{CanonicalBucket: "canonical"}}
		cfg.applyDefaults()

		return cfg
	}

	tests := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(_ *Config) {},
		},
		{
			name: "local storage",
			modify: func(cfg *Config) {
				cfg.Storage.Driver = "local"
				cfg.Storage.Local.Root = root
			},
		},
		{
			name: "local storage without root",
			modify: func(cfg *Config) {
				cfg.Storage.Driver = "local"
			},
			wantErr: "storage.local.root is required",
		},
		{
			name: "local storage with missing root",
			modify: func(cfg *Config) {
				cfg.Storage.Driver = "local"
				cfg.Storage.Local.Root = filepath.Join(root, "missing")
			},
			wantErr: "does not exist",
		},
		{
			name: "unknown storage driver",
			modify: func(cfg *Config) {
				cfg.Storage.Driver = "ftp"
			},
			wantErr: "unsupported storage driver",
		},
		{
			name: "half configured s3 credentials",
			modify: func(cfg *Config) {
				cfg.Storage.S3.AccessKeyID = "key"
			},
			wantErr: "must be set together",
		},
		{
			name: "missing canonical bucket",
			modify: func(cfg *Config) {
				cfg.Storage.CanonicalBucket = ""
			},
			wantErr: "storage.canonical_bucket is required",
		},
		{
			name: "postgres without host",
			modify: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
			},
			wantErr: "database.postgres.host is required",
		},
		{
			name: "unknown database driver",
			modify: func(cfg *Config) {
				cfg.Database.Driver = "mysql"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "retry max interval below initial",
			modify: func(cfg *Config) {
				cfg.Workflow.Retry.InitialInterval = time.Minute
				cfg.Workflow.Retry.MaxInterval = time.Second
			},
			wantErr: "max_interval",
		},
		{
			name: "negative checksum timeout",
			modify: func(cfg *Config) {
				cfg.Workflow.ChecksumTimeout = -time.Second
			},
			wantErr: "checksum_timeout",
		},
		{
			name: "rate limit without tiers",
			modify: func(cfg *Config) {
				cfg.API.Server.RateLimit.Enabled = true
			},
			wantErr: "requests_per_minute must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_DumpMasksSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.S3.SecretAccessKey = "very-secret"
	cfg.Database.Postgres.Password = "hunter2"

	out, err := cfg.Dump()
	require.NoError(t, err)

	assert.NotContains(t, string(out), "very-secret")
	assert.NotContains(t, string(out), "hunter2")
	assert.Contains(t, string(out), "********")
}
