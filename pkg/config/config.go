package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// GEOSTORE_STORAGE_CANONICAL_BUCKET.
	EnvPrefix = "GEOSTORE"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database path.
	DefaultSQLitePath = "./geostore.db"

	// DefaultStorageDriver is the default object storage driver.
	DefaultStorageDriver = "s3"

	// DefaultS3Region is used when no region is configured.
	DefaultS3Region = "us-east-1"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultTaskTimeout is the soft timeout for lambda-style workflow tasks.
	DefaultTaskTimeout = 60 * time.Second

	// DefaultChecksumConcurrency bounds parallel checksum workers per batch.
	DefaultChecksumConcurrency = 16

	// DefaultImporterConcurrency bounds parallel copy tasks per import job.
	DefaultImporterConcurrency = 32

	// DefaultImporterMaxTaskAttempts is how often a TemporaryFailure is retried.
	DefaultImporterMaxTaskAttempts = 3

	// DefaultCatalogPollInterval is how often the catalog queue is polled.
	DefaultCatalogPollInterval = 2 * time.Second

	// DefaultCatalogTitle is the title of a newly created root catalog.
	DefaultCatalogTitle = "Geostore"

	// DefaultCatalogDescription is the description of a new root catalog.
	DefaultCatalogDescription = "Geospatial datasets managed by Geostore"
)

// Config is the root configuration for geostore.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Workflow WorkflowConfig `yaml:"workflow" mapstructure:"workflow"`
	Importer ImporterConfig `yaml:"importer" mapstructure:"importer"`
	Catalog  CatalogConfig  `yaml:"catalog" mapstructure:"catalog"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// StorageConfig configures access to the staging and canonical buckets.
// Staging buckets are named by the submitted metadata URLs, so only the
// canonical bucket is fixed here.
type StorageConfig struct {
	Driver          string             `yaml:"driver" mapstructure:"driver"`
	CanonicalBucket string             `yaml:"canonical_bucket" mapstructure:"canonical_bucket"`
	S3              S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Local           LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// S3Config contains settings for S3-compatible storage.
type S3Config struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	// AssumeRoles toggles STS role assumption for staging reads. When
	// disabled the service credentials are used for every bucket.
	AssumeRoles bool `yaml:"assume_roles" mapstructure:"assume_roles"`
}

// LocalStorageConfig maps every bucket to a directory under Root.
type LocalStorageConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// WorkflowConfig tunes the dataset-version state machine.
type WorkflowConfig struct {
	TaskTimeout         time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
	ChecksumConcurrency int           `yaml:"checksum_concurrency" mapstructure:"checksum_concurrency"`
	// ChecksumTimeout bounds one checksum attempt. Zero means no limit.
	ChecksumTimeout time.Duration `yaml:"checksum_timeout" mapstructure:"checksum_timeout"`
	Retry           RetryConfig   `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig is an exponential backoff policy for transient task errors.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	BackoffRate     float64       `yaml:"backoff_rate" mapstructure:"backoff_rate"`
}

// ImporterConfig tunes bulk-copy jobs.
type ImporterConfig struct {
	Concurrency     int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxTaskAttempts int `yaml:"max_task_attempts" mapstructure:"max_task_attempts"`
}

// CatalogConfig configures the catalog maintainer queue.
type CatalogConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Title        string        `yaml:"title" mapstructure:"title"`
	Description  string        `yaml:"description" mapstructure:"description"`
}

// Load reads and merges the configuration files in order, then applies
// GEOSTORE_* environment overrides and defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for i, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// AutomaticEnv only applies to keys viper already knows about, so
	// register every key of the struct to make env-only settings work.
	bindEnvKeys(v, reflect.TypeOf(Config{}), "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// bindEnvKeys walks the mapstructure tags of t and binds each leaf key.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := field.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}

		if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Duration(0)) {
			bindEnvKeys(v, ft, key)

			continue
		}

		_ = v.BindEnv(key)
	}
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultStorageDriver
	}

	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = DefaultS3Region
	}

	if c.API.Server.Listen == "" {
		c.API.Server.Listen = DefaultListen
	}

	if c.Workflow.TaskTimeout <= 0 {
		c.Workflow.TaskTimeout = DefaultTaskTimeout
	}

	if c.Workflow.ChecksumConcurrency <= 0 {
		c.Workflow.ChecksumConcurrency = DefaultChecksumConcurrency
	}

	if c.Workflow.Retry.MaxAttempts <= 0 {
		c.Workflow.Retry.MaxAttempts = 3
	}

	if c.Workflow.Retry.InitialInterval <= 0 {
		c.Workflow.Retry.InitialInterval = time.Second
	}

	if c.Workflow.Retry.MaxInterval <= 0 {
		c.Workflow.Retry.MaxInterval = 30 * time.Second
	}

	if c.Workflow.Retry.BackoffRate < 1 {
		c.Workflow.Retry.BackoffRate = 2
	}

	if c.Importer.Concurrency <= 0 {
		c.Importer.Concurrency = DefaultImporterConcurrency
	}

	if c.Importer.MaxTaskAttempts <= 0 {
		c.Importer.MaxTaskAttempts = DefaultImporterMaxTaskAttempts
	}

	if c.Catalog.PollInterval <= 0 {
		c.Catalog.PollInterval = DefaultCatalogPollInterval
	}

	if c.Catalog.Title == "" {
		c.Catalog.Title = DefaultCatalogTitle
	}

	if c.Catalog.Description == "" {
		c.Catalog.Description = DefaultCatalogDescription
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Storage.Driver {
	case "s3":
		if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
			return fmt.Errorf(
				"storage.s3.access_key_id and storage.s3.secret_access_key must be set together",
			)
		}
	case "local":
		if c.Storage.Local.Root == "" {
			return fmt.Errorf("storage.local.root is required for the local driver")
		}

		if _, err := os.Stat(c.Storage.Local.Root); os.IsNotExist(err) {
			return fmt.Errorf("storage.local.root %q does not exist", c.Storage.Local.Root)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	if c.Storage.CanonicalBucket == "" {
		return fmt.Errorf("storage.canonical_bucket is required")
	}

	if c.Workflow.ChecksumTimeout < 0 {
		return fmt.Errorf("workflow.checksum_timeout must not be negative")
	}

	if c.Workflow.Retry.MaxInterval < c.Workflow.Retry.InitialInterval {
		return fmt.Errorf("workflow.retry.max_interval must not be below initial_interval")
	}

	return c.API.Validate()
}

// Dump renders the effective configuration as YAML with secrets masked.
func (c *Config) Dump() ([]byte, error) {
	masked := *c

	if masked.Storage.S3.SecretAccessKey != "" {
		masked.Storage.S3.SecretAccessKey = "********"
	}

	if masked.Database.Postgres.Password != "" {
		masked.Database.Postgres.Password = "********"
	}

	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}

	return out, nil
}
