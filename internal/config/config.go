// Package config loads pipeline settings from an optional YAML or TOML file
// and the environment. Environment variables win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"weather-pipeline/pkg/database"
)

// MaxBatchSize bounds observations per insert statement so that
// 5 columns per row stay under SQLite's bound-parameter limit.
const MaxBatchSize = 5000

// Config holds all process settings
type Config struct {
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Ingest   IngestConfig   `yaml:"ingest" toml:"ingest"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// DatabaseConfig selects and tunes the storage backend. URL wins over the
// discrete connection fields.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" toml:"driver"`
	URL             string        `yaml:"url" toml:"url"`
	Host            string        `yaml:"host" toml:"host"`
	Port            int           `yaml:"port" toml:"port"`
	User            string        `yaml:"user" toml:"user"`
	Password        string        `yaml:"password" toml:"password"`
	Database        string        `yaml:"database" toml:"database"`
	SSLMode         string        `yaml:"sslmode" toml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" toml:"conn_max_idle_time"`
}

// ServerConfig configures the query API
type ServerConfig struct {
	Host            string        `yaml:"host" toml:"host"`
	Port            int           `yaml:"port" toml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// IngestConfig configures batch ingestion runs
type IngestConfig struct {
	DataDir   string `yaml:"data_dir" toml:"data_dir"`
	Extension string `yaml:"extension" toml:"extension"`
	BatchSize int    `yaml:"batch_size" toml:"batch_size"`
	Workers   int    `yaml:"workers" toml:"workers"`
	DryRun    bool   `yaml:"dry_run" toml:"dry_run"`
}

// MetricsConfig configures metric export for batch jobs
type MetricsConfig struct {
	Namespace      string `yaml:"namespace" toml:"namespace"`
	PushGatewayURL string `yaml:"pushgateway_url" toml:"pushgateway_url"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Database:        "weather",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Ingest: IngestConfig{
			DataDir:   "./wx_data",
			Extension: ".txt",
			BatchSize: 1000,
			Workers:   1,
		},
		Metrics: MetricsConfig{Namespace: "weather_pipeline"},
	}
}

// LoadConfig reads configuration from environment variables over defaults
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load reads the file at path, if any, then applies environment overrides.
// The format is chosen by extension: .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		_, err = toml.Decode(string(data), c)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Database, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")
	setString(&c.Server.Host, "SERVER_HOST")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Ingest.DataDir, "DATA_DIR")
	setString(&c.Ingest.Extension, "INGEST_EXTENSION")
	setString(&c.Metrics.Namespace, "METRICS_NAMESPACE")
	setString(&c.Metrics.PushGatewayURL, "METRICS_PUSHGATEWAY_URL")

	return errors.Join(
		setInt(&c.Database.Port, "DB_PORT"),
		setInt(&c.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS"),
		setInt(&c.Database.MaxIdleConns, "DB_MAX_IDLE_CONNS"),
		setDuration(&c.Database.ConnMaxLifetime, "DB_CONN_MAX_LIFETIME"),
		setInt(&c.Server.Port, "SERVER_PORT"),
		setDuration(&c.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT"),
		setInt(&c.Ingest.BatchSize, "BATCH_SIZE"),
		setInt(&c.Ingest.Workers, "INGEST_WORKERS"),
		setBool(&c.Ingest.DryRun, "DRY_RUN"),
	)
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Driver != "" && c.Database.Driver != database.DriverPostgres && c.Database.Driver != database.DriverSQLite {
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q",
			database.DriverPostgres, database.DriverSQLite, c.Database.Driver))
	}
	if c.Database.Driver == database.DriverSQLite && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required for sqlite"))
	}
	if c.Database.URL == "" && c.Database.Host == "" {
		errs = append(errs, errors.New("database.url or database.host is required"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Ingest.BatchSize < 1 || c.Ingest.BatchSize > MaxBatchSize {
		errs = append(errs, fmt.Errorf("ingest.batch_size must be between 1 and %d, got %d", MaxBatchSize, c.Ingest.BatchSize))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers))
	}

	return errors.Join(errs...)
}

// ToDatabaseConfig converts the database section for database.New
func (c *Config) ToDatabaseConfig() *database.Config {
	return &database.Config{
		Driver:              c.Database.Driver,
		URL:                 c.Database.URL,
		Host:                c.Database.Host,
		Port:                c.Database.Port,
		User:                c.Database.User,
		Password:            c.Database.Password,
		Database:            c.Database.Database,
		SSLMode:             c.Database.SSLMode,
		MaxOpenConns:        c.Database.MaxOpenConns,
		MaxIdleConns:        c.Database.MaxIdleConns,
		ConnMaxLifetime:     c.Database.ConnMaxLifetime,
		ConnMaxIdleTime:     c.Database.ConnMaxIdleTime,
		PoolMonitorInterval: 15 * time.Second,
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: must be an integer", key, v)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: must be a boolean", key, v)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}
