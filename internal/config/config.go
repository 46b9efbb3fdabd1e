// Package config loads the archiver configuration from YAML, with
// environment overrides for credentials.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full archiver configuration.
type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Store      StoreConfig      `yaml:"store"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	S3         S3Config         `yaml:"s3"`
	NATS       NATSConfig       `yaml:"nats"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// RedisConfig locates the cache holding completed trips.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig selects the metadata backend.
type StoreConfig struct {
	Driver     string         `yaml:"driver"` // postgres or sqlite
	Postgres   PostgresConfig `yaml:"postgres"`
	SQLitePath string         `yaml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ClickHouseConfig holds the optional analytical mirror settings.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// S3Config holds the optional object storage settings.
type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// NATSConfig holds the optional event publisher settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ArchiveConfig tunes the archival run itself.
type ArchiveConfig struct {
	Workers    int    `yaml:"workers"`
	MinAgeDays int    `yaml:"min_age_days"`
	OutputDir  string `yaml:"output_dir"`
}

// Default returns sane defaults: local services, SQLite metadata, upload
// and mirror disabled.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "trips.db",
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "trip_data",
				User:     "postgres",
			},
		},
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "default",
			User:     "default",
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "trips",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "trips",
		},
		Archive: ArchiveConfig{
			Workers:    5,
			MinAgeDays: 7,
			OutputDir:  "output/parquet",
		},
	}
}

// Load reads and parses a YAML config file; an empty path yields defaults.
// Credentials in the environment override the file either way.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv overrides stored credentials so they can stay out of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("TRIP_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("TRIP_POSTGRES_PASSWORD"); v != "" {
		c.Store.Postgres.Password = v
	}
	if v := os.Getenv("TRIP_CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("TRIP_S3_ACCESS_KEY"); v != "" {
		c.S3.AccessKey = v
	}
	if v := os.Getenv("TRIP_S3_SECRET_KEY"); v != "" {
		c.S3.SecretKey = v
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.Postgres.Host == "" {
			return fmt.Errorf("store.postgres.host is required")
		}
		if c.Store.Postgres.Database == "" {
			return fmt.Errorf("store.postgres.database is required")
		}
		if c.Store.Postgres.User == "" {
			return fmt.Errorf("store.postgres.user is required")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required")
		}
	default:
		return fmt.Errorf("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host is required when the mirror is enabled")
	}
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			return fmt.Errorf("s3.endpoint is required when upload is enabled")
		}
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when upload is enabled")
		}
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			return fmt.Errorf("s3 credentials are required when upload is enabled")
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when events are enabled")
	}
	if c.Archive.MinAgeDays < 0 {
		return fmt.Errorf("archive.min_age_days must be >= 0")
	}
	if c.Archive.OutputDir == "" {
		return fmt.Errorf("archive.output_dir is required")
	}
	return nil
}
