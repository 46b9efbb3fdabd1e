package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q", cfg.Store.Driver)
	}
	if cfg.Archive.Workers != 5 {
		t.Errorf("Archive.Workers = %d", cfg.Archive.Workers)
	}
	if cfg.Archive.MinAgeDays != 7 {
		t.Errorf("Archive.MinAgeDays = %d", cfg.Archive.MinAgeDays)
	}
}

func TestLoad(t *testing.T) {
	yaml := `
redis:
  addr: "cache.internal:6380"
  db: 2
store:
  driver: postgres
  postgres:
    host: db.internal
    port: 5432
    database: trips
    user: archiver
s3:
  enabled: true
  endpoint: "minio.internal:9000"
  access_key: ak
  secret_key: sk
  bucket: vehicle-tracks
archive:
  workers: 8
  min_age_days: 3
  output_dir: /var/lib/archiver/parquet
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "cache.internal:6380" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("Redis.DB = %d", cfg.Redis.DB)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q", cfg.Store.Driver)
	}
	if cfg.S3.Bucket != "vehicle-tracks" {
		t.Errorf("S3.Bucket = %q", cfg.S3.Bucket)
	}
	// Unset fields keep their defaults.
	if cfg.S3.Region != "us-east-1" {
		t.Errorf("S3.Region = %q", cfg.S3.Region)
	}
	if cfg.Archive.Workers != 8 {
		t.Errorf("Archive.Workers = %d", cfg.Archive.Workers)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("TRIP_REDIS_PASSWORD", "hunter2")
	t.Setenv("TRIP_S3_SECRET_KEY", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("Redis.Password = %q", cfg.Redis.Password)
	}
	if cfg.S3.SecretKey != "from-env" {
		t.Errorf("S3.SecretKey = %q", cfg.S3.SecretKey)
	}
}

func TestValidateBadDriver(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown driver")
	}
}

func TestValidateS3NeedsCredentials(t *testing.T) {
	cfg := Default()
	cfg.S3.Enabled = true
	cfg.S3.Endpoint = "minio:9000"
	cfg.S3.Bucket = "b"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for enabled s3 without credentials")
	}
}

func TestValidateNegativeMinAge(t *testing.T) {
	cfg := Default()
	cfg.Archive.MinAgeDays = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for negative min_age_days")
	}
}
