package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PAGE_SIZE", "STORAGE_BACKEND", "UPLOAD_WORKERS", "MAX_INFLIGHT", "TARGET_READ_ONLY", "REMOTE_TIMEOUT"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PageSize != 100 || cfg.StorageBackend != "local" || cfg.UploadWorkers != 4 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.RemoteTimeout != 5*time.Minute || cfg.TargetReadOnly {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAGE_SIZE", "7")
	t.Setenv("MAX_INFLIGHT", "3")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "drops")
	t.Setenv("TARGET_READ_ONLY", "true")
	t.Setenv("REMOTE_TIMEOUT", "30s")
	t.Setenv("UPLOAD_WORKERS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PageSize != 7 || cfg.MaxInFlight != 3 || cfg.S3Bucket != "drops" || !cfg.TargetReadOnly {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.RemoteTimeout != 30*time.Second {
		t.Errorf("RemoteTimeout = %v", cfg.RemoteTimeout)
	}
	if cfg.UploadWorkers != 4 {
		t.Errorf("bad int should fall back to default, got %d", cfg.UploadWorkers)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{PageSize: 100, UploadWorkers: 1, StorageBackend: "local", LocalStoragePath: "/tmp/x"}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"page size", func(c *Config) { c.PageSize = 0 }, "PAGE_SIZE"},
		{"in flight", func(c *Config) { c.MaxInFlight = -1 }, "MAX_INFLIGHT"},
		{"workers", func(c *Config) { c.UploadWorkers = 0 }, "UPLOAD_WORKERS"},
		{"s3 bucket", func(c *Config) { c.StorageBackend = "s3" }, "S3_BUCKET"},
		{"remote url", func(c *Config) { c.StorageBackend = "remote" }, "REMOTE_URL"},
		{"unknown", func(c *Config) { c.StorageBackend = "smb" }, "unknown STORAGE_BACKEND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
