package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate runs the test in an empty directory with no DIGISYNC_ variables.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("DIGISYNC_DATA_DIR", filepath.Join(dir, "data"))
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"DataDir", cfg.DataDir, filepath.Join(dir, "data")},
		{"Sync.Interval", cfg.Sync.Interval, time.Minute},
		{"Sync.RetryInterval", cfg.Sync.RetryInterval, 5 * time.Second},
		{"Sync.BatchSize", cfg.Sync.BatchSize, 50},
		{"Queue.MaxAttempts", cfg.Queue.MaxAttempts, 8},
		{"Queue.InitialBackoff", cfg.Queue.InitialBackoff, 2 * time.Second},
		{"CacheBytes", cfg.CacheBytes(), int64(512 << 20)},
		{"Dashboard.Port", cfg.Dashboard.Port, 7420},
		{"CacheDir", cfg.CacheDir(), filepath.Join(dir, "data", "pages")},
		{"DBPath", cfg.DBPath(), filepath.Join(dir, "data", "digisync.db")},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)

	content := `
[server]
url = "https://api.example.com"
timeout = "10s"

[sync]
interval = "30s"
batch_size = 20

[cache]
dir = "/var/cache/pages"
max_mb = 64
`
	writeFile(t, filepath.Join(dir, FileName), content)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"File", filepath.Base(cfg.File), FileName},
		{"Server.URL", cfg.Server.URL, "https://api.example.com"},
		{"Server.Timeout", cfg.Server.Timeout, 10 * time.Second},
		{"Sync.Interval", cfg.Sync.Interval, 30 * time.Second},
		{"Sync.BatchSize", cfg.Sync.BatchSize, 20},
		// unset keys keep their defaults
		{"Sync.ManifestLimit", cfg.Sync.ManifestLimit, 200},
		{"CacheDir", cfg.CacheDir(), "/var/cache/pages"},
		{"CacheBytes", cfg.CacheBytes(), int64(64 << 20)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, FileName), "[sync]\nbatch_size = 20\n")

	t.Setenv("DIGISYNC_SYNC_BATCH_SIZE", "7")
	t.Setenv("DIGISYNC_SERVER_TOKEN", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Sync.BatchSize != 7 {
		t.Errorf("Sync.BatchSize = %d, want 7", cfg.Sync.BatchSize)
	}
	if cfg.Server.Token != "secret" {
		t.Errorf("Server.Token = %q, want %q", cfg.Server.Token, "secret")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".env"), "DIGISYNC_DASHBOARD_PORT=9001\n")
	t.Cleanup(func() { os.Unsetenv("DIGISYNC_DASHBOARD_PORT") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Dashboard.Port != 9001 {
		t.Errorf("Dashboard.Port = %d, want 9001", cfg.Dashboard.Port)
	}
}

func TestLoadExplicitPathMissing(t *testing.T) {
	dir := isolate(t)

	if _, err := Load(filepath.Join(dir, "nope.toml")); err == nil {
		t.Error("Load() of a missing explicit path succeeded")
	}
}

func TestLoadInvalid(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.toml")
	writeFile(t, path, "[queue]\nmax_attempts = 0\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "queue.max_attempts") {
		t.Errorf("Load() error = %v, want queue.max_attempts rejected", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			DataDir:   "/tmp/d",
			Sync:      SyncConfig{Interval: time.Minute, BatchSize: 1, ManifestLimit: 1},
			Queue:     QueueConfig{MaxAttempts: 1},
			Cache:     CacheConfig{MaxMB: 1},
			Dashboard: DashboardConfig{Port: 7420},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, true},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }, true},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, true},
		{"zero manifest limit", func(c *Config) { c.Sync.ManifestLimit = 0 }, true},
		{"zero cache", func(c *Config) { c.Cache.MaxMB = 0 }, true},
		{"port out of range", func(c *Config) { c.Dashboard.Port = 70000 }, true},
		{"random port", func(c *Config) { c.Dashboard.Port = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "conf", FileName)

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.Sync.Interval != time.Minute || cfg.Queue.MaxBackoff != 5*time.Minute {
		t.Errorf("durations = %v/%v, want 1m/5m", cfg.Sync.Interval, cfg.Queue.MaxBackoff)
	}
	if cfg.Dashboard.Host != "127.0.0.1" {
		t.Errorf("Dashboard.Host = %q, want 127.0.0.1", cfg.Dashboard.Host)
	}

	// no overwrite without force
	if err := WriteDefault(path, false); err == nil {
		t.Error("WriteDefault() overwrote without force")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("WriteDefault(force) failed: %v", err)
	}
}
