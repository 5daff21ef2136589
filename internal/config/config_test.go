package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.StuckTimeoutMinutes != 15 {
		t.Errorf("expected default stuck timeout 15m, got %d", cfg.Pipeline.StuckTimeoutMinutes)
	}
	if cfg.Pipeline.StuckSweepCron != "@every 1m" {
		t.Errorf("expected default sweep cron, got %s", cfg.Pipeline.StuckSweepCron)
	}
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	cfg := New()
	cfg.Registry.UpstreamURL = "https://registry.npmjs.org"
	cfg.Registry.DownstreamURL = "https://internal.example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
	cfg.Database.DSN = "postgres://localhost/pkgmgr"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadFile_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  host: "192.168.1.1"
  port: 9000
database:
  dsn: "postgres://db.example.com/pkgmgr"
registry:
  upstream_url: "https://registry.npmjs.org"
  downstream_url: "https://internal.example.com"
cache:
  dir: "/tmp/cache"
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Server.Host != "192.168.1.1" {
		t.Errorf("expected host override, got %s", cfg.Server.Host)
	}
	if cfg.Database.DSN != "postgres://db.example.com/pkgmgr" {
		t.Errorf("expected database dsn override, got %s", cfg.Database.DSN)
	}
}

func TestLoadHandlesMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "non-existent.yaml")
	t.Setenv("DATABASE_URL", "postgres://localhost/pkgmgr")
	t.Setenv("UPSTREAM_REGISTRY_URL", "https://registry.npmjs.org")
	t.Setenv("DOWNSTREAM_REGISTRY_URL", "https://internal.example.com")
	t.Setenv("PACKAGE_CACHE_DIR", "/tmp/cache")
	if _, err := Load(); err != nil {
		t.Fatalf("load should ignore missing file: %v", err)
	}
}

func TestLoad_WithEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVER_PORT", "3000")
	t.Setenv("DATABASE_URL", "postgres://db.test.local/pkgmgr")
	t.Setenv("UPSTREAM_REGISTRY_URL", "https://registry.npmjs.org")
	t.Setenv("DOWNSTREAM_REGISTRY_URL", "https://internal.example.com")
	t.Setenv("PACKAGE_CACHE_DIR", "/tmp/cache")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("expected SERVER_PORT override 3000, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected LOG_LEVEL override warn, got %s", cfg.Logging.Level)
	}
}
