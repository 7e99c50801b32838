package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jobrunner/shapeview/internal/domain"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	var c Config
	if err := New().Unmarshal(&c); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return &c
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() should fail for an explicit missing file")
	}
}

func TestDefaults(t *testing.T) {
	cfg := validConfig(t)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Storage.Type != "local" {
		t.Errorf("server.port = %d, storage.type = %q", cfg.Server.Port, cfg.Storage.Type)
	}
	if cfg.View.CenterLon != -100 || cfg.View.CenterLat != 40 || cfg.View.Zoom != 4 {
		t.Errorf("view = %+v", cfg.View)
	}
	if cfg.View.GotoPaddingPx != 50 || cfg.View.HitTolerancePx != 3 {
		t.Errorf("view = %+v", cfg.View)
	}
	if cfg.Selection.QueryTimeout != 10*time.Second {
		t.Errorf("selection.query_timeout = %v", cfg.Selection.QueryTimeout)
	}
	if cfg.Export.Prefix != "exports" {
		t.Errorf("export.prefix = %q", cfg.Export.Prefix)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
view:
  zoom: 7
storage:
  type: none
`
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHAPEVIEW_VIEW_WIDTH", "640")
	t.Setenv("SHAPEVIEW_SELECTION_MULTI_SELECT", "true")

	cfg, err := Load(New(), file)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.View.Zoom != 7 {
		t.Errorf("file values not applied: port %d zoom %v", cfg.Server.Port, cfg.View.Zoom)
	}
	if cfg.View.Width != 640 || !cfg.Selection.MultiSelect {
		t.Errorf("env values not applied: width %d multi %v", cfg.View.Width, cfg.Selection.MultiSelect)
	}
	if cfg.Storage.Enabled() {
		t.Error("storage type none should disable storage")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	if err := os.WriteFile(file, []byte("SHAPEVIEW_TEST_DOTENV=loaded\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHAPEVIEW_TEST_DOTENV", "")
	_ = os.Unsetenv("SHAPEVIEW_TEST_DOTENV")

	LoadDotEnv(file, filepath.Join(dir, "missing.env"))

	if got := os.Getenv("SHAPEVIEW_TEST_DOTENV"); got != "loaded" {
		t.Errorf("SHAPEVIEW_TEST_DOTENV = %q, want loaded", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"tls without domains", func(c *Config) { c.TLS.Enabled = true; c.TLS.Email = "ops@example.com" }, "tls.domains"},
		{"tls without email", func(c *Config) { c.TLS.Enabled = true; c.TLS.Domains = []string{"map.example.com"} }, "tls.email"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "ftp" }, "storage.type"},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3"; c.Storage.S3.Region = "eu-west-1" }, "storage.s3.bucket"},
		{"azure without credentials", func(c *Config) { c.Storage.Type = "azure"; c.Storage.Azure.Container = "layers" }, "storage.azure"},
		{"http without url", func(c *Config) { c.Storage.Type = "http" }, "storage.http.base_url"},
		{"zero width", func(c *Config) { c.View.Width = 0 }, "view"},
		{"zoom too deep", func(c *Config) { c.View.Zoom = 25 }, "view.zoom"},
		{"center out of range", func(c *Config) { c.View.CenterLat = 91 }, "view"},
		{"sync without storage", func(c *Config) { c.Storage.Type = "none"; c.Sync.Enabled = true }, "sync.enabled"},
		{"watcher on s3", func(c *Config) {
			c.Storage.Type = "s3"
			c.Storage.S3.Bucket = "b"
			c.Storage.S3.Region = "r"
			c.Watcher.Enabled = true
		}, "watcher.enabled"},
		{"export prefix escapes", func(c *Config) { c.Export.Prefix = "../out" }, "export.prefix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() error = %v, want ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Error("config errors should wrap ErrInvalidInput")
			}
		})
	}
}

func TestAddresses(t *testing.T) {
	cfg := validConfig(t)
	cfg.Server.Host = "127.0.0.1"

	if got := cfg.Server.Address(); got != "127.0.0.1:8080" {
		t.Errorf("Address() = %q", got)
	}
	if got := cfg.MetricsAddress(); got != "" {
		t.Errorf("MetricsAddress() = %q, want shared port", got)
	}
	cfg.Metrics.Port = 9100
	if got := cfg.MetricsAddress(); got != "127.0.0.1:9100" {
		t.Errorf("MetricsAddress() = %q", got)
	}
}
