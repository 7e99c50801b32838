// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jobrunner/shapeview/internal/domain"
)

// EnvPrefix is the prefix of environment variables, e.g. SHAPEVIEW_SERVER_PORT.
const EnvPrefix = "SHAPEVIEW"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Export    ExportConfig    `mapstructure:"export"`
	View      ViewConfig      `mapstructure:"view"`
	Selection SelectionConfig `mapstructure:"selection"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// StorageConfig holds the layer inbox configuration. Type "none" runs the
// session without storage.
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // s3, azure, http, local, none
	LocalPath string      `mapstructure:"local_path"`
	S3        S3Config    `mapstructure:"s3"`
	Azure     AzureConfig `mapstructure:"azure"`
	HTTP      HTTPConfig  `mapstructure:"http"`
}

// Enabled returns true if a storage backend is configured.
func (c *StorageConfig) Enabled() bool {
	return c.Type != "" && c.Type != "none"
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds HTTP download configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// ExportConfig holds export configuration. Exports are uploaded to the
// storage backend under Prefix.
type ExportConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// ViewConfig holds the initial map view.
type ViewConfig struct {
	Width          int     `mapstructure:"width"`
	Height         int     `mapstructure:"height"`
	CenterLon      float64 `mapstructure:"center_lon"`
	CenterLat      float64 `mapstructure:"center_lat"`
	Zoom           float64 `mapstructure:"zoom"`
	HitTolerancePx float64 `mapstructure:"hit_tolerance_px"`
	GotoPaddingPx  int     `mapstructure:"goto_padding_px"`
}

// SelectionConfig holds selection configuration.
type SelectionConfig struct {
	MaxConcurrentQueries int           `mapstructure:"max_concurrent_queries"`
	QueryTimeout         time.Duration `mapstructure:"query_timeout"`
	MultiSelect          bool          `mapstructure:"multi_select"`
}

// SyncConfig holds storage sync configuration.
type SyncConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// WatcherConfig holds local inbox watcher configuration. It only applies to
// local storage.
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool      `mapstructure:"enabled"`
	Domains  []string  `mapstructure:"domains"`
	Email    string    `mapstructure:"email"`
	CacheDir string    `mapstructure:"cache_dir"`
	Staging  bool      `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      DNSConfig `mapstructure:"dns"`
}

// DNSConfig holds Azure DNS settings for DNS-01 challenges.
type DNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
	ClientID          string `mapstructure:"client_id"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"` // 0 serves metrics on the API port
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_upload_bytes", 64<<20)
	v.SetDefault("server.cors.allowed_origins", []string{})

	// Storage defaults
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./data")
	v.SetDefault("storage.http.index_file", "index.txt")
	v.SetDefault("storage.http.timeout", 5*time.Minute)
	v.SetDefault("export.prefix", "exports")

	// View defaults
	v.SetDefault("view.width", 1280)
	v.SetDefault("view.height", 800)
	v.SetDefault("view.center_lon", -100.0)
	v.SetDefault("view.center_lat", 40.0)
	v.SetDefault("view.zoom", 4.0)
	v.SetDefault("view.hit_tolerance_px", 3.0)
	v.SetDefault("view.goto_padding_px", 50)

	// Selection defaults
	v.SetDefault("selection.max_concurrent_queries", 4)
	v.SetDefault("selection.query_timeout", 10*time.Second)
	v.SetDefault("selection.multi_select", false)

	// Sync and watcher defaults
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.debounce", 500*time.Millisecond)

	// TLS defaults
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cache_dir", "./.certmagic")
	v.SetDefault("tls.staging", false)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 0)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// New returns a Viper instance with defaults and environment binding. Keys
// use the SHAPEVIEW_ prefix with dots replaced by underscores.
func New() *viper.Viper {
	v := viper.New()
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored and existing variables are not overridden.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load reads configuration from v's config file, environment and bound
// flags.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/shapeview")
	}

	// The config file is optional.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func invalid(field, format string, args ...interface{}) error {
	return &domain.ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port", "invalid port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return invalid("server.max_upload_bytes", "must be positive")
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return invalid("tls.domains", "TLS enabled but no domains specified")
		}
		if c.TLS.Email == "" {
			return invalid("tls.email", "TLS enabled but no email specified")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port", "invalid port: %d", c.Metrics.Port)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.View.Width <= 0 || c.View.Height <= 0 {
		return invalid("view", "width and height must be positive")
	}
	if c.View.Zoom < 0 || c.View.Zoom > 24 {
		return invalid("view.zoom", "zoom %.1f outside [0, 24]", c.View.Zoom)
	}
	if c.View.CenterLon < -180 || c.View.CenterLon > 180 || c.View.CenterLat < -85 || c.View.CenterLat > 85 {
		return invalid("view", "center (%.4f, %.4f) is out of range", c.View.CenterLon, c.View.CenterLat)
	}
	if c.View.HitTolerancePx < 0 || c.View.GotoPaddingPx < 0 {
		return invalid("view", "tolerance and padding must not be negative")
	}

	if c.Selection.MaxConcurrentQueries < 0 {
		return invalid("selection.max_concurrent_queries", "must not be negative")
	}

	if c.Sync.Enabled {
		if !c.Storage.Enabled() {
			return invalid("sync.enabled", "sync requires a storage backend")
		}
		if c.Sync.Interval <= 0 {
			return invalid("sync.interval", "must be positive")
		}
	}
	if c.Watcher.Enabled && c.Storage.Type != "local" {
		return invalid("watcher.enabled", "the watcher requires local storage")
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Type {
	case "", "none":
		return nil
	case "local":
		if c.Storage.LocalPath == "" {
			return invalid("storage.local_path", "local storage path is required")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return invalid("storage.s3.bucket", "S3 bucket is required")
		}
		if c.Storage.S3.Region == "" {
			return invalid("storage.s3.region", "S3 region is required")
		}
	case "azure":
		if c.Storage.Azure.Container == "" {
			return invalid("storage.azure.container", "azure container is required")
		}
		if c.Storage.Azure.AccountName == "" && c.Storage.Azure.ConnectionString == "" {
			return invalid("storage.azure", "azure account name or connection string is required")
		}
	case "http":
		if c.Storage.HTTP.BaseURL == "" {
			return invalid("storage.http.base_url", "HTTP base URL is required")
		}
	default:
		return invalid("storage.type", "unknown storage type: %s", c.Storage.Type)
	}

	if p := strings.Trim(c.Export.Prefix, "/"); p == "" || path.Clean(p) != p {
		return invalid("export.prefix", "must be a relative path, got %q", c.Export.Prefix)
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsAddress returns the address of the dedicated metrics server, or ""
// if metrics are served on the API port.
func (c *Config) MetricsAddress() string {
	if !c.Metrics.Enabled || c.Metrics.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Metrics.Port)
}
