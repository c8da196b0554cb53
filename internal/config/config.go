// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/gateio-proxy/config.toml",
	"configs/config.toml",
}

// DefaultUpstreamURL is the Gate.io REST API v4 base.
const DefaultUpstreamURL = "https://api.gateio.ws/api/v4"

// DefaultAllowHeaders is the CORS allow-list sent on preflight responses.
var DefaultAllowHeaders = []string{
	"Content-Type",
	"X-Gate-API-Method",
	"X-Gate-API-Endpoint",
	"X-Gate-API-Require-Auth",
	"X-Gate-API-Key",
	"X-Gate-API-Secret",
	"Authorization",
}

// DefaultAllowMethods is the CORS method list sent on preflight responses.
var DefaultAllowMethods = []string{"GET", "POST", "OPTIONS"}

// DefaultSyncAllowMethods is the CORS method list for sync API preflights.
var DefaultSyncAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}

// Supported document store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	SyncDSN  string `kong:"name='sync-dsn',help='Document store DSN (overrides config).',env='SYNC_DSN'"`
	JWTKey   string `kong:"name='jwt-secret',help='Sync bearer token secret (overrides config).',env='SYNC_JWT_SECRET'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Sync     SyncConfig     `toml:"sync"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`

	// RequestTimeoutSeconds is the invocation budget for one inbound request.
	// It must stay above Upstream.TimeoutSeconds.
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// CORSConfig holds the preflight policy.
type CORSConfig struct {
	AllowMethods     []string `toml:"allow_methods"`
	AllowHeaders     []string `toml:"allow_headers"`
	SyncAllowMethods []string `toml:"sync_allow_methods"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// SyncConfig holds settings for the user data sync API and its document store.
type SyncConfig struct {
	Enabled         bool   `toml:"enabled"`
	Driver          string `toml:"driver"`
	DSN             string `toml:"dsn"`
	JWTSecret       string `toml:"jwt_secret"`
	Issuer          string `toml:"issuer"`
	TokenTTLMinutes int    `toml:"token_ttl_minutes"`
	SuperAdminUID   string `toml:"super_admin_uid"`
	AutoEnroll      bool   `toml:"auto_enroll"`
}

// Load reads and validates configuration from a TOML file. If no file is
// found the defaults are used, so the proxy runs without any config.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.SyncDSN != "" {
		c.Sync.DSN = cli.SyncDSN
	}
	if cli.JWTKey != "" {
		c.Sync.JWTSecret = cli.JWTKey
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.TimeoutSeconds >= c.Server.RequestTimeoutSeconds {
		return fmt.Errorf("upstream.timeout_seconds (%d) must be shorter than server.request_timeout_seconds (%d)",
			c.Upstream.TimeoutSeconds, c.Server.RequestTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/gateioProxy", "/healthz", "/proxy/status", "/sync"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with the proxy route", p)
		}
	}

	if c.Sync.Enabled {
		switch c.Sync.Driver {
		case DriverSQLite, DriverPostgres:
			// valid
		default:
			return fmt.Errorf("sync.driver must be one of: %s, %s; got %q", DriverSQLite, DriverPostgres, c.Sync.Driver)
		}
		if c.Sync.JWTSecret == "" {
			return fmt.Errorf("sync.jwt_secret is required when sync is enabled")
		}
		if c.Sync.TokenTTLMinutes < 0 {
			return fmt.Errorf("sync.token_ttl_minutes must be non-negative; got %d", c.Sync.TokenTTLMinutes)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Server.RequestTimeoutSeconds == 0 {
		c.Server.RequestTimeoutSeconds = 30
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamURL
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 25
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if len(c.CORS.AllowMethods) == 0 {
		c.CORS.AllowMethods = DefaultAllowMethods
	}
	if len(c.CORS.AllowHeaders) == 0 {
		c.CORS.AllowHeaders = DefaultAllowHeaders
	}
	if len(c.CORS.SyncAllowMethods) == 0 {
		c.CORS.SyncAllowMethods = DefaultSyncAllowMethods
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Sync.Driver == "" {
		c.Sync.Driver = DriverSQLite
	}
	if c.Sync.DSN == "" && c.Sync.Driver == DriverSQLite {
		c.Sync.DSN = "gateio-proxy.db"
	}
	if c.Sync.Issuer == "" {
		c.Sync.Issuer = "gateio-proxy"
	}
	if c.Sync.TokenTTLMinutes == 0 {
		c.Sync.TokenTTLMinutes = 24 * 60
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestTimeout returns the inbound invocation budget.
func (c *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Timeout returns the upstream call deadline.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TokenTTL returns the lifetime of minted sync tokens.
func (c *SyncConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may carry the sync JWT secret.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
