// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/openai-proxy/config.toml",
	"configs/config.toml",
}

// ReservedPrefix is the path space owned by the proxy itself; it is never forwarded.
const ReservedPrefix = "/_proxy"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='PROXY_HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PROXY_PORT'"`
	Upstream string `kong:"help='Upstream origin, e.g. https://api.openai.com (overrides config).',env='PROXY_UPSTREAM'"`
	AllowIP  string `kong:"name='allow-ip',help='Only admit this client IP (overrides config).',env='PROXY_ALLOW_IP'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFile  string `kong:"help='Also write logs to this file (overrides config).',env='LOG_FILE'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Access   AccessConfig   `toml:"access"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
	PathPrefix   string `toml:"path_prefix"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL                string `toml:"base_url"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	ConnectTimeoutSeconds  int    `toml:"connect_timeout_seconds"`
	IdleConnections        int    `toml:"idle_connections"`
	IdleConnectionsPerHost int    `toml:"idle_connections_per_host"`
	KeepAliveSeconds       int    `toml:"keepalive_seconds"`
	UserAgent              string `toml:"user_agent"`
}

// AccessConfig holds the client allow-list. An empty AllowIP admits everyone.
type AccessConfig struct {
	AllowIP string `toml:"allow_ip"`
}

// CORSConfig holds the static parts of the CORS response header set.
type CORSConfig struct {
	AllowMethods  string `toml:"allow_methods"`
	AllowHeaders  string `toml:"allow_headers"`
	MaxAgeSeconds int    `toml:"max_age_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/openai-proxy/config.toml then configs/config.toml. Finding neither is
// not an error: every setting has a usable default.
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
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.AllowIP != "" {
		c.Access.AllowIP = cli.AllowIP
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		c.Log.File = cli.LogFile
	}
}

func (c *Config) validate() error {
	// Upstream URL: a bare HTTPS origin.
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("upstream.base_url must be an origin without path or query; got %q", c.Upstream.BaseURL)
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
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 || c.Upstream.IdleConnectionsPerHost < 0 {
		return fmt.Errorf("upstream idle connection limits must be non-negative")
	}
	if c.CORS.MaxAgeSeconds < 0 {
		return fmt.Errorf("cors.max_age_seconds must be non-negative; got %d", c.CORS.MaxAgeSeconds)
	}

	// Path prefix: "" or "/x[/y...]" without a trailing slash.
	if p := c.Server.PathPrefix; p != "" {
		if p[0] != '/' || strings.HasSuffix(p, "/") {
			return fmt.Errorf("server.path_prefix must start with '/' and not end with '/'; got %q", p)
		}
		if p == ReservedPrefix || strings.HasPrefix(p, ReservedPrefix+"/") {
			return fmt.Errorf("server.path_prefix %q conflicts with reserved prefix %q", p, ReservedPrefix)
		}
	}

	// Allow-list: a single IP literal, compared verbatim at runtime.
	if ip := c.Access.AllowIP; ip != "" {
		if _, err := netip.ParseAddr(ip); err != nil {
			return fmt.Errorf("access.allow_ip must be an IP literal; got %q", ip)
		}
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

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		// Anything outside the reserved space would shadow forwarded traffic.
		if !strings.HasPrefix(p, ReservedPrefix+"/") {
			return fmt.Errorf("metrics.path must be under %s/; got %q", ReservedPrefix, p)
		}
		for _, reserved := range []string{ReservedPrefix + "/healthz", ReservedPrefix + "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.openai.com"
	}
	c.Upstream.BaseURL = strings.TrimSuffix(c.Upstream.BaseURL, "/")
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.IdleConnectionsPerHost == 0 {
		c.Upstream.IdleConnectionsPerHost = 30
	}
	if c.Upstream.KeepAliveSeconds == 0 {
		c.Upstream.KeepAliveSeconds = 30
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "openai-proxy-go/1.0"
	}
	if c.CORS.AllowMethods == "" {
		c.CORS.AllowMethods = "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS"
	}
	if c.CORS.AllowHeaders == "" {
		c.CORS.AllowHeaders = "*"
	}
	if c.CORS.MaxAgeSeconds == 0 {
		c.CORS.MaxAgeSeconds = 86400
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = ReservedPrefix + "/metrics"
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

// Timeout bounds one full upstream round trip, body transfer included.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ConnectTimeout bounds dialing the upstream.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// KeepAlive is the TCP keep-alive period for upstream connections.
func (c *UpstreamConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
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
