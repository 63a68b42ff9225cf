// Package config loads and validates the gateway configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the WFG_ prefix (e.g., WFG_DATABASE_HOST
// overrides database.host in the YAML). Secrets may reference other variables with
// ${VAR} syntax and are expanded after decoding.
//
// Rate-limit classes can be changed at runtime: Loader.Watch re-reads the file on
// change and hands the freshly validated Config to a callback.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/telemetry"
)

// Limiter class names every deployment is expected to configure.
const (
	ClassDefault = "default"
	ClassAuth    = "auth"
	ClassRead    = "read"
	ClassWrite   = "write"
)

// Store backends for rate-limit counters and CSRF tokens.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RBAC      RBACConfig      `mapstructure:"rbac"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// DevMode relaxes startup checks (auto-generated JWT secret, gin debug mode).
	DevMode bool `mapstructure:"dev_mode"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For is believed. Empty trusts none
	// and the socket peer is the client IP.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the Redis connection used by the store-backed rate limiter and CSRF tokens.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds credential verification settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// Issuer and Audience are checked only when set.
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	APIKeyHeader  string        `mapstructure:"api_key_header"`
	APIKeyPrefix  string        `mapstructure:"api_key_prefix"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

// RBACConfig holds permission engine settings.
type RBACConfig struct {
	// CacheTTL bounds how long a role's permissions are served from memory when another
	// node changed them. Local writes invalidate immediately.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// SecurityConfig holds transport hardening and request gating settings
type SecurityConfig struct {
	Headers             HeadersConfig      `mapstructure:"headers"`
	MaxBodyBytes        int64              `mapstructure:"max_body_bytes"`
	AllowedContentTypes []string           `mapstructure:"allowed_content_types"`
	CORS                CORSConfig         `mapstructure:"cors"`
	RateLimiting        RateLimitingConfig `mapstructure:"rate_limiting"`
	CSRF                CSRFConfig         `mapstructure:"csrf"`
	Sanitization        SanitizationConfig `mapstructure:"sanitization"`
}

// HeadersConfig controls the baseline security response headers.
type HeadersConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	HSTS    bool   `mapstructure:"hsts"`
	CSP     string `mapstructure:"csp"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Store is "memory" (single node) or "redis".
	Store   string                      `mapstructure:"store"`
	Classes map[string]LimitClassConfig `mapstructure:"classes"`
}

// LimitClassConfig is one named (limit, window) pair routes can select.
type LimitClassConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// CSRFConfig holds CSRF protection settings.
type CSRFConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Store   string        `mapstructure:"store"`
	// ExemptAPIKeys skips the check for API-key callers, which never carry browser cookies.
	ExemptAPIKeys bool `mapstructure:"exempt_api_keys"`
}

// SanitizationConfig toggles the input sanitization stage.
type SanitizationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// QueueSize bounds the number of events waiting for the writer. Events beyond it are dropped.
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// LogReadOperations also records GET/HEAD requests that reach a handler.
	LogReadOperations bool                 `mapstructure:"log_read_operations"`
	Shippers          []AuditShipperConfig `mapstructure:"shippers"`
	// VerifyInterval is how often the stored hash chain is re-verified in the background.
	// Zero disables the job.
	VerifyInterval time.Duration `mapstructure:"verify_interval"`
}

// AuditShipperConfig configures an external audit sink.
type AuditShipperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is "webhook" or "file".
	Type    string              `mapstructure:"type"`
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig configures the HTTP webhook shipper.
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// AuditFileConfig configures the JSON-lines file shipper.
type AuditFileConfig struct {
	Path string `mapstructure:"path"`
	// MaxSizeMB triggers rotation once the file grows past it; 0 disables rotation.
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
}

// envKeys lists every nested key that may be set from the environment. AutomaticEnv alone only
// resolves keys viper already knows about, so nested keys are bound explicitly.
var envKeys = []string{
	"server.host",
	"server.port",
	"server.read_timeout",
	"server.write_timeout",
	"server.dev_mode",
	"server.trusted_proxies",

	"database.host",
	"database.port",
	"database.name",
	"database.user",
	"database.password",
	"database.ssl_mode",
	"database.max_connections",
	"database.min_idle_connections",

	"redis.addr",
	"redis.password",
	"redis.db",

	"auth.jwt_secret",
	"auth.issuer",
	"auth.audience",
	"auth.api_key_header",
	"auth.api_key_prefix",
	"auth.lookup_timeout",

	"rbac.cache_ttl",

	"security.headers.enabled",
	"security.headers.hsts",
	"security.headers.csp",
	"security.max_body_bytes",
	"security.allowed_content_types",
	"security.cors.allowed_origins",
	"security.cors.allowed_methods",
	"security.rate_limiting.enabled",
	"security.rate_limiting.store",
	"security.csrf.enabled",
	"security.csrf.ttl",
	"security.csrf.store",
	"security.csrf.exempt_api_keys",
	"security.sanitization.enabled",

	"logging.level",
	"logging.format",

	"telemetry.metrics.enabled",
	"telemetry.metrics.port",

	"audit.enabled",
	"audit.queue_size",
	"audit.write_timeout",
	"audit.log_read_operations",
	"audit.verify_interval",
}

func bindEnvVars(v *viper.Viper) error {
	keys := append([]string(nil), envKeys...)
	for _, class := range []string{ClassDefault, ClassAuth, ClassRead, ClassWrite} {
		keys = append(keys,
			"security.rate_limiting.classes."+class+".limit",
			"security.rate_limiting.classes."+class+".window",
		)
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Loader owns the viper instance so the same layering can be re-read when the file changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader for configPath. An empty path searches ./config.yaml,
// ./config/config.yaml and /etc/workflow-gateway/config.yaml.
func NewLoader(configPath string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/workflow-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("WFG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return &Loader{v: v}, nil
}

// Load decodes, expands and validates the current configuration.
func (l *Loader) Load() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	for i := range cfg.Audit.Shippers {
		if wh := cfg.Audit.Shippers[i].Webhook; wh != nil {
			for k, val := range wh.Headers {
				wh.Headers[k] = expandEnv(val)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ConfigFile returns the path of the file in use, or "" when running from defaults and env only.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch re-loads the configuration whenever the config file changes and passes the validated
// result to onChange. Invalid edits are logged and ignored so the running config stays in place.
// Watch reports false when there is no file to watch.
func (l *Loader) Watch(onChange func(*Config)) bool {
	if l.v.ConfigFileUsed() == "" {
		return false
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			slog.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
	return true
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	l, err := NewLoader(configPath)
	if err != nil {
		return nil, err
	}
	return l.Load()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.dev_mode", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "workflow_gateway")
	v.SetDefault("database.user", "gateway")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.api_key_header", "X-API-Key")
	v.SetDefault("auth.api_key_prefix", "wfk")
	v.SetDefault("auth.lookup_timeout", "3s")

	v.SetDefault("rbac.cache_ttl", "5m")

	v.SetDefault("security.headers.enabled", true)
	v.SetDefault("security.headers.hsts", true)
	v.SetDefault("security.headers.csp", "default-src 'self'; frame-ancestors 'none'")
	v.SetDefault("security.max_body_bytes", 1<<20)
	v.SetDefault("security.allowed_content_types", []string{
		"application/json",
		"application/x-www-form-urlencoded",
		"multipart/form-data",
	})
	v.SetDefault("security.cors.allowed_origins", []string{})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.store", StoreMemory)
	v.SetDefault("security.rate_limiting.classes.default.limit", 100)
	v.SetDefault("security.rate_limiting.classes.default.window", "1m")
	v.SetDefault("security.rate_limiting.classes.auth.limit", 5)
	v.SetDefault("security.rate_limiting.classes.auth.window", "15m")
	v.SetDefault("security.rate_limiting.classes.read.limit", 300)
	v.SetDefault("security.rate_limiting.classes.read.window", "1m")
	v.SetDefault("security.rate_limiting.classes.write.limit", 60)
	v.SetDefault("security.rate_limiting.classes.write.window", "1m")
	v.SetDefault("security.csrf.enabled", true)
	v.SetDefault("security.csrf.ttl", "1h")
	v.SetDefault("security.csrf.store", StoreMemory)
	v.SetDefault("security.csrf.exempt_api_keys", true)
	v.SetDefault("security.sanitization.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.port", 9090)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.write_timeout", "5s")
	v.SetDefault("audit.log_read_operations", false)
	v.SetDefault("audit.verify_interval", "1h")
}

// expandEnv expands ${VAR} and $VAR references in configuration values.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return fmt.Errorf("server.trusted_proxies: %q is not an IP or CIDR", p)
		}
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}

	if c.Auth.JWTSecret == "" && !c.Server.DevMode {
		return fmt.Errorf("auth.jwt_secret is required outside dev mode (generate one with: openssl rand -hex 32)")
	}
	if c.Auth.APIKeyHeader == "" {
		return fmt.Errorf("auth.api_key_header is required")
	}
	if c.Auth.LookupTimeout <= 0 {
		return fmt.Errorf("auth.lookup_timeout must be positive")
	}

	if c.Security.MaxBodyBytes <= 0 {
		return fmt.Errorf("security.max_body_bytes must be positive")
	}

	rl := c.Security.RateLimiting
	if err := validateStore("security.rate_limiting.store", rl.Store); err != nil {
		return err
	}
	if rl.Enabled {
		if _, ok := rl.Classes[ClassDefault]; !ok {
			return fmt.Errorf("security.rate_limiting.classes.%s is required", ClassDefault)
		}
		for name, class := range rl.Classes {
			if class.Limit < 1 {
				return fmt.Errorf("rate limit class %q: limit must be at least 1", name)
			}
			if class.Window <= 0 {
				return fmt.Errorf("rate limit class %q: window must be positive", name)
			}
		}
	}

	csrf := c.Security.CSRF
	if err := validateStore("security.csrf.store", csrf.Store); err != nil {
		return err
	}
	if csrf.Enabled && csrf.TTL <= 0 {
		return fmt.Errorf("security.csrf.ttl must be positive")
	}

	if c.Redis.Addr == "" &&
		((rl.Enabled && rl.Store == StoreRedis) || (csrf.Enabled && csrf.Store == StoreRedis)) {
		return fmt.Errorf("redis.addr is required when a redis store is selected")
	}

	if c.Audit.Enabled {
		if c.Audit.QueueSize < 1 {
			return fmt.Errorf("audit.queue_size must be at least 1")
		}
		if c.Audit.WriteTimeout <= 0 {
			return fmt.Errorf("audit.write_timeout must be positive")
		}
		if c.Audit.VerifyInterval < 0 {
			return fmt.Errorf("audit.verify_interval must not be negative")
		}
		for i, s := range c.Audit.Shippers {
			if !s.Enabled {
				continue
			}
			switch s.Type {
			case "webhook":
				if s.Webhook == nil || s.Webhook.URL == "" {
					return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
				}
			case "file":
				if s.File == nil || s.File.Path == "" {
					return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
				}
			default:
				return fmt.Errorf("audit.shippers[%d]: unknown type %q (must be webhook or file)", i, s.Type)
			}
		}
	}

	if _, err := telemetry.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

func validateStore(key, store string) error {
	switch store {
	case StoreMemory, StoreRedis:
		return nil
	}
	return fmt.Errorf("%s must be %q or %q, got %q", key, StoreMemory, StoreRedis, store)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
