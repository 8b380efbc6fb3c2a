// Package config loads and validates the identity service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the IDC_ prefix (e.g., IDC_DATABASE_HOST
// overrides database.host in the YAML). A handful of settings are also read from
// unprefixed names (SIGNING_SECRET, ACCESS_TOKEN_TTL, PASSWORD_RESET_TTL_HOURS,
// INVITATION_TTL_HOURS, FRONTEND_URL, SMTP_*) because deployment tooling injects
// them under those names.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// InvitationTTLHours is the fixed lifetime of an invitation token
const InvitationTTLHours = 72

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Frontend      FrontendConfig      `mapstructure:"frontend"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Bootstrap     BootstrapConfig     `mapstructure:"bootstrap"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
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

// AuthConfig holds token, password and invitation settings
type AuthConfig struct {
	// SigningSecret signs bearer tokens and derives the tenant secret cipher key
	SigningSecret          string `mapstructure:"signing_secret"`
	Issuer                 string `mapstructure:"issuer"`
	AccessTokenTTLMinutes  int    `mapstructure:"access_token_ttl_minutes"`
	PendingTokenTTLMinutes int    `mapstructure:"pending_token_ttl_minutes"`
	PasswordResetTTLHours  int    `mapstructure:"password_reset_ttl_hours"`
	InvitationTTLHours     int    `mapstructure:"invitation_ttl_hours"`
	BcryptCost             int    `mapstructure:"bcrypt_cost"`
	MinPasswordLength      int    `mapstructure:"min_password_length"`
}

// AccessTokenTTL returns the full-session token lifetime
func (a *AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(a.AccessTokenTTLMinutes) * time.Minute
}

// PendingTokenTTL returns the lifetime of tenant-selection tokens
func (a *AuthConfig) PendingTokenTTL() time.Duration {
	return time.Duration(a.PendingTokenTTLMinutes) * time.Minute
}

// PasswordResetTTL returns the lifetime of password reset tokens
func (a *AuthConfig) PasswordResetTTL() time.Duration {
	return time.Duration(a.PasswordResetTTLHours) * time.Hour
}

// InvitationTTL returns the lifetime of invitation tokens
func (a *AuthConfig) InvitationTTL() time.Duration {
	return time.Duration(a.InvitationTTLHours) * time.Hour
}

// FrontendConfig holds the browser application location used in email links
type FrontendConfig struct {
	URL string `mapstructure:"url"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// RedisURL switches the credential endpoints to a shared Redis limiter
	// so that limits hold across replicas
	RedisURL string `mapstructure:"redis_url"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit shipping configuration. Audit rows are always
// written to the database; shippers copy them elsewhere.
type AuditConfig struct {
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
	// Categories limits the shipper to these audit categories; empty ships all
	Categories []string `mapstructure:"categories"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
	// SigningSecret, when set, signs each request body with HMAC-SHA256
	SigningSecret string `mapstructure:"signing_secret"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// NotificationsConfig holds settings for outbound email
type NotificationsConfig struct {
	// Enabled toggles SMTP delivery. When false, email intents are only logged.
	Enabled bool       `mapstructure:"enabled"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig holds the platform mail server, used when a tenant has no override
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
	// UseTLS enables STARTTLS (port 587) or implicit TLS (port 465); false = plain SMTP
	UseTLS bool `mapstructure:"use_tls"`
}

// JobsConfig holds background job settings
type JobsConfig struct {
	TokenSweepIntervalMinutes int `mapstructure:"token_sweep_interval_minutes"`
}

// BootstrapConfig seeds the first superadmin on an empty database
type BootstrapConfig struct {
	SuperadminEmail    string `mapstructure:"superadmin_email"`
	SuperadminPassword string `mapstructure:"superadmin_password"`
}

// envAliases lists config keys that may also be set through an unprefixed name
var envAliases = map[string][]string{
	"auth.signing_secret":              {"SIGNING_SECRET"},
	"auth.access_token_ttl_minutes":    {"ACCESS_TOKEN_TTL"},
	"auth.password_reset_ttl_hours":    {"PASSWORD_RESET_TTL_HOURS"},
	"auth.invitation_ttl_hours":        {"INVITATION_TTL_HOURS"},
	"frontend.url":                     {"FRONTEND_URL"},
	"notifications.smtp.host":          {"SMTP_HOST"},
	"notifications.smtp.port":          {"SMTP_PORT"},
	"notifications.smtp.username":      {"SMTP_USER"},
	"notifications.smtp.password":      {"SMTP_PASSWORD"},
	"notifications.smtp.from":          {"SMTP_FROM"},
	"security.rate_limiting.redis_url": {"REDIS_URL"},
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Auth
		"auth.signing_secret",
		"auth.issuer",
		"auth.access_token_ttl_minutes",
		"auth.pending_token_ttl_minutes",
		"auth.password_reset_ttl_hours",
		"auth.invitation_ttl_hours",
		"auth.bcrypt_cost",
		"auth.min_password_length",

		"frontend.url",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_url",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Notifications / SMTP
		"notifications.enabled",
		"notifications.smtp.host",
		"notifications.smtp.port",
		"notifications.smtp.username",
		"notifications.smtp.password",
		"notifications.smtp.from",
		"notifications.smtp.from_name",
		"notifications.smtp.use_tls",

		"jobs.token_sweep_interval_minutes",

		"bootstrap.superadmin_email",
		"bootstrap.superadmin_password",
	}
	for _, key := range keys {
		names := []string{key, envName(key)}
		names = append(names, envAliases[key]...)
		if err := v.BindEnv(names...); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

func envName(key string) string {
	return "IDC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/identity")
	}

	v.SetEnvPrefix("IDC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Auth.SigningSecret = expandEnv(cfg.Auth.SigningSecret)
	cfg.Notifications.SMTP.Password = expandEnv(cfg.Notifications.SMTP.Password)
	cfg.Bootstrap.SuperadminPassword = expandEnv(cfg.Bootstrap.SuperadminPassword)
	for _, s := range cfg.Audit.Shippers {
		if s.Webhook != nil {
			s.Webhook.SigningSecret = expandEnv(s.Webhook.SigningSecret)
		}
	}
	cfg.Frontend.URL = strings.TrimRight(cfg.Frontend.URL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	return decode(v)
}

// Watch re-reads the config file whenever it changes and passes the new,
// validated configuration to onChange. Invalid edits are logged and ignored.
// It is a no-op when no config file is in use.
func Watch(configPath string, onChange func(*Config)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := bindEnvVars(v); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid configuration change", "file", e.Name, "error", err)
			return
		}
		slog.Info("configuration reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "identity")
	v.SetDefault("database.user", "identity")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Auth defaults
	v.SetDefault("auth.issuer", "clinicore-identity")
	v.SetDefault("auth.access_token_ttl_minutes", 30)
	v.SetDefault("auth.pending_token_ttl_minutes", 10)
	v.SetDefault("auth.password_reset_ttl_hours", 1)
	v.SetDefault("auth.invitation_ttl_hours", InvitationTTLHours)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.min_password_length", 8)

	v.SetDefault("frontend.url", "http://localhost:3000")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "identity")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.use_tls", true)

	v.SetDefault("jobs.token_sweep_interval_minutes", 60)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate auth
	if c.Auth.AccessTokenTTLMinutes <= 0 {
		return fmt.Errorf("auth.access_token_ttl_minutes must be positive, got %d", c.Auth.AccessTokenTTLMinutes)
	}
	if c.Auth.PendingTokenTTLMinutes <= 0 {
		return fmt.Errorf("auth.pending_token_ttl_minutes must be positive, got %d", c.Auth.PendingTokenTTLMinutes)
	}
	if c.Auth.PasswordResetTTLHours <= 0 {
		return fmt.Errorf("auth.password_reset_ttl_hours must be positive, got %d", c.Auth.PasswordResetTTLHours)
	}
	if c.Auth.InvitationTTLHours != InvitationTTLHours {
		return fmt.Errorf("auth.invitation_ttl_hours must be %d, got %d", InvitationTTLHours, c.Auth.InvitationTTLHours)
	}
	if c.Auth.MinPasswordLength < 8 {
		return fmt.Errorf("auth.min_password_length must be at least 8, got %d", c.Auth.MinPasswordLength)
	}
	if c.Frontend.URL == "" {
		return fmt.Errorf("frontend.url is required")
	}

	// Validate TLS if enabled
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	// Validate SMTP if delivery is enabled
	if c.Notifications.Enabled {
		if c.Notifications.SMTP.Host == "" {
			return fmt.Errorf("notifications.smtp.host is required when notifications are enabled")
		}
		if c.Notifications.SMTP.From == "" {
			return fmt.Errorf("notifications.smtp.from is required when notifications are enabled")
		}
	}

	// Validate audit shippers
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

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
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
