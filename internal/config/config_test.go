package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// DatabaseConfig.GetDSN / ServerConfig.GetAddress
// ---------------------------------------------------------------------------

func TestGetDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "standard config",
			cfg: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "identity",
				Password: "secret",
				Name:     "identity",
				SSLMode:  "require",
			},
			want: "host=localhost port=5432 user=identity password=secret dbname=identity sslmode=require",
		},
		{
			name: "empty password",
			cfg: DatabaseConfig{
				Host:    "db.clinic.internal",
				Port:    5433,
				User:    "svc",
				Name:    "clinic",
				SSLMode: "disable",
			},
			want: "host=db.clinic.internal port=5433 user=svc password= dbname=clinic sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetDSN(); got != tt.want {
				t.Errorf("GetDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{"empty host", ServerConfig{Host: "", Port: 8080}, ":8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetAddress(); got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// AuthConfig durations
// ---------------------------------------------------------------------------

func TestAuthConfigDurations(t *testing.T) {
	a := AuthConfig{
		AccessTokenTTLMinutes:  45,
		PendingTokenTTLMinutes: 5,
		PasswordResetTTLHours:  2,
		InvitationTTLHours:     72,
	}
	if a.AccessTokenTTL() != 45*time.Minute {
		t.Errorf("AccessTokenTTL() = %v", a.AccessTokenTTL())
	}
	if a.PendingTokenTTL() != 5*time.Minute {
		t.Errorf("PendingTokenTTL() = %v", a.PendingTokenTTL())
	}
	if a.PasswordResetTTL() != 2*time.Hour {
		t.Errorf("PasswordResetTTL() = %v", a.PasswordResetTTL())
	}
	if a.InvitationTTL() != 72*time.Hour {
		t.Errorf("InvitationTTL() = %v", a.InvitationTTL())
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8080,
			BaseURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Name: "identity",
			User: "identity",
		},
		Auth: AuthConfig{
			AccessTokenTTLMinutes:  30,
			PendingTokenTTLMinutes: 10,
			PasswordResetTTLHours:  1,
			InvitationTTLHours:     InvitationTTLHours,
			MinPasswordLength:      8,
		},
		Frontend: FrontendConfig{URL: "http://localhost:3000"},
		Logging:  LoggingConfig{Level: "info"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid minimal config passes", func(t *testing.T) {
		if err := minimalValidConfig().Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"invalid server port 0", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"invalid server port 70000", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"missing base_url", func(c *Config) { c.Server.BaseURL = "" }, "server.base_url"},
		{"missing database host", func(c *Config) { c.Database.Host = "" }, "database.host"},
		{"missing database name", func(c *Config) { c.Database.Name = "" }, "database.name"},
		{"missing database user", func(c *Config) { c.Database.User = "" }, "database.user"},
		{"zero access token ttl", func(c *Config) { c.Auth.AccessTokenTTLMinutes = 0 }, "access_token_ttl_minutes"},
		{"zero pending ttl", func(c *Config) { c.Auth.PendingTokenTTLMinutes = 0 }, "pending_token_ttl_minutes"},
		{"zero reset ttl", func(c *Config) { c.Auth.PasswordResetTTLHours = 0 }, "password_reset_ttl_hours"},
		{"invitation ttl is fixed", func(c *Config) { c.Auth.InvitationTTLHours = 48 }, "invitation_ttl_hours"},
		{"weak password policy", func(c *Config) { c.Auth.MinPasswordLength = 4 }, "min_password_length"},
		{"missing frontend url", func(c *Config) { c.Frontend.URL = "" }, "frontend.url"},
		{"tls without cert", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, KeyFile: "k"} }, "cert_file"},
		{"tls without key", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, CertFile: "c"} }, "key_file"},
		{"smtp enabled without host", func(c *Config) {
			c.Notifications = NotificationsConfig{Enabled: true, SMTP: SMTPConfig{From: "no-reply@clinic.test"}}
		}, "smtp.host"},
		{"smtp enabled without from", func(c *Config) {
			c.Notifications = NotificationsConfig{Enabled: true, SMTP: SMTPConfig{Host: "smtp.clinic.test"}}
		}, "smtp.from"},
		{"webhook shipper without url", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "webhook"}}
		}, "webhook.url"},
		{"file shipper without path", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "file", File: &AuditFileConfig{}}}
		}, "file.path"},
		{"unknown shipper type", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "syslog"}}
		}, "unknown type"},
		{"invalid logging level", func(c *Config) { c.Logging.Level = "verbose" }, "logging level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantMsg)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantMsg)
			}
		})
	}

	t.Run("disabled shipper is not validated", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Audit.Shippers = []AuditShipperConfig{{Enabled: false, Type: "bogus"}}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// expandEnv
// ---------------------------------------------------------------------------

func TestExpandEnv(t *testing.T) {
	t.Run("expands ${VAR} syntax", func(t *testing.T) {
		t.Setenv("CONFIG_TEST_SECRET", "super-secret")
		if got := expandEnv("${CONFIG_TEST_SECRET}"); got != "super-secret" {
			t.Errorf("expandEnv() = %q, want %q", got, "super-secret")
		}
	})

	t.Run("plain string passthrough", func(t *testing.T) {
		if got := expandEnv("no-vars-here"); got != "no-vars-here" {
			t.Errorf("expandEnv() = %q, want %q", got, "no-vars-here")
		}
	})

	t.Run("unset variable expands to empty string", func(t *testing.T) {
		os.Unsetenv("CONFIG_TEST_DEFINITELY_UNSET_12345")
		if got := expandEnv("${CONFIG_TEST_DEFINITELY_UNSET_12345}"); got != "" {
			t.Errorf("expandEnv() = %q, want empty string", got)
		}
	})
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// writeTempConfig creates a temp YAML file and registers a cleanup to remove it.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config-test-*.yaml")
	if err != nil {
		t.Fatal("CreateTemp:", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if _, err := f.WriteString(content); err != nil {
		t.Fatal("WriteString:", err)
	}
	f.Close()
	return f.Name()
}

const baseYAML = `
server:
  base_url: "http://localhost:8080"
database:
  host: "localhost"
  name: "identity"
  user: "identity"
logging:
  level: "info"
`

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil || !strings.Contains(err.Error(), "error reading config file") {
		t.Fatalf("Load() error = %v, want read error", err)
	}
}

func TestLoad_WithConfigFile(t *testing.T) {
	const content = `
server:
  host: "testhost"
  port: 9999
  base_url: "http://testhost:9999"
database:
  host: "dbhost"
  name: "testdb"
  user: "testuser"
auth:
  access_token_ttl_minutes: 15
frontend:
  url: "https://app.clinic.test/"
logging:
  level: "debug"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "testhost" || cfg.Server.Port != 9999 {
		t.Errorf("Server = %s:%d, want testhost:9999", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Database.Host != "dbhost" || cfg.Database.Name != "testdb" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Auth.AccessTokenTTLMinutes != 15 {
		t.Errorf("Auth.AccessTokenTTLMinutes = %d, want 15", cfg.Auth.AccessTokenTTLMinutes)
	}
	if cfg.Frontend.URL != "https://app.clinic.test" {
		t.Errorf("Frontend.URL = %q, want trailing slash trimmed", cfg.Frontend.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, baseYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.SSLMode != "require" {
		t.Errorf("default Database.SSLMode = %q, want require", cfg.Database.SSLMode)
	}
	if cfg.Auth.InvitationTTLHours != 72 {
		t.Errorf("default Auth.InvitationTTLHours = %d, want 72", cfg.Auth.InvitationTTLHours)
	}
	if cfg.Auth.AccessTokenTTLMinutes != 30 {
		t.Errorf("default Auth.AccessTokenTTLMinutes = %d, want 30", cfg.Auth.AccessTokenTTLMinutes)
	}
	if cfg.Auth.Issuer != "clinicore-identity" {
		t.Errorf("default Auth.Issuer = %q", cfg.Auth.Issuer)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("default Server.ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PASS", "mysecret")
	content := strings.Replace(baseYAML, `user: "identity"`, "user: \"identity\"\n  password: \"${TEST_DB_PASS}\"", 1)
	cfg, err := Load(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Password != "mysecret" {
		t.Errorf("Database.Password = %q, want mysecret", cfg.Database.Password)
	}
}

func TestLoad_UnprefixedAliases(t *testing.T) {
	t.Setenv("SIGNING_SECRET", "alias-secret-value-that-is-long-enough")
	t.Setenv("ACCESS_TOKEN_TTL", "45")
	t.Setenv("PASSWORD_RESET_TTL_HOURS", "3")
	t.Setenv("FRONTEND_URL", "https://portal.clinic.test")
	t.Setenv("SMTP_HOST", "smtp.clinic.test")

	cfg, err := Load(writeTempConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Auth.SigningSecret != "alias-secret-value-that-is-long-enough" {
		t.Errorf("Auth.SigningSecret = %q", cfg.Auth.SigningSecret)
	}
	if cfg.Auth.AccessTokenTTLMinutes != 45 {
		t.Errorf("Auth.AccessTokenTTLMinutes = %d, want 45", cfg.Auth.AccessTokenTTLMinutes)
	}
	if cfg.Auth.PasswordResetTTLHours != 3 {
		t.Errorf("Auth.PasswordResetTTLHours = %d, want 3", cfg.Auth.PasswordResetTTLHours)
	}
	if cfg.Frontend.URL != "https://portal.clinic.test" {
		t.Errorf("Frontend.URL = %q", cfg.Frontend.URL)
	}
	if cfg.Notifications.SMTP.Host != "smtp.clinic.test" {
		t.Errorf("Notifications.SMTP.Host = %q", cfg.Notifications.SMTP.Host)
	}
}

func TestLoad_PrefixedEnvWinsOverAlias(t *testing.T) {
	t.Setenv("IDC_AUTH_SIGNING_SECRET", "prefixed-secret")
	t.Setenv("SIGNING_SECRET", "alias-secret")

	cfg, err := Load(writeTempConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Auth.SigningSecret != "prefixed-secret" {
		t.Errorf("Auth.SigningSecret = %q, want prefixed-secret", cfg.Auth.SigningSecret)
	}
}

func TestLoad_RejectsNonStandardInvitationTTL(t *testing.T) {
	t.Setenv("INVITATION_TTL_HOURS", "24")
	_, err := Load(writeTempConfig(t, baseYAML))
	if err == nil || !strings.Contains(err.Error(), "invitation_ttl_hours") {
		t.Fatalf("Load() error = %v, want invitation ttl error", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestWatch_NoFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	if err := Watch("", func(*Config) { t.Error("onChange called without a config file") }); err != nil {
		t.Errorf("Watch() error = %v, want nil", err)
	}
}

func TestLoad_AuditShippers(t *testing.T) {
	t.Setenv("CONFIG_TEST_AUDIT_HMAC", "hmac-key")
	path := writeTempConfig(t, baseYAML+`
audit:
  shippers:
    - enabled: true
      type: webhook
      categories: [auth, tenant]
      webhook:
        url: "https://siem.clinic.test/ingest"
        signing_secret: "${CONFIG_TEST_AUDIT_HMAC}"
    - enabled: true
      type: file
      file:
        path: "/var/log/identity/audit.jsonl"
        max_size_mb: 50
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Audit.Shippers) != 2 {
		t.Fatalf("got %d shippers, want 2", len(cfg.Audit.Shippers))
	}

	hook := cfg.Audit.Shippers[0]
	if strings.Join(hook.Categories, ",") != "auth,tenant" {
		t.Errorf("Categories = %v", hook.Categories)
	}
	if hook.Webhook == nil || hook.Webhook.SigningSecret != "hmac-key" {
		t.Errorf("webhook signing secret not expanded: %+v", hook.Webhook)
	}

	file := cfg.Audit.Shippers[1]
	if len(file.Categories) != 0 {
		t.Errorf("file shipper Categories = %v, want none", file.Categories)
	}
	if file.File == nil || file.File.MaxSizeMB != 50 {
		t.Errorf("File = %+v", file.File)
	}
}

func TestLoad_AuditWebhookWithoutURL(t *testing.T) {
	path := writeTempConfig(t, baseYAML+`
audit:
  shippers:
    - enabled: true
      type: webhook
      webhook:
        batch_size: 10
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "webhook.url is required") {
		t.Fatalf("Load() error = %v, want webhook.url error", err)
	}
}
