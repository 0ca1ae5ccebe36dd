package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"],
			"max_body_bytes": 2097152,
			"max_msg_bytes": 65536
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"initial_admin": {
				"username": "admin",
				"password": "admin123"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"command_ttl": "72h"
		},
		"commands": {
			"rate_limit_max": 30,
			"rate_limit_window": "30s"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Server
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v, want [http://localhost:3000]", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.MaxBodyBytes != 2097152 {
		t.Errorf("Server.MaxBodyBytes: got %d, want 2097152", cfg.Server.MaxBodyBytes)
	}
	if cfg.Server.MaxMsgBytes != 65536 {
		t.Errorf("Server.MaxMsgBytes: got %d, want 65536", cfg.Server.MaxMsgBytes)
	}

	// Auth
	if cfg.Auth.JWTSecret != "my-super-secret-jwt-key-at-least-32" {
		t.Errorf("Auth.JWTSecret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("Auth.InitialAdmin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "admin" {
		t.Errorf("InitialAdmin.Username: got %q", cfg.Auth.InitialAdmin.Username)
	}

	// Storage
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "test.db" {
		t.Errorf("Storage.DSN: got %q, want %q", cfg.Storage.DSN, "test.db")
	}
	if cfg.Storage.CommandTTL.Duration != 72*time.Hour {
		t.Errorf("Storage.CommandTTL: got %v, want 72h", cfg.Storage.CommandTTL.Duration)
	}

	// Commands
	if cfg.Commands.RateLimitMax != 30 {
		t.Errorf("Commands.RateLimitMax: got %d, want 30", cfg.Commands.RateLimitMax)
	}
	if cfg.Commands.RateLimitWindow.Duration != 30*time.Second {
		t.Errorf("Commands.RateLimitWindow: got %v, want 30s", cfg.Commands.RateLimitWindow.Duration)
	}

	// Logging
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "text")
	}

	// Rate limit
	if cfg.RateLimit.RequestsPerSecond != 20 {
		t.Errorf("RateLimit.RequestsPerSecond: got %f, want 20", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit.Burst: got %d, want 40", cfg.RateLimit.Burst)
	}
}

func TestValidateRequired(t *testing.T) {
	// Missing server.addr
	noAddr := `{
		"server": {},
		"auth": {"jwt_secret": "some-secret-value-long-enough-ok"}
	}`
	path := writeTempConfig(t, noAddr)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server.addr, got nil")
	}

	// Missing auth.jwt_secret
	noSecret := `{
		"server": {"addr": ":8080"},
		"auth": {}
	}`
	path = writeTempConfig(t, noSecret)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing auth.jwt_secret, got nil")
	}

	// Short jwt_secret
	shortSecret := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "tooshort"}
	}`
	path = writeTempConfig(t, shortSecret)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for short auth.jwt_secret, got nil")
	}

	// Well-known weak secret
	weakSecret := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}
	}`
	path = writeTempConfig(t, weakSecret)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for weak auth.jwt_secret, got nil")
	}

	// Unknown provider
	badProvider := `{
		"server": {"addr": ":8080"},
		"auth": {"provider": "ldap"}
	}`
	path = writeTempConfig(t, badProvider)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown auth provider, got nil")
	}

	// JWKS provider requires an issuer
	noIssuer := `{
		"server": {"addr": ":8080"},
		"auth": {"provider": "jwks"}
	}`
	path = writeTempConfig(t, noIssuer)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for jwks provider without issuer, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	// Minimal valid config -- only required fields
	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "relay.db" {
		t.Errorf("default Storage.DSN: got %q, want %q", cfg.Storage.DSN, "relay.db")
	}
	if cfg.Storage.CommandTTL.Duration != 24*time.Hour {
		t.Errorf("default Storage.CommandTTL: got %v, want 24h", cfg.Storage.CommandTTL.Duration)
	}
	if cfg.Commands.RateLimitMax != 10 {
		t.Errorf("default Commands.RateLimitMax: got %d, want 10", cfg.Commands.RateLimitMax)
	}
	if cfg.Commands.RateLimitWindow.Duration != 60*time.Second {
		t.Errorf("default Commands.RateLimitWindow: got %v, want 60s", cfg.Commands.RateLimitWindow.Duration)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("default Logging.Format: got %q, want %q", cfg.Logging.Format, "json")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("default AllowedOrigins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 {
		t.Errorf("default RateLimit.RequestsPerSecond: got %f, want 10", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 20 {
		t.Errorf("default RateLimit.Burst: got %d, want 20", cfg.RateLimit.Burst)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default Server.MaxBodyBytes: got %d, want %d", cfg.Server.MaxBodyBytes, 1024*1024)
	}
	if cfg.Server.MaxMsgBytes != 128*1024 {
		t.Errorf("default Server.MaxMsgBytes: got %d, want %d", cfg.Server.MaxMsgBytes, 128*1024)
	}
}

func TestDurationJSON(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{`"90s"`, 90 * time.Second},
		{`"2h30m"`, 2*time.Hour + 30*time.Minute},
		{`45`, 45 * time.Second},
	}
	for _, tc := range cases {
		var d Duration
		if err := d.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Fatalf("UnmarshalJSON(%s): %v", tc.in, err)
		}
		if d.Duration != tc.want {
			t.Errorf("UnmarshalJSON(%s): got %v, want %v", tc.in, d.Duration, tc.want)
		}
	}

	var bad Duration
	if err := bad.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Error("expected error for boolean duration, got nil")
	}

	out, err := Duration{90 * time.Second}.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(out) != `"1m30s"` {
		t.Errorf("MarshalJSON: got %s, want %q", out, "1m30s")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("secret length: got %d, want 64", len(a))
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
