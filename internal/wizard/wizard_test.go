package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reachly/relay/internal/config"
	"github.com/reachly/relay/pkg/cli"
)

func TestWizard_SQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",           // listen address
		"*",               // allowed origins
		"myadmin",         // admin username
		"secretpass",      // admin password
		"1",               // storage: sqlite (first option)
		"./data/relay.db", // sqlite path
		"25",              // rate limit max
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "relay-config.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("server.allowed_origins = %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.Auth.JWTSecret == "" {
		t.Error("auth.jwt_secret is empty")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("auth.initial_admin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "myadmin" {
		t.Errorf("admin username = %q, want %q", cfg.Auth.InitialAdmin.Username, "myadmin")
	}
	if cfg.Auth.InitialAdmin.Password != "secretpass" {
		t.Errorf("admin password = %q, want %q", cfg.Auth.InitialAdmin.Password, "secretpass")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "./data/relay.db" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "./data/relay.db")
	}
	if cfg.Commands.RateLimitMax != 25 {
		t.Errorf("commands.rate_limit_max = %d, want 25", cfg.Commands.RateLimitMax)
	}
}

func TestWizard_PostgresAndDefaults(t *testing.T) {
	input := strings.Join([]string{
		"",   // listen address -> default :8080
		"",   // allowed origins -> default *
		"",   // admin username -> default admin
		"pw", // admin password
		"2",  // storage: postgres
		"",   // DSN -> default
		"",   // rate limit -> default 10
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	outputPath := filepath.Join(t.TempDir(), "relay-config.json")

	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "admin" {
		t.Errorf("admin username = %v, want admin", cfg.Auth.InitialAdmin)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if !strings.HasPrefix(cfg.Storage.DSN, "postgres://") {
		t.Errorf("storage.dsn = %q, want a postgres:// DSN", cfg.Storage.DSN)
	}
	if cfg.Commands.RateLimitMax != 10 {
		t.Errorf("commands.rate_limit_max = %d, want 10", cfg.Commands.RateLimitMax)
	}
}

func TestWizard_RunDefaults(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":7070")
	t.Setenv("RELAY_ADMIN_USER", "ops")
	t.Setenv("RELAY_ADMIN_PASSWORD", "ops-pass")
	t.Setenv("RELAY_STORAGE_DRIVER", "sqlite")
	t.Setenv("RELAY_STORAGE_DSN", "./relay.db")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}

	outputPath := filepath.Join(t.TempDir(), "relay-config.json")
	if err := New(p).RunDefaults(outputPath); err != nil {
		t.Fatalf("wizard.RunDefaults() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":7070")
	}
	if cfg.Auth.JWTSecret == "" {
		t.Error("auth.jwt_secret is empty")
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Password != "ops-pass" {
		t.Errorf("admin = %v, want ops-pass password", cfg.Auth.InitialAdmin)
	}
	if cfg.Storage.DSN != "./relay.db" {
		t.Errorf("storage.dsn = %q, want ./relay.db", cfg.Storage.DSN)
	}
}

func TestWizard_RunDefaults_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("RELAY_STORAGE_DRIVER", "postgres")
	t.Setenv("RELAY_STORAGE_DSN", "")

	p := &cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}}
	outputPath := filepath.Join(t.TempDir(), "relay-config.json")

	if err := New(p).RunDefaults(outputPath); err == nil {
		t.Fatal("expected error for postgres without DSN, got nil")
	}
}
