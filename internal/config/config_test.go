package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anstrom/subwatch/internal/db"
	"github.com/anstrom/subwatch/internal/errors"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr bool
		check   func(t *testing.T, c *Config)
	}{
		{
			name: "valid yaml config",
			file: "config.yaml",
			content: `
database:
  driver: postgres
  host: localhost
  port: 5432
  database: subwatch
  username: subwatch
  password: secret
scheduler:
  poll_interval: 3s
discovery:
  stage_timeout: 45s
  liveness_mode: dns
notify:
  webhook_url: https://discord.example/hook
`,
			check: func(t *testing.T, c *Config) {
				if c.Scheduler.PollInterval != 3*time.Second {
					t.Errorf("PollInterval = %v, want 3s", c.Scheduler.PollInterval)
				}
				if c.Discovery.StageTimeout != 45*time.Second {
					t.Errorf("StageTimeout = %v, want 45s", c.Discovery.StageTimeout)
				}
				if c.Discovery.LivenessMode != "dns" {
					t.Errorf("LivenessMode = %s, want dns", c.Discovery.LivenessMode)
				}
				if c.Notify.WebhookURL != "https://discord.example/hook" {
					t.Errorf("WebhookURL = %s", c.Notify.WebhookURL)
				}
				// untouched sections keep their defaults
				if c.Discovery.Enumerate.Command != "subfinder" {
					t.Errorf("Enumerate command = %s, want subfinder", c.Discovery.Enumerate.Command)
				}
			},
		},
		{
			name: "valid json config",
			file: "config.json",
			content: `{
				"database": {"driver": "sqlite", "path": "/tmp/subwatch.db"},
				"api": {"port": 9090}
			}`,
			check: func(t *testing.T, c *Config) {
				if c.Database.Driver != db.DriverSQLite {
					t.Errorf("Driver = %s, want sqlite", c.Database.Driver)
				}
				if c.API.Port != 9090 {
					t.Errorf("Port = %d, want 9090", c.API.Port)
				}
			},
		},
		{
			name:    "invalid yaml syntax",
			file:    "config.yaml",
			content: "database:\n  port: invalid\n",
			wantErr: true,
		},
		{
			name: "fails validation",
			file: "config.yaml",
			content: `
database:
  driver: sqlite
  path: /tmp/x.db
discovery:
  liveness_mode: carrier-pigeon
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)

			cfg, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v, want 10s", cfg.Scheduler.PollInterval)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Discovery.StageTimeout != 120*time.Second {
		t.Errorf("StageTimeout = %v, want 120s", cfg.Discovery.StageTimeout)
	}
	if cfg.Scheduler.JanitorSchedule != "@every 15m" {
		t.Errorf("JanitorSchedule = %q", cfg.Scheduler.JanitorSchedule)
	}
	if got := cfg.Discovery.Liveness.Command; got != "dnsx" {
		t.Errorf("Liveness command = %s, want dnsx", got)
	}
	if got := cfg.Discovery.HTTP.Command; got != "httpx" {
		t.Errorf("HTTP command = %s, want httpx", got)
	}
	if got := cfg.GetAPIAddress(); got != "127.0.0.1:8080" {
		t.Errorf("GetAPIAddress() = %s", got)
	}
	if !cfg.IsAPIEnabled() {
		t.Error("API should be enabled by default")
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Database.Database = "subwatch"
	cfg.Database.Username = "subwatch"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing database name", func(c *Config) { c.Database.Database = "" }, "database.database"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"sqlite without path", func(c *Config) { c.Database.Driver = db.DriverSQLite }, "database.path"},
		{"zero poll interval", func(c *Config) { c.Scheduler.PollInterval = 0 }, "scheduler.poll_interval"},
		{"zero stage timeout", func(c *Config) { c.Discovery.StageTimeout = 0 }, "discovery.stage_timeout"},
		{"missing enumerate command", func(c *Config) { c.Discovery.Enumerate.Command = "" }, "discovery.enumerate.command"},
		{"dns mode without resolvers", func(c *Config) {
			c.Discovery.LivenessMode = "dns"
			c.Discovery.DNS.Resolvers = nil
		}, "discovery.dns.resolvers"},
		{"dns mode without concurrency", func(c *Config) {
			c.Discovery.LivenessMode = "dns"
			c.Discovery.DNS.Concurrency = 0
		}, "discovery.dns.concurrency"},
		{"bad api port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"api disabled ignores port", func(c *Config) {
			c.API.Enabled = false
			c.API.Port = 0
		}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"janitor without threshold", func(c *Config) { c.Scheduler.StuckAfter = 0 }, "scheduler.stuck_after"},
		{"janitor disabled", func(c *Config) {
			c.Scheduler.JanitorSchedule = ""
			c.Scheduler.StuckAfter = 0
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}

			cfgErr, ok := err.(*errors.ConfigError)
			if !ok {
				t.Fatalf("expected *errors.ConfigError, got %T (%v)", err, err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("Field = %s, want %s", cfgErr.Field, tt.wantField)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Notify.WebhookURL = "https://hooks.example/abc"

	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Notify.WebhookURL != cfg.Notify.WebhookURL {
		t.Errorf("WebhookURL = %s, want %s", loaded.Notify.WebhookURL, cfg.Notify.WebhookURL)
	}
}
