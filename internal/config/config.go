package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/subwatch/internal/db"
	"github.com/anstrom/subwatch/internal/errors"
)

const (
	// MaxWaitingMinutes is the largest recurrence interval accepted for a scheduled scan (one week).
	MaxWaitingMinutes = 10080

	defaultAPIPort = 8080
)

// Config represents the complete daemon configuration
type Config struct {
	// Daemon configuration
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// Database configuration
	Database db.Config `yaml:"database" json:"database"`

	// Scheduler loop and janitor
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Discovery stage chain
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`

	// Alert delivery
	Notify NotifyConfig `yaml:"notify" json:"notify"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	// PID file location
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Graceful shutdown timeout, also the upper bound for an in-flight pipeline run
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// SchedulerConfig controls the polling loop.
type SchedulerConfig struct {
	// Sleep between polls when the queue is empty
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// Back-off after a store error
	ErrorBackoff time.Duration `yaml:"error_backoff" json:"error_backoff"`

	// Cron expression for the stuck-run janitor; empty disables it
	JanitorSchedule string `yaml:"janitor_schedule" json:"janitor_schedule"`

	// A run in running state longer than this is reported as stuck
	StuckAfter time.Duration `yaml:"stuck_after" json:"stuck_after"`
}

// StageConfig describes one external discovery command.
type StageConfig struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
}

// DiscoveryConfig holds the three-stage chain settings.
type DiscoveryConfig struct {
	Enumerate StageConfig `yaml:"enumerate" json:"enumerate"`
	Liveness  StageConfig `yaml:"liveness" json:"liveness"`
	HTTP      StageConfig `yaml:"http" json:"http"`

	// Timeout applied to each stage separately
	StageTimeout time.Duration `yaml:"stage_timeout" json:"stage_timeout"`

	// "command" runs the liveness tool, "dns" uses the built-in resolver stage
	LivenessMode string `yaml:"liveness_mode" json:"liveness_mode"`

	DNS DNSConfig `yaml:"dns" json:"dns"`

	// Fetch page titles for newly discovered subdomains
	FetchTitles  bool          `yaml:"fetch_titles" json:"fetch_titles"`
	TitleTimeout time.Duration `yaml:"title_timeout" json:"title_timeout"`
}

// DNSConfig configures the built-in liveness stage.
type DNSConfig struct {
	Resolvers         []string      `yaml:"resolvers" json:"resolvers"`
	Concurrency       int           `yaml:"concurrency" json:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
}

// NotifyConfig holds alert delivery settings.
type NotifyConfig struct {
	// Empty means alerts are only logged
	WebhookURL string        `yaml:"webhook_url" json:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors"`

	// Request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// Maximum request size
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable request logging for API
	RequestLogging bool `yaml:"request_logging" json:"request_logging"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PIDFile:         "/var/run/subwatch.pid",
			ShutdownTimeout: 5 * time.Minute,
		},
		Database: db.DefaultConfig(),
		Scheduler: SchedulerConfig{
			PollInterval:    10 * time.Second,
			ErrorBackoff:    30 * time.Second,
			JanitorSchedule: "@every 15m",
			StuckAfter:      time.Hour,
		},
		Discovery: DiscoveryConfig{
			Enumerate:    StageConfig{Command: "subfinder", Args: []string{"-silent"}},
			Liveness:     StageConfig{Command: "dnsx", Args: []string{"-silent"}},
			HTTP:         StageConfig{Command: "httpx", Args: []string{"-silent"}},
			StageTimeout: 120 * time.Second,
			LivenessMode: "command",
			DNS: DNSConfig{
				Resolvers:         []string{"1.1.1.1:53", "8.8.8.8:53"},
				Concurrency:       20,
				RequestsPerSecond: 50,
				Timeout:           5 * time.Second,
			},
			FetchTitles:  false,
			TitleTimeout: 10 * time.Second,
		},
		Notify: NotifyConfig{
			WebhookURL: "",
			Timeout:    10 * time.Second,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1",
			Port:       defaultAPIPort,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type"},
			},
			RequestTimeout: 30 * time.Second,
			MaxRequestSize: 1024 * 1024, // 1MB
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         "stdout",
			RequestLogging: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil // Return defaults if no config file
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// yaml.v3 accepts JSON documents too
	switch filepath.Ext(path) {
	case ".json":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateDiscovery(); err != nil {
		return err
	}

	if c.Notify.Timeout <= 0 {
		return errors.ErrConfigInvalid("notify.timeout", c.Notify.Timeout)
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return errors.ErrConfigInvalid("api.port", c.API.Port)
		}
		if c.API.ListenAddr == "" {
			return errors.ErrConfigMissing("api.listen_addr")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case db.DriverPostgres:
		if c.Database.Host == "" {
			return errors.ErrConfigMissing("database.host")
		}
		if c.Database.Database == "" {
			return errors.ErrConfigMissing("database.database")
		}
		if c.Database.Username == "" {
			return errors.ErrConfigMissing("database.username")
		}
	case db.DriverSQLite:
		if c.Database.Path == "" {
			return errors.ErrConfigMissing("database.path")
		}
	default:
		return errors.ErrConfigInvalid("database.driver", c.Database.Driver)
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.PollInterval <= 0 {
		return errors.ErrConfigInvalid("scheduler.poll_interval", c.Scheduler.PollInterval)
	}
	if c.Scheduler.ErrorBackoff <= 0 {
		return errors.ErrConfigInvalid("scheduler.error_backoff", c.Scheduler.ErrorBackoff)
	}
	if c.Scheduler.JanitorSchedule != "" && c.Scheduler.StuckAfter <= 0 {
		return errors.ErrConfigInvalid("scheduler.stuck_after", c.Scheduler.StuckAfter)
	}
	return nil
}

func (c *Config) validateDiscovery() error {
	d := c.Discovery
	if d.StageTimeout <= 0 {
		return errors.ErrConfigInvalid("discovery.stage_timeout", d.StageTimeout)
	}
	if d.Enumerate.Command == "" {
		return errors.ErrConfigMissing("discovery.enumerate.command")
	}
	if d.HTTP.Command == "" {
		return errors.ErrConfigMissing("discovery.http.command")
	}

	switch d.LivenessMode {
	case "command":
		if d.Liveness.Command == "" {
			return errors.ErrConfigMissing("discovery.liveness.command")
		}
	case "dns":
		if len(d.DNS.Resolvers) == 0 {
			return errors.ErrConfigMissing("discovery.dns.resolvers")
		}
		if d.DNS.Concurrency <= 0 {
			return errors.ErrConfigInvalid("discovery.dns.concurrency", d.DNS.Concurrency)
		}
		if d.DNS.RequestsPerSecond <= 0 {
			return errors.ErrConfigInvalid("discovery.dns.requests_per_second", d.DNS.RequestsPerSecond)
		}
	default:
		return errors.ErrConfigInvalid("discovery.liveness_mode", d.LivenessMode)
	}

	if d.FetchTitles && d.TitleTimeout <= 0 {
		return errors.ErrConfigInvalid("discovery.title_timeout", d.TitleTimeout)
	}
	return nil
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}
