// Package cli provides the Cobra-based command-line interface of subwatch:
// running the daemon, applying migrations, registering targets and
// driving the scan queue.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/logging"
)

const envPrefix = "SUBWATCH"

var (
	cfgFile string
	verbose bool
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "subwatch",
	Short: "Subdomain monitoring engine",
	Long: `subwatch periodically enumerates the subdomains of registered targets,
reconciles them against what it has seen before and sends an alert when new
subdomains appear.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in the config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// getConfigFilePath returns the config file in use, or the default path.
func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return "config.yaml"
}

// envOverrides lists the settings that can be overridden through
// SUBWATCH_* environment variables or .env.
var envOverrides = map[string]func(*config.Config, *viper.Viper, string){
	"database.driver":         func(c *config.Config, v *viper.Viper, k string) { c.Database.Driver = v.GetString(k) },
	"database.host":           func(c *config.Config, v *viper.Viper, k string) { c.Database.Host = v.GetString(k) },
	"database.port":           func(c *config.Config, v *viper.Viper, k string) { c.Database.Port = v.GetInt(k) },
	"database.database":       func(c *config.Config, v *viper.Viper, k string) { c.Database.Database = v.GetString(k) },
	"database.username":       func(c *config.Config, v *viper.Viper, k string) { c.Database.Username = v.GetString(k) },
	"database.password":       func(c *config.Config, v *viper.Viper, k string) { c.Database.Password = v.GetString(k) },
	"database.path":           func(c *config.Config, v *viper.Viper, k string) { c.Database.Path = v.GetString(k) },
	"discovery.liveness_mode": func(c *config.Config, v *viper.Viper, k string) { c.Discovery.LivenessMode = v.GetString(k) },
	"notify.webhook_url":      func(c *config.Config, v *viper.Viper, k string) { c.Notify.WebhookURL = v.GetString(k) },
	"api.port":                func(c *config.Config, v *viper.Viper, k string) { c.API.Port = v.GetInt(k) },
	"logging.level":           func(c *config.Config, v *viper.Viper, k string) { c.Logging.Level = v.GetString(k) },
	"daemon.pid_file":         func(c *config.Config, v *viper.Viper, k string) { c.Daemon.PIDFile = v.GetString(k) },
	"metrics.enabled":         func(c *config.Config, v *viper.Viper, k string) { c.Metrics.Enabled = v.GetBool(k) },
}

// loadConfig loads the config file, applies environment overrides and
// validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	applyOverrides(cfg, viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	for key, apply := range envOverrides {
		if v.IsSet(key) {
			apply(cfg, v, key)
		}
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}
	applyOverrides(cfg, viper.GetViper())

	logConfig := logging.Config{
		Level:     logging.LogLevel(cfg.Logging.Level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.Level == "debug",
	}
	if verbose {
		logConfig.Level = logging.LevelDebug
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)
}
