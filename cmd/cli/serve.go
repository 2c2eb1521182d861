package cli

import (
	"github.com/spf13/cobra"

	"github.com/anstrom/subwatch/internal/daemon"
	"github.com/anstrom/subwatch/internal/logging"
)

var (
	servePIDFile string
	servePort    int
	serveNoAPI   bool
)

// serveCmd runs the daemon in the foreground.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan scheduler and API server",
	Long: `Run the subwatch daemon in the foreground. It applies pending database
migrations, then processes queued and scheduled scans until it receives
SIGINT or SIGTERM. A scan in progress at shutdown is finished first.`,
	Example: `  subwatch serve
  subwatch serve --config /etc/subwatch/config.yaml --port 9090
  SUBWATCH_NOTIFY_WEBHOOK_URL=https://hooks.example/abc subwatch serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&servePIDFile, "pid-file", "", "override the PID file location")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the API server port")
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "do not start the HTTP API server")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("pid-file") {
		cfg.Daemon.PIDFile = servePIDFile
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveNoAPI {
		cfg.API.Enabled = false
	}

	return daemon.New(cfg, daemon.WithLogger(logging.Default())).Start()
}
