// Package daemon wires the subwatch engine together and runs it as a
// long-lived service: store, scan queue, discovery pipeline, scheduler
// loop, janitor and the HTTP control surface.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/subwatch/internal/api"
	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/db"
	"github.com/anstrom/subwatch/internal/discovery"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/metrics"
	"github.com/anstrom/subwatch/internal/notify"
	"github.com/anstrom/subwatch/internal/pipeline"
	"github.com/anstrom/subwatch/internal/queue"
	"github.com/anstrom/subwatch/internal/scheduler"
	"github.com/anstrom/subwatch/internal/store"
)

const systemMetricsInterval = 15 * time.Second

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Daemon represents the main daemon process.
type Daemon struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
	pidFile string

	store     store.Store
	ownsStore bool
	runner    scheduler.Runner
	queue     *queue.Queue
	loop      *scheduler.Loop
	janitor   *scheduler.Janitor
	apiServer *api.Server

	ctx     context.Context
	cancel  context.CancelFunc
	ready   chan struct{}
	done    chan struct{}
	sigChan chan os.Signal
	wg      sync.WaitGroup
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Daemon) {
		d.logger = logger
	}
}

// WithStore makes the daemon use st instead of opening the configured
// database. The daemon does not close a store it did not open.
func WithStore(st store.Store) Option {
	return func(d *Daemon) {
		d.store = st
	}
}

// WithRunner replaces the discovery pipeline used by the scheduler loop.
func WithRunner(r scheduler.Runner) Option {
	return func(d *Daemon) {
		d.runner = r
	}
}

// New creates a new daemon instance.
func New(cfg *config.Config, opts ...Option) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:  cfg,
		pidFile: cfg.Daemon.PIDFile,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Default()
	}
	d.logger = d.logger.WithComponent("daemon")
	return d
}

// Start initializes every component and blocks until the daemon is
// stopped by a signal or by Stop.
func (d *Daemon) Start() error {
	d.logger.InfoDaemon("Starting subwatch daemon")

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()

	if err := d.initStore(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := d.initEngine(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if err := d.initAPIServer(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	d.logger.InfoDaemon("Daemon started successfully")
	return d.run()
}

// Stop cancels the daemon and waits for the in-flight run to finish, up
// to the configured shutdown timeout.
func (d *Daemon) Stop() error {
	d.logger.InfoDaemon("Stopping daemon")
	d.cancel()

	select {
	case <-d.done:
		d.logger.InfoDaemon("Daemon stopped gracefully")
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		d.logger.Warn("Shutdown timeout reached, forcing exit")
	}
	return nil
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(d.pidFile), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.InfoDaemon("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID fails if the PID file names a live process and removes
// it when it is stale or unreadable.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers cancels the daemon on SIGTERM or SIGINT and dumps
// queue status on SIGUSR1.
func (d *Daemon) setupSignalHandlers() {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-d.sigChan:
				d.logger.InfoDaemon("Received signal", "signal", sig.String())

				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					d.logger.InfoDaemon("Initiating graceful shutdown")
					d.cancel()
					return
				case syscall.SIGUSR1:
					d.dumpStatus()
				}
			}
		}
	}()
}

// initStore opens the configured database and applies migrations unless a
// store was injected.
func (d *Daemon) initStore() error {
	if d.store != nil {
		return nil
	}

	d.logger.InfoDaemon("Connecting to database", "driver", d.config.Database.Driver)
	database, err := db.ConnectAndMigrate(d.ctx, &d.config.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}

	d.store = db.NewStore(database)
	d.ownsStore = true
	return nil
}

// initEngine builds the queue, pipeline, loop and janitor.
func (d *Daemon) initEngine() error {
	if d.config.Metrics.Enabled {
		d.metrics = metrics.NewPrometheusMetrics()
	}

	d.queue = queue.New(d.store,
		queue.WithLogger(d.logger),
		queue.WithMetrics(d.metrics))

	if d.runner == nil {
		d.runner = NewPipeline(d.config, d.store, d.metrics, d.logger)
	}

	d.loop = scheduler.NewLoop(d.queue, d.runner, d.config.Scheduler, d.logger)
	d.janitor = scheduler.NewJanitor(d.queue, d.config.Scheduler, d.metrics, d.logger)
	return nil
}

// NewPipeline builds the discovery pipeline described by cfg.
func NewPipeline(cfg *config.Config, st store.Store, m *metrics.PrometheusMetrics, logger *logging.Logger) *pipeline.Pipeline {
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
	}
	if cfg.Discovery.FetchTitles {
		opts = append(opts, pipeline.WithTitleFetcher(discovery.NewTitleFetcher(cfg.Discovery.TitleTimeout)))
	}
	return pipeline.New(st,
		discovery.NewChain(cfg.Discovery),
		notify.New(cfg.Notify, logger),
		opts...)
}

// initAPIServer initializes the API server.
func (d *Daemon) initAPIServer() error {
	if !d.config.IsAPIEnabled() {
		d.logger.InfoDaemon("API server disabled, skipping initialization")
		return nil
	}

	apiServer, err := api.New(d.config, d.store, d.queue, d.metrics, d.logger)
	if err != nil {
		return fmt.Errorf("API server creation failed: %w", err)
	}
	d.apiServer = apiServer
	return nil
}

// run starts the background components and blocks until shutdown.
func (d *Daemon) run() error {
	defer close(d.done)
	defer d.cleanup()

	if err := d.janitor.Start(); err != nil {
		return err
	}

	if d.metrics != nil {
		go d.metrics.StartPeriodicUpdates(d.ctx, systemMetricsInterval)
	}

	if d.apiServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.apiServer.Start(d.ctx); err != nil {
				d.logger.ErrorDaemon("API server error", err)
			}
		}()
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := d.loop.Run(d.ctx); err != nil {
			d.logger.ErrorDaemon("Scheduler loop exited", err)
		}
	}()

	close(d.ready)

	<-d.ctx.Done()
	d.logger.InfoDaemon("Shutdown signal received, waiting for the current run")

	select {
	case <-loopDone:
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		// The store is closed below, so the run cannot be completed and
		// stays in running until an operator resets it.
		fields := []any{"timeout", d.config.Daemon.ShutdownTimeout}
		if run := d.loop.Current(); run != nil {
			fields = append(fields, "run_id", run.ID.String(), "target_id", run.TargetID.String())
		}
		d.logger.Warn("Shutdown timeout reached, scan run will be left in running", fields...)
	}

	d.janitor.Stop()
	d.wg.Wait()
	return nil
}

// dumpStatus logs the number of scan runs per status.
func (d *Daemon) dumpStatus() {
	if d.queue == nil {
		return
	}
	runs, err := d.queue.List(d.ctx)
	if err != nil {
		d.logger.ErrorDaemon("Failed to list scan runs", err)
		return
	}

	counts := make(map[store.RunStatus]int)
	scheduled := 0
	for _, run := range runs {
		counts[run.Status]++
		if run.IsScheduled {
			scheduled++
		}
	}
	d.logger.InfoDaemon("Scan run status",
		"total", len(runs),
		"queued", counts[store.StatusQueued],
		"running", counts[store.StatusRunning],
		"success", counts[store.StatusSuccess],
		"failed", counts[store.StatusFailed],
		"scheduled", scheduled)
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if d.ownsStore && d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.ErrorDaemon("Error closing database", err)
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.ErrorDaemon("Error removing PID file", err)
		}
	}
}

// Ready is closed once every component is running.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Queue returns the scan queue. It is set once Ready is closed.
func (d *Daemon) Queue() *queue.Queue {
	return d.queue
}

// GetPID returns the daemon's PID.
func (d *Daemon) GetPID() int {
	return os.Getpid()
}

// IsRunning reports whether the daemon has not been canceled.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
