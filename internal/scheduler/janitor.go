package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/metrics"
	"github.com/anstrom/subwatch/internal/queue"
	"github.com/anstrom/subwatch/internal/store"
)

const defaultStuckAfter = time.Hour

// Janitor periodically reports runs that have been running for longer
// than the configured threshold. It does not change their state; a stuck
// run needs an operator.
type Janitor struct {
	queue      *queue.Queue
	cron       *cron.Cron
	schedule   string
	stuckAfter time.Duration
	now        func() time.Time
	metrics    *metrics.PrometheusMetrics
	logger     *logging.Logger

	mu      sync.Mutex
	running bool
}

// NewJanitor creates a janitor for q.
func NewJanitor(q *queue.Queue, cfg config.SchedulerConfig, m *metrics.PrometheusMetrics, logger *logging.Logger) *Janitor {
	if logger == nil {
		logger = logging.Default()
	}
	j := &Janitor{
		queue:      q,
		cron:       cron.New(),
		schedule:   cfg.JanitorSchedule,
		stuckAfter: cfg.StuckAfter,
		now:        time.Now,
		metrics:    m,
		logger:     logger.WithComponent("janitor"),
	}
	if j.stuckAfter <= 0 {
		j.stuckAfter = defaultStuckAfter
	}
	return j
}

// Start registers the sweep with cron and starts it. An empty schedule
// disables the janitor.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("janitor is already running")
	}
	if j.schedule == "" {
		j.logger.Info("Janitor disabled")
		return nil
	}

	_, err := j.cron.AddFunc(j.schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				j.logger.Error("Janitor sweep panicked", "panic", r)
			}
		}()
		if _, err := j.Sweep(context.Background()); err != nil {
			j.logger.Error("Janitor sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}

	j.cron.Start()
	j.running = true
	j.logger.Info("Janitor started", "schedule", j.schedule, "stuck_after", j.stuckAfter)
	return nil
}

// Stop stops the cron runner and waits for a sweep in progress.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
}

// Sweep returns the runs stuck in running and updates the stuck-runs gauge.
func (j *Janitor) Sweep(ctx context.Context) ([]*store.ScanRun, error) {
	runs, err := j.queue.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := j.now().UTC().Add(-j.stuckAfter)
	var stuck []*store.ScanRun
	for _, run := range runs {
		if run.Status != store.StatusRunning || run.StartedAt == nil {
			continue
		}
		if run.StartedAt.Before(cutoff) {
			stuck = append(stuck, run)
			j.logger.Warn("Scan run stuck in running",
				"run_id", run.ID.String(),
				"target_id", run.TargetID.String(),
				"started_at", run.StartedAt.Format(time.RFC3339))
		}
	}

	j.metrics.SetStuckRuns(len(stuck))
	return stuck, nil
}
