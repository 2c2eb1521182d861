// Package scheduler drives the scan queue: it promotes due recurring runs,
// claims the next queued run, executes it and records the outcome. It also
// hosts the cron-driven janitor that reports runs stuck in running.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/errors"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/pipeline"
	"github.com/anstrom/subwatch/internal/queue"
	"github.com/anstrom/subwatch/internal/store"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultErrorBackoff = 30 * time.Second
)

// Runner executes a scan for one target.
type Runner interface {
	Run(ctx context.Context, targetID uuid.UUID) pipeline.Result
}

// Outcome describes what a single loop iteration did.
type Outcome int

// Iteration outcomes.
const (
	OutcomeIdle Outcome = iota
	OutcomeRan
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeRan:
		return "ran"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Loop is the single scan worker.
type Loop struct {
	queue        *queue.Queue
	runner       Runner
	pollInterval time.Duration
	errorBackoff time.Duration
	now          func() time.Time
	logger       *logging.Logger

	current atomic.Pointer[store.ScanRun]
}

// NewLoop creates a loop that drains q with runner.
func NewLoop(q *queue.Queue, runner Runner, cfg config.SchedulerConfig, logger *logging.Logger) *Loop {
	if logger == nil {
		logger = logging.Default()
	}
	l := &Loop{
		queue:        q,
		runner:       runner,
		pollInterval: cfg.PollInterval,
		errorBackoff: cfg.ErrorBackoff,
		now:          time.Now,
		logger:       logger.WithComponent("scheduler"),
	}
	if l.pollInterval <= 0 {
		l.pollInterval = defaultPollInterval
	}
	if l.errorBackoff <= 0 {
		l.errorBackoff = defaultErrorBackoff
	}
	return l
}

// SetClock overrides the time source used for promotion.
func (l *Loop) SetClock(now func() time.Time) {
	l.now = now
}

// Current returns the run being executed, or nil when the loop is idle.
func (l *Loop) Current() *store.ScanRun {
	return l.current.Load()
}

// Run processes runs until ctx is canceled. A run in progress when ctx is
// canceled is finished and recorded before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.InfoScheduler("Scheduler loop started",
		"poll_interval", l.pollInterval,
		"error_backoff", l.errorBackoff)

	for {
		if ctx.Err() != nil {
			l.logger.InfoScheduler("Scheduler loop stopped")
			return nil
		}

		outcome, err := l.RunOnce(ctx)

		var wait time.Duration
		switch outcome {
		case OutcomeError:
			if ctx.Err() == nil {
				l.logger.ErrorScheduler("Scheduler iteration failed", err, "backoff", l.errorBackoff)
			}
			wait = l.errorBackoff
		case OutcomeIdle:
			wait = l.pollInterval
		case OutcomeRan:
			if err != nil {
				l.logger.ErrorScheduler("Failed to record run outcome", err)
				wait = l.errorBackoff
			}
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// RunOnce performs one iteration: promote due runs, claim the next queued
// run and, if there is one, execute it and record its terminal status.
func (l *Loop) RunOnce(ctx context.Context) (Outcome, error) {
	if _, err := l.queue.PromoteDue(ctx, l.now()); err != nil {
		return OutcomeError, fmt.Errorf("promote due runs: %w", err)
	}

	run, err := l.queue.Claim(ctx)
	if stderrors.Is(err, store.ErrQueueEmpty) {
		return OutcomeIdle, nil
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("claim next run: %w", err)
	}

	l.current.Store(run)
	defer l.current.Store(nil)

	// The run must reach a terminal state even if shutdown starts now.
	runCtx := context.WithoutCancel(ctx)

	logger := l.logger.WithRunID(run.ID.String()).WithTarget(run.TargetID.String())
	logger.Info("Run claimed")

	res := l.execute(runCtx, run)

	if _, err := l.queue.Complete(runCtx, run, res.Status, res.Err); err != nil {
		return OutcomeRan, fmt.Errorf("complete run %s: %w", run.ID, err)
	}
	logger.Info("Run completed", "status", string(res.Status), "duration", res.Duration)
	return OutcomeRan, nil
}

// execute runs the pipeline and converts a panic into a failed result.
func (l *Loop) execute(ctx context.Context, run *store.ScanRun) (res pipeline.Result) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Pipeline panicked",
				"run_id", run.ID.String(),
				"target_id", run.TargetID.String(),
				"panic", r)
			res = pipeline.Result{
				Status: store.StatusFailed,
				Err:    errors.NewScanErrorWithTarget(errors.CodeUnknown, fmt.Sprintf("pipeline panic: %v", r), run.TargetID.String()),
			}
		}
	}()
	return l.runner.Run(ctx, run.TargetID)
}
