// Package queue owns the scan run state machine: enqueue, recurring
// schedules, claiming work for the scheduler and recording completion.
package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/errors"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/metrics"
	"github.com/anstrom/subwatch/internal/store"
)

// maxErrorLength caps the failure reason stored on a run.
const maxErrorLength = 2048

// transitions lists the allowed status changes. Re-entering queued from a
// terminal state happens only through Enqueue, SetSchedule or PromoteDue.
var transitions = map[store.RunStatus][]store.RunStatus{
	store.StatusQueued:  {store.StatusRunning},
	store.StatusRunning: {store.StatusSuccess, store.StatusFailed},
	store.StatusSuccess: {store.StatusQueued},
	store.StatusFailed:  {store.StatusQueued},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to store.RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Queue serializes every scan run mutation. Each operation holds the
// queue mutex and runs inside a store transaction whose row locks keep
// other processes sharing the database from interleaving.
type Queue struct {
	store   store.Store
	mu      sync.Mutex
	now     func() time.Time
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// New creates a queue backed by st.
func New(st store.Store, opts ...Option) *Queue {
	q := &Queue{
		store: st,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = logging.Default()
	}
	q.logger = q.logger.WithComponent("queue")
	return q
}

func (q *Queue) clock() time.Time {
	return q.now().UTC()
}

// Enqueue asks for an ad-hoc scan of targetID. An active run is returned
// unchanged, a finished run is reset to queued and reused, and a target
// without a run gets a new one.
func (q *Queue) Enqueue(ctx context.Context, targetID uuid.UUID) (*store.ScanRun, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result *store.ScanRun
	err := q.store.InTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetTarget(ctx, targetID); err != nil {
			return err
		}

		run, created, err := getOrNewRun(ctx, tx, targetID, q.clock())
		if err != nil {
			return err
		}
		if !created && run.Active() {
			result = run
			return nil
		}

		if !created && !CanTransition(run.Status, store.StatusQueued) {
			return errors.ErrInvalidTransition(string(run.Status), string(store.StatusQueued))
		}
		run.Status = store.StatusQueued
		run.UpdatedAt = q.clock()
		if err := tx.UpsertScanRun(ctx, run); err != nil {
			return err
		}
		result = run
		return nil
	})
	if err != nil {
		q.recordError("enqueue", err)
		return nil, err
	}

	q.logger.Info("Scan enqueued",
		"target_id", targetID.String(),
		"run_id", result.ID.String(),
		"status", string(result.Status))
	return result, nil
}

// SetSchedule turns the recurring schedule of a target on or off. Enabling
// requires 1 <= waitingMinutes <= config.MaxWaitingMinutes, sets the next
// run time to now plus the interval and queues the run if it is idle.
// Disabling clears the schedule and fails with CodeNotFound when the
// target has no run.
func (q *Queue) SetSchedule(ctx context.Context, targetID uuid.UUID, enabled bool, waitingMinutes int) (*store.ScanRun, error) {
	if enabled {
		if err := ValidateWaitingMinutes(waitingMinutes); err != nil {
			return nil, err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var result *store.ScanRun
	err := q.store.InTx(ctx, func(tx store.Store) error {
		now := q.clock()

		if !enabled {
			run, err := tx.GetScanRun(ctx, targetID)
			if err != nil {
				return err
			}
			run.IsScheduled = false
			run.NextRunTime = nil
			run.UpdatedAt = now
			if err := tx.UpsertScanRun(ctx, run); err != nil {
				return err
			}
			result = run
			return nil
		}

		if _, err := tx.GetTarget(ctx, targetID); err != nil {
			return err
		}
		run, _, err := getOrNewRun(ctx, tx, targetID, now)
		if err != nil {
			return err
		}

		next := now.Add(time.Duration(waitingMinutes) * time.Minute)
		run.IsScheduled = true
		run.WaitingMinutes = waitingMinutes
		run.NextRunTime = &next
		run.UpdatedAt = now
		if !run.Active() {
			run.Status = store.StatusQueued
		}
		if err := tx.UpsertScanRun(ctx, run); err != nil {
			return err
		}
		result = run
		return nil
	})
	if err != nil {
		q.recordError("schedule", err)
		return nil, err
	}

	q.logger.Info("Schedule updated",
		"target_id", targetID.String(),
		"enabled", enabled,
		"waiting_minutes", result.WaitingMinutes,
		"status", string(result.Status))
	return result, nil
}

// ValidateWaitingMinutes checks a recurrence interval.
func ValidateWaitingMinutes(m int) error {
	if m < 1 || m > config.MaxWaitingMinutes {
		return errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("waiting_minutes must be between 1 and %d, got %d", config.MaxWaitingMinutes, m))
	}
	return nil
}

// Claim moves the oldest queued run to running and returns it. It returns
// store.ErrQueueEmpty when nothing is waiting.
func (q *Queue) Claim(ctx context.Context) (*store.ScanRun, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, err := q.store.ClaimNextQueued(ctx, q.clock())
	if err != nil {
		if !stderrors.Is(err, store.ErrQueueEmpty) {
			q.recordError("claim", err)
		}
		return nil, err
	}
	return run, nil
}

// Complete records the terminal status of a claimed run. Schedule changes
// made while the run was executing are kept.
func (q *Queue) Complete(ctx context.Context, run *store.ScanRun, status store.RunStatus, runErr error) (*store.ScanRun, error) {
	if !status.Terminal() {
		return nil, errors.ErrInvalidTransition(string(store.StatusRunning), string(status))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var result *store.ScanRun
	err := q.store.InTx(ctx, func(tx store.Store) error {
		current, err := tx.GetScanRun(ctx, run.TargetID)
		if err != nil {
			return err
		}
		if current.ID != run.ID {
			return errors.NewScanErrorWithTarget(errors.CodeConflict,
				"scan run was replaced while executing", run.TargetID.String())
		}
		if !CanTransition(current.Status, status) {
			return errors.ErrInvalidTransition(string(current.Status), string(status))
		}

		now := q.clock()
		current.Status = status
		current.CompletedAt = &now
		current.UpdatedAt = now
		current.LastError = nil
		if runErr != nil {
			msg := runErr.Error()
			if len(msg) > maxErrorLength {
				msg = msg[:maxErrorLength]
			}
			current.LastError = &msg
		}
		if err := tx.UpsertScanRun(ctx, current); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		q.recordError("complete", err)
		return nil, err
	}
	return result, nil
}

// PromoteDue queues every scheduled, idle run whose next run time has
// passed and moves its next run time to now plus its interval. It returns
// the number of promoted runs.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	promoted := 0
	err := q.store.InTx(ctx, func(tx store.Store) error {
		due, err := tx.ListDueScheduledRuns(ctx, now)
		if err != nil {
			return err
		}
		for _, run := range due {
			if !CanTransition(run.Status, store.StatusQueued) {
				continue
			}
			next := now.Add(time.Duration(run.WaitingMinutes) * time.Minute)
			run.Status = store.StatusQueued
			run.NextRunTime = &next
			run.UpdatedAt = now
			if err := tx.UpsertScanRun(ctx, run); err != nil {
				return err
			}
			promoted++
		}
		return nil
	})
	if err != nil {
		q.recordError("promote", err)
		return 0, err
	}

	if promoted > 0 {
		q.metrics.AddRunsPromoted(promoted)
		q.logger.Info("Promoted scheduled runs", "count", promoted)
	}
	return promoted, nil
}

func (q *Queue) recordError(op string, err error) {
	q.metrics.IncrementQueueErrors(op)
	var dbErr *errors.DatabaseError
	if stderrors.As(err, &dbErr) {
		q.metrics.IncrementDatabaseErrors(op, string(dbErr.Code))
	}
}

// Get returns the run of a target.
func (q *Queue) Get(ctx context.Context, targetID uuid.UUID) (*store.ScanRun, error) {
	return q.store.GetScanRun(ctx, targetID)
}

// List returns every run, oldest first.
func (q *Queue) List(ctx context.Context) ([]*store.ScanRun, error) {
	return q.store.ListScanRuns(ctx)
}

// getOrNewRun loads the run of targetID or builds an unsaved queued one.
func getOrNewRun(ctx context.Context, tx store.Store, targetID uuid.UUID, now time.Time) (*store.ScanRun, bool, error) {
	run, err := tx.GetScanRun(ctx, targetID)
	if err == nil {
		return run, false, nil
	}
	if !errors.IsNotFound(err) {
		return nil, false, err
	}
	return &store.ScanRun{
		ID:        uuid.New(),
		TargetID:  targetID,
		Status:    store.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}
