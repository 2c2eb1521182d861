package scheduler

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/diff"
	"github.com/anstrom/subwatch/internal/errors"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/metrics"
	"github.com/anstrom/subwatch/internal/pipeline"
	"github.com/anstrom/subwatch/internal/queue"
	"github.com/anstrom/subwatch/internal/store"
	"github.com/anstrom/subwatch/internal/store/memory"
)

// fakeRunner records the targets it was asked to scan.
type fakeRunner struct {
	mu      sync.Mutex
	targets []uuid.UUID
	result  func(uuid.UUID) pipeline.Result
	block   chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, targetID uuid.UUID) pipeline.Result {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.targets = append(f.targets, targetID)
	f.mu.Unlock()

	if f.result != nil {
		return f.result(targetID)
	}
	return pipeline.Result{Status: store.StatusSuccess, Diff: diff.Compute(nil, nil)}
}

func (f *fakeRunner) calls() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.targets...)
}

type harness struct {
	ctx    context.Context
	now    time.Time
	store  *memory.Store
	queue  *queue.Queue
	runner *fakeRunner
	loop   *Loop
	logger *logging.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:    context.Background(),
		now:    time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC),
		store:  memory.New(),
		runner: &fakeRunner{},
		logger: logging.NewWithWriter(logging.DefaultConfig(), io.Discard),
	}
	h.store.SetClock(h.clock)
	h.queue = queue.New(h.store, queue.WithClock(h.clock), queue.WithLogger(h.logger))
	h.loop = NewLoop(h.queue, h.runner, config.SchedulerConfig{
		PollInterval: 5 * time.Millisecond,
		ErrorBackoff: 5 * time.Millisecond,
	}, h.logger)
	h.loop.SetClock(h.clock)
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) addTarget(t *testing.T, name string) *store.Target {
	t.Helper()
	target := &store.Target{Name: name, URL: name + ".example"}
	require.NoError(t, h.store.CreateTarget(h.ctx, target))
	return target
}

func TestRunOnce_IdleWhenQueueEmpty(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Empty(t, h.runner.calls())
}

func TestRunOnce_RunsQueuedScanToSuccess(t *testing.T) {
	h := newHarness(t)
	target := h.addTarget(t, "a")
	_, err := h.queue.Enqueue(h.ctx, target.ID)
	require.NoError(t, err)

	outcome, err := h.loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRan, outcome)
	assert.Equal(t, []uuid.UUID{target.ID}, h.runner.calls())

	run, err := h.queue.Get(h.ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, run.Status)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)
	assert.Nil(t, run.LastError)
}

func TestRunOnce_StageTimeoutMarksRunFailed(t *testing.T) {
	h := newHarness(t)
	target := h.addTarget(t, "a")
	h.runner.result = func(uuid.UUID) pipeline.Result {
		return pipeline.Result{
			Status: store.StatusFailed,
			Err:    errors.NewStageTimeout("enumerate", context.DeadlineExceeded),
		}
	}
	_, err := h.queue.Enqueue(h.ctx, target.ID)
	require.NoError(t, err)

	outcome, err := h.loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRan, outcome)

	run, err := h.queue.Get(h.ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Contains(t, *run.LastError, "enumerate")
}

func TestRunOnce_PanicBecomesFailure(t *testing.T) {
	h := newHarness(t)
	target := h.addTarget(t, "a")
	h.runner.result = func(uuid.UUID) pipeline.Result { panic("boom") }
	_, err := h.queue.Enqueue(h.ctx, target.ID)
	require.NoError(t, err)

	outcome, err := h.loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRan, outcome)

	run, err := h.queue.Get(h.ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Contains(t, *run.LastError, "boom")
}

func TestRunOnce_PromotesDueScheduledRun(t *testing.T) {
	h := newHarness(t)
	target := h.addTarget(t, "a")
	_, err := h.queue.SetSchedule(h.ctx, target.ID, true, 60)
	require.NoError(t, err)

	_, err = h.loop.RunOnce(h.ctx)
	require.NoError(t, err)
	require.Len(t, h.runner.calls(), 1)

	outcome, err := h.loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome, "not due before the interval elapses")

	h.now = h.now.Add(61 * time.Minute)
	outcome, err = h.loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRan, outcome)
	assert.Len(t, h.runner.calls(), 2)

	run, err := h.queue.Get(h.ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, h.now.Add(60*time.Minute), *run.NextRunTime)
}

func TestRunOnce_DisabledScheduleIsNotPromoted(t *testing.T) {
	h := newHarness(t)
	target := h.addTarget(t, "a")
	_, err := h.queue.SetSchedule(h.ctx, target.ID, true, 1)
	require.NoError(t, err)
	_, err = h.loop.RunOnce(h.ctx)
	require.NoError(t, err)

	_, err = h.queue.SetSchedule(h.ctx, target.ID, false, 0)
	require.NoError(t, err)

	h.now = h.now.Add(48 * time.Hour)
	outcome, err := h.loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Len(t, h.runner.calls(), 1)
}

// brokenClaimStore fails every claim.
type brokenClaimStore struct {
	*memory.Store
}

func (brokenClaimStore) ClaimNextQueued(context.Context, time.Time) (*store.ScanRun, error) {
	return nil, errors.NewDatabaseError(errors.CodeDatabaseConnection, "connection refused")
}

func TestRunOnce_StoreErrorIsReported(t *testing.T) {
	h := newHarness(t)
	q := queue.New(brokenClaimStore{h.store}, queue.WithLogger(h.logger))
	loop := NewLoop(q, h.runner, config.SchedulerConfig{}, h.logger)

	outcome, err := loop.RunOnce(h.ctx)
	assert.Equal(t, OutcomeError, outcome)
	assert.True(t, errors.IsCode(err, errors.CodeDatabaseConnection))
}

func TestRun_SurvivesStoreErrorsAndStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	q := queue.New(brokenClaimStore{h.store}, queue.WithLogger(h.logger))
	loop := NewLoop(q, h.runner, config.SchedulerConfig{
		PollInterval: time.Millisecond,
		ErrorBackoff: time.Millisecond,
	}, h.logger)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestRun_FinishesInFlightRunOnShutdown(t *testing.T) {
	h := newHarness(t)
	target := h.addTarget(t, "a")
	_, err := h.queue.Enqueue(h.ctx, target.ID)
	require.NoError(t, err)

	h.runner.block = make(chan struct{})
	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		run, err := h.queue.Get(h.ctx, target.ID)
		return err == nil && run.Status == store.StatusRunning
	}, time.Second, time.Millisecond)

	cancel()
	close(h.runner.block)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}

	run, err := h.queue.Get(h.ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, run.Status)
}

func TestRunOnce_TracksCurrentRun(t *testing.T) {
	h := newHarness(t)
	target := h.addTarget(t, "a")
	queued, err := h.queue.Enqueue(h.ctx, target.ID)
	require.NoError(t, err)

	var during *store.ScanRun
	h.runner.result = func(uuid.UUID) pipeline.Result {
		during = h.loop.Current()
		return pipeline.Result{Status: store.StatusSuccess}
	}

	assert.Nil(t, h.loop.Current())
	_, err = h.loop.RunOnce(h.ctx)
	require.NoError(t, err)

	require.NotNil(t, during)
	assert.Equal(t, queued.ID, during.ID)
	assert.Equal(t, store.StatusRunning, during.Status)
	assert.Nil(t, h.loop.Current())
}

func TestRun_DrainsMultipleTargetsInOrder(t *testing.T) {
	h := newHarness(t)
	first := h.addTarget(t, "a")
	second := h.addTarget(t, "b")
	_, err := h.queue.Enqueue(h.ctx, first.ID)
	require.NoError(t, err)
	h.now = h.now.Add(time.Second)
	_, err = h.queue.Enqueue(h.ctx, second.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() { _ = h.loop.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.runner.calls()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, h.runner.calls())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "idle", OutcomeIdle.String())
	assert.Equal(t, "ran", OutcomeRan.String())
	assert.Equal(t, "error", OutcomeError.String())
}

func TestJanitor_SweepReportsStuckRuns(t *testing.T) {
	h := newHarness(t)
	stuckTarget := h.addTarget(t, "a")
	freshTarget := h.addTarget(t, "b")

	_, err := h.queue.Enqueue(h.ctx, stuckTarget.ID)
	require.NoError(t, err)
	_, err = h.queue.Claim(h.ctx)
	require.NoError(t, err)

	h.now = h.now.Add(2 * time.Hour)
	_, err = h.queue.Enqueue(h.ctx, freshTarget.ID)
	require.NoError(t, err)
	_, err = h.queue.Claim(h.ctx)
	require.NoError(t, err)

	m := metrics.NewPrometheusMetrics()
	j := NewJanitor(h.queue, config.SchedulerConfig{StuckAfter: time.Hour}, m, h.logger)
	j.now = h.clock

	stuck, err := j.Sweep(h.ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, stuckTarget.ID, stuck[0].TargetID)

	// Sweep only reports.
	run, err := h.queue.Get(h.ctx, stuckTarget.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, run.Status)

	expected := `
# HELP subwatch_queue_stuck_runs Runs that have been running longer than the stuck threshold
# TYPE subwatch_queue_stuck_runs gauge
subwatch_queue_stuck_runs 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.GetRegistry(), strings.NewReader(expected), "subwatch_queue_stuck_runs"))
}

func TestJanitor_StartStop(t *testing.T) {
	h := newHarness(t)

	j := NewJanitor(h.queue, config.SchedulerConfig{JanitorSchedule: "@every 1h"}, nil, h.logger)
	require.NoError(t, j.Start())
	assert.Error(t, j.Start())
	j.Stop()
	j.Stop()

	disabled := NewJanitor(h.queue, config.SchedulerConfig{}, nil, h.logger)
	require.NoError(t, disabled.Start())
	disabled.Stop()

	bad := NewJanitor(h.queue, config.SchedulerConfig{JanitorSchedule: "not a schedule"}, nil, h.logger)
	assert.Error(t, bad.Start())
}
