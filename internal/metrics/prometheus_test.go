package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_InitializationAndUpdate(t *testing.T) {
	pm := NewPrometheusMetrics()
	if pm == nil {
		t.Fatalf("NewPrometheusMetrics returned nil")
	}
	if pm.GetRegistry() == nil {
		t.Fatalf("GetRegistry returned nil")
	}

	pm.UpdateSystemMetrics()
	before := pm.GetUptime()
	time.Sleep(10 * time.Millisecond)
	if after := pm.GetUptime(); before >= after {
		t.Fatalf("expected uptime to increase, before=%v after=%v", before, after)
	}
}

func TestPrometheusMetrics_HandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()
	pm.RunStarted()
	pm.RunFinished("success", time.Second)

	rr := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{
		"subwatch_system_uptime_seconds",
		`subwatch_run_total{status="success"} 1`,
		"subwatch_run_duration_seconds_count 1",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %q in metrics output", name)
		}
	}
}

func TestPrometheusMetrics_RunMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RunStarted()
	pm.RunStarted()
	if got := testutil.ToFloat64(pm.activeRuns); got != 2 {
		t.Errorf("expected 2 active runs, got %v", got)
	}

	pm.RunFinished("success", 2*time.Second)
	pm.RunFinished("failed", time.Second)

	if got := testutil.ToFloat64(pm.activeRuns); got != 0 {
		t.Errorf("expected 0 active runs, got %v", got)
	}
	if got := testutil.CollectAndCount(pm.runsTotal); got != 2 {
		t.Errorf("expected 2 status labels, got %d", got)
	}
	if got := testutil.ToFloat64(pm.runsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed run, got %v", got)
	}
}

func TestPrometheusMetrics_StageMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RecordStageDuration("enumerate", 3*time.Second)
	pm.RecordStageDuration("liveness", time.Second)
	pm.IncrementStageFailures("enumerate", "timeout")
	pm.IncrementStageFailures("enumerate", "timeout")
	pm.IncrementStageFailures("http", "error")

	if got := testutil.CollectAndCount(pm.stageDuration); got != 2 {
		t.Errorf("expected 2 stage duration series, got %d", got)
	}
	if got := testutil.ToFloat64(pm.stageFailures.WithLabelValues("enumerate", "timeout")); got != 2 {
		t.Errorf("expected 2 enumerate timeouts, got %v", got)
	}
}

func TestPrometheusMetrics_DiffAndNotify(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RecordDiff(1, 1, 1)
	pm.RecordDiff(2, 0, 0)
	pm.IncrementNotifications(true)
	pm.IncrementNotifications(false)

	if got := testutil.ToFloat64(pm.subdomains.WithLabelValues(KindNew)); got != 3 {
		t.Errorf("expected 3 new subdomains, got %v", got)
	}
	if got := testutil.ToFloat64(pm.subdomains.WithLabelValues(KindMissing)); got != 1 {
		t.Errorf("expected 1 missing subdomain, got %v", got)
	}
	if got := testutil.CollectAndCount(pm.notifications); got != 2 {
		t.Errorf("expected success and error series, got %d", got)
	}
}

func TestPrometheusMetrics_QueueMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.AddRunsPromoted(3)
	pm.SetStuckRuns(2)
	pm.IncrementQueueErrors("promote")

	if got := testutil.ToFloat64(pm.runsPromoted); got != 3 {
		t.Errorf("expected 3 promoted runs, got %v", got)
	}
	if got := testutil.ToFloat64(pm.runsStuck); got != 2 {
		t.Errorf("expected 2 stuck runs, got %v", got)
	}
	if got := testutil.ToFloat64(pm.queueErrors.WithLabelValues("promote")); got != 1 {
		t.Errorf("expected 1 promote error, got %v", got)
	}
}

func TestPrometheusMetrics_NilIsNoop(t *testing.T) {
	var pm *PrometheusMetrics

	pm.RunStarted()
	pm.RunFinished("success", time.Second)
	pm.RecordStageDuration("http", time.Second)
	pm.IncrementStageFailures("http", "error")
	pm.RecordDiff(1, 2, 3)
	pm.IncrementNotifications(true)
	pm.AddRunsPromoted(1)
	pm.SetStuckRuns(1)
	pm.IncrementQueueErrors("claim")
	pm.IncrementDatabaseErrors("claim", "DATABASE_QUERY")
	pm.RecordHTTPRequest("GET", "/api/v1/health", "200", time.Millisecond)
}

func TestPrometheusMetrics_StartPeriodicUpdates(t *testing.T) {
	pm := NewPrometheusMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		pm.StartPeriodicUpdates(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartPeriodicUpdates did not return after cancel")
	}
	if got := testutil.ToFloat64(pm.goroutines); got <= 0 {
		t.Errorf("expected goroutine gauge to be set, got %v", got)
	}
}
