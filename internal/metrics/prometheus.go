// Package metrics provides Prometheus-based metrics collection for subwatch.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all subwatch metrics
	namespace = "subwatch"

	// Subsystems
	subsystemRun      = "run"
	subsystemStage    = "stage"
	subsystemDiff     = "diff"
	subsystemNotify   = "notify"
	subsystemQueue    = "queue"
	subsystemAPI      = "api"
	subsystemSystem   = "system"
	subsystemDatabase = "database"
)

// Subdomain kinds reported by RecordDiff.
const (
	KindNew     = "new"
	KindAlive   = "still_alive"
	KindMissing = "missing"
)

// PrometheusMetrics holds all Prometheus metric collectors. A nil
// *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram
	activeRuns  prometheus.Gauge

	// Stage metrics
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec

	// Diff metrics
	subdomains *prometheus.CounterVec

	// Notification metrics
	notifications *prometheus.CounterVec

	// Queue metrics
	runsPromoted prometheus.Counter
	runsStuck    prometheus.Gauge
	queueErrors  *prometheus.CounterVec

	// Database metrics
	dbErrors *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime time.Time
	mu        sync.RWMutex
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new metrics instance with its own registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initRunMetrics()
	pm.initStageMetrics()
	pm.initQueueMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initRunMetrics() {
	pm.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "total",
			Help:      "Total number of pipeline executions by outcome",
		},
		[]string{"status"},
	)

	pm.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "duration_seconds",
			Help:      "Duration of pipeline executions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	pm.activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "active",
			Help:      "Number of pipeline executions in progress",
		},
	)

	pm.subdomains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiff,
			Name:      "subdomains_total",
			Help:      "Subdomains classified by diff outcome",
		},
		[]string{"kind"},
	)

	pm.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNotify,
			Name:      "total",
			Help:      "Alert deliveries by result",
		},
		[]string{"result"},
	)
}

func (pm *PrometheusMetrics) initStageMetrics() {
	pm.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemStage,
			Name:      "duration_seconds",
			Help:      "Duration of discovery stages in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	pm.stageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStage,
			Name:      "failures_total",
			Help:      "Discovery stage failures by stage and reason",
		},
		[]string{"stage", "reason"},
	)
}

func (pm *PrometheusMetrics) initQueueMetrics() {
	pm.runsPromoted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "promoted_total",
			Help:      "Scheduled runs promoted to queued",
		},
	)

	pm.runsStuck = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "stuck_runs",
			Help:      "Runs that have been running longer than the stuck threshold",
		},
	)

	pm.queueErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "errors_total",
			Help:      "Queue operation failures by operation",
		},
		[]string{"op"},
	)

	pm.dbErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "errors_total",
			Help:      "Total number of database errors by operation and error code",
		},
		[]string{"operation", "code"},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"method", "route"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.runsTotal,
		pm.runDuration,
		pm.activeRuns,
		pm.stageDuration,
		pm.stageFailures,
		pm.subdomains,
		pm.notifications,
		pm.runsPromoted,
		pm.runsStuck,
		pm.queueErrors,
		pm.dbErrors,
		pm.httpRequests,
		pm.httpDuration,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry backing these metrics.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// Run Metrics Methods

// RunStarted marks a pipeline execution as in progress.
func (pm *PrometheusMetrics) RunStarted() {
	if pm == nil {
		return
	}
	pm.activeRuns.Inc()
}

// RunFinished records the outcome and duration of a pipeline execution.
func (pm *PrometheusMetrics) RunFinished(status string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.activeRuns.Dec()
	pm.runsTotal.WithLabelValues(status).Inc()
	pm.runDuration.Observe(duration.Seconds())
}

// RecordStageDuration records how long a discovery stage took.
func (pm *PrometheusMetrics) RecordStageDuration(stage string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncrementStageFailures counts a failed stage. reason is "timeout" or "error".
func (pm *PrometheusMetrics) IncrementStageFailures(stage, reason string) {
	if pm == nil {
		return
	}
	pm.stageFailures.WithLabelValues(stage, reason).Inc()
}

// RecordDiff adds the size of each diff class.
func (pm *PrometheusMetrics) RecordDiff(newCount, aliveCount, missingCount int) {
	if pm == nil {
		return
	}
	pm.subdomains.WithLabelValues(KindNew).Add(float64(newCount))
	pm.subdomains.WithLabelValues(KindAlive).Add(float64(aliveCount))
	pm.subdomains.WithLabelValues(KindMissing).Add(float64(missingCount))
}

// IncrementNotifications counts an alert delivery attempt.
func (pm *PrometheusMetrics) IncrementNotifications(success bool) {
	if pm == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	pm.notifications.WithLabelValues(result).Inc()
}

// Queue Metrics Methods

// AddRunsPromoted counts scheduled runs moved to queued.
func (pm *PrometheusMetrics) AddRunsPromoted(n int) {
	if pm == nil {
		return
	}
	pm.runsPromoted.Add(float64(n))
}

// SetStuckRuns sets the number of runs stuck in running.
func (pm *PrometheusMetrics) SetStuckRuns(n int) {
	if pm == nil {
		return
	}
	pm.runsStuck.Set(float64(n))
}

// IncrementQueueErrors counts a failed queue operation.
func (pm *PrometheusMetrics) IncrementQueueErrors(op string) {
	if pm == nil {
		return
	}
	pm.queueErrors.WithLabelValues(op).Inc()
}

// IncrementDatabaseErrors counts a failed database operation.
func (pm *PrometheusMetrics) IncrementDatabaseErrors(operation, code string) {
	if pm == nil {
		return
	}
	pm.dbErrors.WithLabelValues(operation, code).Inc()
}

// API Metrics Methods

// RecordHTTPRequest records a served request.
func (pm *PrometheusMetrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.httpRequests.WithLabelValues(method, route, status).Inc()
	pm.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// System Metrics Methods

// UpdateSystemMetrics refreshes the goroutine and uptime gauges.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// StartPeriodicUpdates updates system metrics every interval until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}
