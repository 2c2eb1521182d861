// Package pipeline runs one discovery scan for a target: resolve the domain,
// run the stage chain, reconcile the observed URLs with the stored ones,
// persist the changes and announce new subdomains.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/subwatch/internal/diff"
	"github.com/anstrom/subwatch/internal/discovery"
	"github.com/anstrom/subwatch/internal/errors"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/metrics"
	"github.com/anstrom/subwatch/internal/notify"
	"github.com/anstrom/subwatch/internal/store"
)

// TitleFetcher looks up the page title of a URL.
type TitleFetcher interface {
	FetchTitle(ctx context.Context, url string) (string, error)
}

// Result is the outcome of a pipeline execution. Status is StatusSuccess
// unless the domain lookup, the stored-state read or a discovery stage
// failed; Err then carries the reason. PersistErr and NotifyErr report
// failures that did not fail the run.
type Result struct {
	Status     store.RunStatus
	Err        error
	Diff       diff.Result
	Observed   int
	Duration   time.Duration
	// PersistErr is set when the diff could not be stored. No alert is
	// sent in that case; the same URLs are reported as new next run.
	PersistErr error
	NotifyErr  error
}

// Failed reports whether the run should be recorded as failed.
func (r Result) Failed() bool {
	return r.Status == store.StatusFailed
}

// Pipeline executes scans. It is safe for sequential reuse.
type Pipeline struct {
	store    store.Store
	stages   []discovery.Stage
	notifier notify.Notifier
	titles   TitleFetcher
	metrics  *metrics.PrometheusMetrics
	logger   *logging.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTitleFetcher enables title lookups for new subdomains.
func WithTitleFetcher(f TitleFetcher) Option {
	return func(p *Pipeline) {
		p.titles = f
	}
}

// New creates a pipeline over the given store, stage chain and notifier.
func New(st store.Store, chain *discovery.Chain, notifier notify.Notifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    st,
		stages:   chain.Stages(),
		notifier: notifier,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.Default()
	}
	p.logger = p.logger.WithComponent("pipeline")
	return p
}

// Run executes the scan for targetID. It never panics on stage or store
// errors; every failure is reported through the Result.
func (p *Pipeline) Run(ctx context.Context, targetID uuid.UUID) Result {
	start := time.Now()
	p.metrics.RunStarted()

	res := p.run(ctx, targetID)
	res.Duration = time.Since(start)

	p.metrics.RunFinished(string(res.Status), res.Duration)
	if res.Failed() {
		p.logger.ErrorPipeline("Scan failed", targetID.String(), res.Err,
			"duration", res.Duration)
	} else {
		p.logger.InfoPipeline("Scan finished", targetID.String(),
			"duration", res.Duration,
			"observed", res.Observed,
			"new", len(res.Diff.New),
			"still_alive", len(res.Diff.StillAlive),
			"missing", len(res.Diff.Missing))
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, targetID uuid.UUID) Result {
	domain, err := p.store.GetTargetDomain(ctx, targetID)
	if err != nil {
		return failed(err)
	}
	if domain == "" {
		return failed(errors.NewScanErrorWithTarget(errors.CodeValidation,
			"target has no usable domain", targetID.String()))
	}

	observed, err := p.discover(ctx, targetID, domain)
	if err != nil {
		return failed(err)
	}

	existing, err := p.store.ListKnownSubdomains(ctx, targetID)
	if err != nil {
		return failed(err)
	}

	res := Result{
		Status:   store.StatusSuccess,
		Diff:     diff.Compute(existing, observed),
		Observed: len(observed),
	}
	p.metrics.RecordDiff(len(res.Diff.New), len(res.Diff.StillAlive), len(res.Diff.Missing))

	if res.PersistErr = p.persist(ctx, targetID, res.Diff); res.PersistErr != nil {
		p.logger.ErrorPipeline("Failed to persist scan results", targetID.String(), res.PersistErr)
		// The same URLs show up as new on the next run, so do not announce them yet.
		return res
	}

	if len(res.Diff.New) == 0 {
		return res
	}

	p.enrichTitles(ctx, targetID, res.Diff.New)

	if res.NotifyErr = p.announce(ctx, targetID, res.Diff.New); res.NotifyErr != nil {
		p.logger.ErrorPipeline("Failed to send notification", targetID.String(), res.NotifyErr,
			"new", len(res.Diff.New))
	}
	return res
}

// discover runs the stage chain starting from the bare domain. The output
// of each stage is the input of the next.
func (p *Pipeline) discover(ctx context.Context, targetID uuid.UUID, domain string) ([]string, error) {
	entries := []string{domain}

	for _, stage := range p.stages {
		stageStart := time.Now()
		out, err := stage.Run(ctx, entries)
		elapsed := time.Since(stageStart)
		p.metrics.RecordStageDuration(stage.Name(), elapsed)

		if err != nil {
			reason := "error"
			if errors.IsCode(err, errors.CodeStageTimeout) {
				reason = "timeout"
			}
			p.metrics.IncrementStageFailures(stage.Name(), reason)
			return nil, err
		}

		p.logger.Debug("Stage completed",
			"target_id", targetID.String(),
			"stage", stage.Name(),
			"input", len(entries),
			"output", len(out),
			"duration", elapsed)
		entries = out
	}

	return entries, nil
}

func (p *Pipeline) persist(ctx context.Context, targetID uuid.UUID, d diff.Result) error {
	if d.Empty() {
		return nil
	}
	return p.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.InsertSubdomains(ctx, targetID, d.New); err != nil {
			return err
		}
		return tx.MarkSubdomainsMissing(ctx, targetID, d.Missing)
	})
}

func (p *Pipeline) enrichTitles(ctx context.Context, targetID uuid.UUID, urls []string) {
	if p.titles == nil {
		return
	}
	for _, u := range urls {
		if ctx.Err() != nil {
			return
		}
		title, err := p.titles.FetchTitle(ctx, u)
		if err != nil || title == "" {
			p.logger.Debug("No title for subdomain", "url", u, "error", err)
			continue
		}
		if err := p.store.SetSubdomainTitle(ctx, targetID, u, title); err != nil {
			p.logger.Warn("Failed to store subdomain title", "url", u, "error", err)
		}
	}
}

func (p *Pipeline) announce(ctx context.Context, targetID uuid.UUID, urls []string) error {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		p.logger.Warn("Sending alert without target details", "target_id", targetID.String(), "error", err)
		target = &store.Target{ID: targetID}
	}

	err = p.notifier.Notify(ctx, notify.Alert{Target: target, NewSubdomains: urls})
	p.metrics.IncrementNotifications(err == nil)
	if err != nil {
		return fmt.Errorf("notify %d new subdomains: %w", len(urls), err)
	}
	return nil
}

func failed(err error) Result {
	return Result{
		Status: store.StatusFailed,
		Err:    err,
		Diff:   diff.Result{New: []string{}, StillAlive: []string{}, Missing: []string{}},
	}
}
