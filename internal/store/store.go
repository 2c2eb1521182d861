// Package store defines the persistence contract used by the scan engine
// together with the records it reads and writes.
package store

import (
	"context"
	stderrors "errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrQueueEmpty is returned by ClaimNextQueued when no run is waiting.
var ErrQueueEmpty = stderrors.New("scan queue is empty")

// RunStatus is the lifecycle state of a ScanRun.
type RunStatus string

// Scan run states.
const (
	StatusQueued  RunStatus = "queued"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
)

// Active reports whether the run is waiting for or occupying the worker.
func (s RunStatus) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a known state.
func (s RunStatus) Valid() bool {
	return s.Active() || s.Terminal()
}

// SubdomainStatus marks whether a subdomain was seen by the latest scan.
type SubdomainStatus string

// Subdomain states.
const (
	SubdomainAlive   SubdomainStatus = "alive"
	SubdomainMissing SubdomainStatus = "missing"
)

// Target is a monitored root domain. The engine only reads targets.
type Target struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	URL       string    `db:"url" json:"url"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Domain returns the bare, lower-cased host of the target URL. A URL
// without a scheme is treated as a host name.
func (t *Target) Domain() string {
	raw := strings.TrimSpace(t.URL)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
}

// Subdomain is a discovered asset of a target, unique per (TargetID, URL).
type Subdomain struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	TargetID  uuid.UUID       `db:"target_id" json:"target_id"`
	URL       string          `db:"url" json:"url"`
	Title     *string         `db:"title" json:"title,omitempty"`
	Status    SubdomainStatus `db:"status" json:"status"`
	FirstSeen time.Time       `db:"first_seen" json:"first_seen"`
	LastSeen  time.Time       `db:"last_seen" json:"last_seen"`
}

// ScanRun is the single scheduling record of a target. It is reused across
// executions and never deleted by the engine.
type ScanRun struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	TargetID       uuid.UUID  `db:"target_id" json:"target_id"`
	Status         RunStatus  `db:"status" json:"status"`
	IsScheduled    bool       `db:"is_scheduled" json:"is_scheduled"`
	WaitingMinutes int        `db:"waiting_minutes" json:"waiting_minutes"`
	NextRunTime    *time.Time `db:"next_run_time" json:"next_run_time,omitempty"`
	LastError      *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Active reports whether the run is queued or running.
func (r *ScanRun) Active() bool {
	return r.Status.Active()
}

// Store is the persistence contract of the engine. Implementations return
// *errors.DatabaseError values; a missing target or scan run carries
// errors.CodeNotFound.
type Store interface {
	// CreateTarget registers a monitored target. Used by operator tooling.
	CreateTarget(ctx context.Context, target *Target) error
	GetTarget(ctx context.Context, targetID uuid.UUID) (*Target, error)
	GetTargetDomain(ctx context.Context, targetID uuid.UUID) (string, error)

	// ListKnownSubdomains returns the URLs currently marked alive.
	ListKnownSubdomains(ctx context.Context, targetID uuid.UUID) ([]string, error)
	// InsertSubdomains upserts the URLs as alive. Empty input is a no-op.
	InsertSubdomains(ctx context.Context, targetID uuid.UUID, urls []string) error
	// MarkSubdomainsMissing flags the URLs as missing. Empty input is a no-op.
	MarkSubdomainsMissing(ctx context.Context, targetID uuid.UUID, urls []string) error
	SetSubdomainTitle(ctx context.Context, targetID uuid.UUID, url, title string) error
	ListSubdomains(ctx context.Context, targetID uuid.UUID) ([]*Subdomain, error)

	GetScanRun(ctx context.Context, targetID uuid.UUID) (*ScanRun, error)
	// UpsertScanRun creates the run or replaces the row with the same ID.
	UpsertScanRun(ctx context.Context, run *ScanRun) error
	// ClaimNextQueued atomically moves the oldest queued run to running
	// and returns it, or ErrQueueEmpty.
	ClaimNextQueued(ctx context.Context, now time.Time) (*ScanRun, error)
	// ListDueScheduledRuns returns scheduled, inactive runs whose
	// next run time is at or before now.
	ListDueScheduledRuns(ctx context.Context, now time.Time) ([]*ScanRun, error)
	ListScanRuns(ctx context.Context) ([]*ScanRun, error)

	// InTx runs fn against a transactional view of the store. Any error
	// returned by fn rolls back every write made through that view. Scan
	// runs read through the view by GetScanRun or ListDueScheduledRuns
	// cannot be changed by another transaction until fn returns.
	InTx(ctx context.Context, fn func(Store) error) error

	Ping(ctx context.Context) error
	Close() error
}
