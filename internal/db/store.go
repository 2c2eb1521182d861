package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/anstrom/subwatch/internal/errors"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/store"
)

const scanRunColumns = `id, target_id, status, is_scheduled, waiting_minutes, next_run_time,
	last_error, created_at, updated_at, started_at, completed_at`

// Store implements store.Store on top of sqlx. Queries are written with
// "?" placeholders and rebound for the connection's dialect.
type Store struct {
	db  *DB
	q   sqlx.ExtContext
	tx  *sqlx.Tx
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// NewStore creates a store backed by db.
func NewStore(db *DB) *Store {
	return &Store{db: db, q: db.DB, now: time.Now}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func (s *Store) rebind(query string) string {
	return s.q.Rebind(query)
}

// rowLock returns the clause that locks selected scan runs until the
// surrounding transaction ends. SQLite transactions take the write lock
// at BEGIN, so only PostgreSQL needs it.
func (s *Store) rowLock() string {
	if s.tx != nil && s.db.Dialect() == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// CreateTarget implements store.Store.
func (s *Store) CreateTarget(ctx context.Context, target *store.Target) error {
	if target.ID == uuid.Nil {
		target.ID = uuid.New()
	}
	if target.CreatedAt.IsZero() {
		target.CreatedAt = s.timestamp()
	}

	query := `INSERT INTO targets (id, name, url, created_at) VALUES (:id, :name, :url, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, s.q, query, target); err != nil {
		return sanitizeDBError("create target", err)
	}
	return nil
}

// GetTarget implements store.Store.
func (s *Store) GetTarget(ctx context.Context, targetID uuid.UUID) (*store.Target, error) {
	var target store.Target
	query := s.rebind(`SELECT id, name, url, created_at FROM targets WHERE id = ?`)

	if err := sqlx.GetContext(ctx, s.q, &target, query, targetID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrTargetNotFound(targetID.String())
		}
		return nil, sanitizeDBError("get target", err)
	}
	return &target, nil
}

// GetTargetDomain implements store.Store.
func (s *Store) GetTargetDomain(ctx context.Context, targetID uuid.UUID) (string, error) {
	target, err := s.GetTarget(ctx, targetID)
	if err != nil {
		return "", err
	}
	return target.Domain(), nil
}

// ListKnownSubdomains implements store.Store.
func (s *Store) ListKnownSubdomains(ctx context.Context, targetID uuid.UUID) ([]string, error) {
	urls := []string{}
	query := s.rebind(`SELECT url FROM subdomains WHERE target_id = ? AND status = ? ORDER BY url`)

	if err := sqlx.SelectContext(ctx, s.q, &urls, query, targetID, store.SubdomainAlive); err != nil {
		return nil, sanitizeDBError("list known subdomains", err)
	}
	return urls, nil
}

// InsertSubdomains implements store.Store. Outside a transaction the batch
// is wrapped in one so it applies atomically.
func (s *Store) InsertSubdomains(ctx context.Context, targetID uuid.UUID, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if s.tx == nil {
		return s.InTx(ctx, func(tx store.Store) error {
			return tx.InsertSubdomains(ctx, targetID, urls)
		})
	}

	now := s.timestamp()
	query := s.rebind(`
		INSERT INTO subdomains (id, target_id, url, status, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (target_id, url) DO UPDATE SET status = excluded.status, last_seen = excluded.last_seen`)

	for _, u := range urls {
		if _, err := s.q.ExecContext(ctx, query, uuid.New(), targetID, u, store.SubdomainAlive, now, now); err != nil {
			return sanitizeDBError("insert subdomains", err)
		}
	}
	return nil
}

// MarkSubdomainsMissing implements store.Store.
func (s *Store) MarkSubdomainsMissing(ctx context.Context, targetID uuid.UUID, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`UPDATE subdomains SET status = ? WHERE target_id = ? AND url IN (?)`,
		store.SubdomainMissing, targetID, urls)
	if err != nil {
		return sanitizeDBError("mark subdomains missing", err)
	}

	if _, err := s.q.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return sanitizeDBError("mark subdomains missing", err)
	}
	return nil
}

// SetSubdomainTitle implements store.Store.
func (s *Store) SetSubdomainTitle(ctx context.Context, targetID uuid.UUID, url, title string) error {
	query := s.rebind(`UPDATE subdomains SET title = ? WHERE target_id = ? AND url = ?`)

	result, err := s.q.ExecContext(ctx, query, title, targetID, url)
	if err != nil {
		return sanitizeDBError("set subdomain title", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return sanitizeDBError("get rows affected", err)
	}
	if rowsAffected == 0 {
		return errors.NewDatabaseError(errors.CodeNotFound, "Subdomain not found")
	}
	return nil
}

// ListSubdomains implements store.Store.
func (s *Store) ListSubdomains(ctx context.Context, targetID uuid.UUID) ([]*store.Subdomain, error) {
	var subdomains []*store.Subdomain
	query := s.rebind(`
		SELECT id, target_id, url, title, status, first_seen, last_seen
		FROM subdomains WHERE target_id = ? ORDER BY url`)

	if err := sqlx.SelectContext(ctx, s.q, &subdomains, query, targetID); err != nil {
		return nil, sanitizeDBError("list subdomains", err)
	}
	return subdomains, nil
}

// GetScanRun implements store.Store. Inside a transaction the row stays
// locked until commit so a read-modify-write cannot overwrite a claim.
func (s *Store) GetScanRun(ctx context.Context, targetID uuid.UUID) (*store.ScanRun, error) {
	var run store.ScanRun
	query := s.rebind(`SELECT ` + scanRunColumns + ` FROM scan_runs WHERE target_id = ?` + s.rowLock())

	if err := sqlx.GetContext(ctx, s.q, &run, query, targetID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrScanRunNotFound(targetID.String())
		}
		return nil, sanitizeDBError("get scan run", err)
	}
	return &run, nil
}

// UpsertScanRun implements store.Store.
func (s *Store) UpsertScanRun(ctx context.Context, run *store.ScanRun) error {
	now := s.timestamp()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}

	query := `
		INSERT INTO scan_runs (` + scanRunColumns + `)
		VALUES (:id, :target_id, :status, :is_scheduled, :waiting_minutes, :next_run_time,
			:last_error, :created_at, :updated_at, :started_at, :completed_at)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			is_scheduled = excluded.is_scheduled,
			waiting_minutes = excluded.waiting_minutes,
			next_run_time = excluded.next_run_time,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`

	if _, err := sqlx.NamedExecContext(ctx, s.q, query, run); err != nil {
		return sanitizeDBError("upsert scan run", err)
	}
	return nil
}

// ClaimNextQueued implements store.Store. The select and the status flip
// are one statement; on PostgreSQL concurrent claimers skip the locked row.
func (s *Store) ClaimNextQueued(ctx context.Context, now time.Time) (*store.ScanRun, error) {
	lock := ""
	if s.db.Dialect() == DriverPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	query := s.rebind(`
		UPDATE scan_runs
		SET status = ?, started_at = ?, completed_at = NULL, updated_at = ?
		WHERE id = (
			SELECT id FROM scan_runs
			WHERE status = ?
			ORDER BY created_at, id
			LIMIT 1` + lock + `
		)
		RETURNING ` + scanRunColumns)

	now = now.UTC()
	var run store.ScanRun
	err := sqlx.GetContext(ctx, s.q, &run, query, store.StatusRunning, now, now, store.StatusQueued)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrQueueEmpty
		}
		return nil, sanitizeDBError("claim next queued run", err)
	}
	return &run, nil
}

// ListDueScheduledRuns implements store.Store.
func (s *Store) ListDueScheduledRuns(ctx context.Context, now time.Time) ([]*store.ScanRun, error) {
	var runs []*store.ScanRun
	query := s.rebind(`
		SELECT ` + scanRunColumns + `
		FROM scan_runs
		WHERE is_scheduled = ? AND next_run_time IS NOT NULL AND next_run_time <= ?
			AND status NOT IN (?, ?)
		ORDER BY created_at, id` + s.rowLock())

	err := sqlx.SelectContext(ctx, s.q, &runs, query, true, now.UTC(), store.StatusQueued, store.StatusRunning)
	if err != nil {
		return nil, sanitizeDBError("list due scheduled runs", err)
	}
	return runs, nil
}

// ListScanRuns implements store.Store.
func (s *Store) ListScanRuns(ctx context.Context) ([]*store.ScanRun, error) {
	var runs []*store.ScanRun
	query := `SELECT ` + scanRunColumns + ` FROM scan_runs ORDER BY created_at, id`

	if err := sqlx.SelectContext(ctx, s.q, &runs, query); err != nil {
		return nil, sanitizeDBError("list scan runs", err)
	}
	return runs, nil
}

// InTx implements store.Store. A store already inside a transaction runs
// fn in that transaction.
func (s *Store) InTx(ctx context.Context, fn func(store.Store) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin transaction", err)
	}

	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			logging.ErrorDatabase("Failed to roll back transaction", rbErr)
		}
	}()

	if err = fn(&Store{db: s.db, q: tx, tx: tx, now: s.now}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return sanitizeDBError("commit transaction", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseConnection, "database ping failed", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	if s.tx != nil {
		return fmt.Errorf("close called on a transaction view")
	}
	return s.db.Close()
}
