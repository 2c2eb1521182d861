// Package memory implements store.Store in process memory. It backs tests
// and single-process deployments that do not need a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/subwatch/internal/errors"
	"github.com/anstrom/subwatch/internal/store"
)

// Store is a mutex-guarded in-memory store. InTx works on a copy of the
// data and swaps it in only when the callback succeeds.
type Store struct {
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{data: newState(), now: time.Now}
}

// SetClock overrides the time source used for subdomain timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateTarget implements store.Store.
func (s *Store) CreateTarget(_ context.Context, target *store.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createTarget(target, s.now())
}

// GetTarget implements store.Store.
func (s *Store) GetTarget(_ context.Context, targetID uuid.UUID) (*store.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getTarget(targetID)
}

// GetTargetDomain implements store.Store.
func (s *Store) GetTargetDomain(_ context.Context, targetID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.data.getTarget(targetID)
	if err != nil {
		return "", err
	}
	return t.Domain(), nil
}

// ListKnownSubdomains implements store.Store.
func (s *Store) ListKnownSubdomains(_ context.Context, targetID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.knownSubdomains(targetID), nil
}

// InsertSubdomains implements store.Store.
func (s *Store) InsertSubdomains(_ context.Context, targetID uuid.UUID, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.insertSubdomains(targetID, urls, s.now())
}

// MarkSubdomainsMissing implements store.Store.
func (s *Store) MarkSubdomainsMissing(_ context.Context, targetID uuid.UUID, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.markMissing(targetID, urls)
	return nil
}

// SetSubdomainTitle implements store.Store.
func (s *Store) SetSubdomainTitle(_ context.Context, targetID uuid.UUID, url, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.setTitle(targetID, url, title)
}

// ListSubdomains implements store.Store.
func (s *Store) ListSubdomains(_ context.Context, targetID uuid.UUID) ([]*store.Subdomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listSubdomains(targetID), nil
}

// GetScanRun implements store.Store.
func (s *Store) GetScanRun(_ context.Context, targetID uuid.UUID) (*store.ScanRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getScanRun(targetID)
}

// UpsertScanRun implements store.Store.
func (s *Store) UpsertScanRun(_ context.Context, run *store.ScanRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.upsertScanRun(run, s.now())
}

// ClaimNextQueued implements store.Store.
func (s *Store) ClaimNextQueued(_ context.Context, now time.Time) (*store.ScanRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.claimNext(now)
}

// ListDueScheduledRuns implements store.Store.
func (s *Store) ListDueScheduledRuns(_ context.Context, now time.Time) ([]*store.ScanRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.dueRuns(now), nil
}

// ListScanRuns implements store.Store.
func (s *Store) ListScanRuns(_ context.Context) ([]*store.ScanRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listRuns(), nil
}

// InTx implements store.Store. The store lock is held for the duration of
// fn, so transactions are fully serialized.
func (s *Store) InTx(ctx context.Context, fn func(store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txStore{data: s.data.clone(), now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapDatabaseError(errors.CodeCanceled, "transaction canceled", err)
	}
	s.data = tx.data
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

// txStore is the view handed to InTx callbacks. The parent lock is already
// held, so it touches its private copy directly.
type txStore struct {
	data *state
	now  func() time.Time
}

func (t *txStore) CreateTarget(_ context.Context, target *store.Target) error {
	return t.data.createTarget(target, t.now())
}

func (t *txStore) GetTarget(_ context.Context, targetID uuid.UUID) (*store.Target, error) {
	return t.data.getTarget(targetID)
}

func (t *txStore) GetTargetDomain(_ context.Context, targetID uuid.UUID) (string, error) {
	target, err := t.data.getTarget(targetID)
	if err != nil {
		return "", err
	}
	return target.Domain(), nil
}

func (t *txStore) ListKnownSubdomains(_ context.Context, targetID uuid.UUID) ([]string, error) {
	return t.data.knownSubdomains(targetID), nil
}

func (t *txStore) InsertSubdomains(_ context.Context, targetID uuid.UUID, urls []string) error {
	return t.data.insertSubdomains(targetID, urls, t.now())
}

func (t *txStore) MarkSubdomainsMissing(_ context.Context, targetID uuid.UUID, urls []string) error {
	t.data.markMissing(targetID, urls)
	return nil
}

func (t *txStore) SetSubdomainTitle(_ context.Context, targetID uuid.UUID, url, title string) error {
	return t.data.setTitle(targetID, url, title)
}

func (t *txStore) ListSubdomains(_ context.Context, targetID uuid.UUID) ([]*store.Subdomain, error) {
	return t.data.listSubdomains(targetID), nil
}

func (t *txStore) GetScanRun(_ context.Context, targetID uuid.UUID) (*store.ScanRun, error) {
	return t.data.getScanRun(targetID)
}

func (t *txStore) UpsertScanRun(_ context.Context, run *store.ScanRun) error {
	return t.data.upsertScanRun(run, t.now())
}

func (t *txStore) ClaimNextQueued(_ context.Context, now time.Time) (*store.ScanRun, error) {
	return t.data.claimNext(now)
}

func (t *txStore) ListDueScheduledRuns(_ context.Context, now time.Time) ([]*store.ScanRun, error) {
	return t.data.dueRuns(now), nil
}

func (t *txStore) ListScanRuns(_ context.Context) ([]*store.ScanRun, error) {
	return t.data.listRuns(), nil
}

// InTx on a transaction view joins the enclosing transaction.
func (t *txStore) InTx(_ context.Context, fn func(store.Store) error) error {
	return fn(t)
}

func (t *txStore) Ping(ctx context.Context) error { return ctx.Err() }

func (t *txStore) Close() error { return nil }

type state struct {
	targets    map[uuid.UUID]store.Target
	subdomains map[uuid.UUID]map[string]store.Subdomain
	runs       map[uuid.UUID]store.ScanRun // keyed by target ID
}

func newState() *state {
	return &state{
		targets:    make(map[uuid.UUID]store.Target),
		subdomains: make(map[uuid.UUID]map[string]store.Subdomain),
		runs:       make(map[uuid.UUID]store.ScanRun),
	}
}

func (st *state) clone() *state {
	c := newState()
	for id, t := range st.targets {
		c.targets[id] = t
	}
	for id, subs := range st.subdomains {
		m := make(map[string]store.Subdomain, len(subs))
		for u, sd := range subs {
			m[u] = sd
		}
		c.subdomains[id] = m
	}
	for id, r := range st.runs {
		c.runs[id] = r
	}
	return c
}

func (st *state) createTarget(target *store.Target, now time.Time) error {
	if target.ID == uuid.Nil {
		target.ID = uuid.New()
	}
	if _, exists := st.targets[target.ID]; exists {
		return errors.NewDatabaseError(errors.CodeConflict, "Resource already exists")
	}
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	st.targets[target.ID] = *target
	return nil
}

func (st *state) getTarget(targetID uuid.UUID) (*store.Target, error) {
	t, ok := st.targets[targetID]
	if !ok {
		return nil, errors.ErrTargetNotFound(targetID.String())
	}
	return &t, nil
}

func (st *state) knownSubdomains(targetID uuid.UUID) []string {
	urls := make([]string, 0, len(st.subdomains[targetID]))
	for u, sd := range st.subdomains[targetID] {
		if sd.Status == store.SubdomainAlive {
			urls = append(urls, u)
		}
	}
	sort.Strings(urls)
	return urls
}

func (st *state) insertSubdomains(targetID uuid.UUID, urls []string, now time.Time) error {
	if len(urls) == 0 {
		return nil
	}
	if _, ok := st.targets[targetID]; !ok {
		return errors.NewDatabaseError(errors.CodeValidation, "Referenced resource does not exist")
	}
	subs, ok := st.subdomains[targetID]
	if !ok {
		subs = make(map[string]store.Subdomain)
		st.subdomains[targetID] = subs
	}
	for _, u := range urls {
		sd, exists := subs[u]
		if !exists {
			sd = store.Subdomain{ID: uuid.New(), TargetID: targetID, URL: u, FirstSeen: now}
		}
		sd.Status = store.SubdomainAlive
		sd.LastSeen = now
		subs[u] = sd
	}
	return nil
}

func (st *state) markMissing(targetID uuid.UUID, urls []string) {
	subs := st.subdomains[targetID]
	for _, u := range urls {
		if sd, ok := subs[u]; ok {
			sd.Status = store.SubdomainMissing
			subs[u] = sd
		}
	}
}

func (st *state) setTitle(targetID uuid.UUID, url, title string) error {
	sd, ok := st.subdomains[targetID][url]
	if !ok {
		return errors.NewDatabaseError(errors.CodeNotFound, "Resource not found")
	}
	sd.Title = &title
	st.subdomains[targetID][url] = sd
	return nil
}

func (st *state) listSubdomains(targetID uuid.UUID) []*store.Subdomain {
	out := make([]*store.Subdomain, 0, len(st.subdomains[targetID]))
	for _, sd := range st.subdomains[targetID] {
		sd := sd
		out = append(out, &sd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (st *state) getScanRun(targetID uuid.UUID) (*store.ScanRun, error) {
	r, ok := st.runs[targetID]
	if !ok {
		return nil, errors.ErrScanRunNotFound(targetID.String())
	}
	return &r, nil
}

func (st *state) upsertScanRun(run *store.ScanRun, now time.Time) error {
	if _, ok := st.targets[run.TargetID]; !ok {
		return errors.NewDatabaseError(errors.CodeValidation, "Referenced resource does not exist")
	}
	if existing, ok := st.runs[run.TargetID]; ok && existing.ID != run.ID {
		return errors.NewDatabaseError(errors.CodeConflict, "Resource already exists")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	st.runs[run.TargetID] = *run
	return nil
}

func (st *state) claimNext(now time.Time) (*store.ScanRun, error) {
	var next *store.ScanRun
	for _, r := range st.runs {
		if r.Status != store.StatusQueued {
			continue
		}
		if next == nil || older(&r, next) {
			r := r
			next = &r
		}
	}
	if next == nil {
		return nil, store.ErrQueueEmpty
	}
	next.Status = store.StatusRunning
	next.StartedAt = &now
	next.CompletedAt = nil
	next.UpdatedAt = now
	st.runs[next.TargetID] = *next
	return next, nil
}

func (st *state) dueRuns(now time.Time) []*store.ScanRun {
	var out []*store.ScanRun
	for _, r := range st.runs {
		if !r.IsScheduled || r.NextRunTime == nil || r.NextRunTime.After(now) || r.Active() {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return older(out[i], out[j]) })
	return out
}

func (st *state) listRuns() []*store.ScanRun {
	out := make([]*store.ScanRun, 0, len(st.runs))
	for _, r := range st.runs {
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return older(out[i], out[j]) })
	return out
}

// older orders runs by creation time, then ID.
func older(a, b *store.ScanRun) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
