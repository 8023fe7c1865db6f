// Package storetest provides an in-memory implementation of the store
// interfaces with the same compare-and-swap semantics as the PostgreSQL
// backend. It exists for tests that exercise the claim protocol, the worker
// loop, and the sweeper without a database.
package storetest

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"previewplane/internal/store"
)

// Config mirrors the policy knobs of the postgres store.
type Config struct {
	MaxRetryCount     int
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	MaxAttempts       int
	RetryWindow       time.Duration
	VisibilityTimeout time.Duration
}

// Memory is an in-memory DeploymentStore and Queue guarded by one mutex,
// which makes every method atomic the way a single SQL statement is.
type Memory struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*store.DeploymentRecord
	queue   []*message
	nextID  int64

	// Now is the clock; override in tests that need to travel in time.
	Now func() time.Time
}

type message struct {
	id           int64
	key          string
	payload      json.RawMessage
	attempt      int
	visibleAfter time.Time
	deliverUntil time.Time
	enqueuedAt   time.Time
}

// New returns an empty Memory store.
func New(cfg Config) *Memory {
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 300 * time.Second
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = time.Hour
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &Memory{
		cfg:     cfg,
		records: make(map[string]*store.DeploymentRecord),
		Now:     time.Now,
	}
}

var (
	_ store.DeploymentStore = (*Memory)(nil)
	_ store.Queue           = (*Memory)(nil)
)

func clone(rec *store.DeploymentRecord) *store.DeploymentRecord {
	cp := *rec
	if rec.ResourceRefs != nil {
		cp.ResourceRefs = make(store.ResourceRefs, len(rec.ResourceRefs))
		for k, v := range rec.ResourceRefs {
			cp.ResourceRefs[k] = v
		}
	}
	return &cp
}

// Seed inserts a record as-is, bypassing the claim protocol. Tests use it
// to construct states the public API cannot reach directly.
func (m *Memory) Seed(rec *store.DeploymentRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.IdempotencyKey] = clone(rec)
}

// CreateStub inserts a bare Pending record if absent.
func (m *Memory) CreateStub(_ context.Context, _ store.DBTransaction, rec *store.DeploymentRecord) (*store.DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.IdempotencyKey]; ok {
		return clone(existing), nil
	}
	now := m.Now()
	stub := &store.DeploymentRecord{
		IdempotencyKey: rec.IdempotencyKey,
		Repo:           rec.Repo,
		PRNumber:       rec.PRNumber,
		CommitSHA:      rec.CommitSHA,
		RequesterMeta:  rec.RequesterMeta,
		Status:         store.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.records[rec.IdempotencyKey] = stub
	return clone(stub), nil
}

// TryClaim implements the claim CAS.
func (m *Memory) TryClaim(_ context.Context, rec *store.DeploymentRecord, ownerID string, lease time.Duration) (*store.ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	existing, ok := m.records[rec.IdempotencyKey]
	if !ok {
		deadline := now.Add(lease)
		fresh := &store.DeploymentRecord{
			IdempotencyKey:  rec.IdempotencyKey,
			Repo:            rec.Repo,
			PRNumber:        rec.PRNumber,
			CommitSHA:       rec.CommitSHA,
			RequesterMeta:   rec.RequesterMeta,
			Status:          store.StatusClaimed,
			OwnerID:         &ownerID,
			ClaimGeneration: 1,
			ClaimedAt:       &now,
			LeaseExpiresAt:  &deadline,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		m.records[rec.IdempotencyKey] = fresh
		return &store.ClaimResult{Outcome: store.ClaimWon, Record: clone(fresh)}, nil
	}

	claimable := false
	switch existing.Status {
	case store.StatusPending, store.StatusFailed:
		claimable = existing.RetryCount < m.cfg.MaxRetryCount
	case store.StatusClaimed, store.StatusProvisioning:
		claimable = existing.LeaseExpiresAt != nil && !existing.LeaseExpiresAt.After(now)
	}

	if claimable {
		deadline := now.Add(lease)
		existing.Status = store.StatusClaimed
		existing.OwnerID = &ownerID
		existing.ClaimGeneration++
		existing.ClaimedAt = &now
		existing.LeaseExpiresAt = &deadline
		existing.LastError = nil
		existing.UpdatedAt = now
		return &store.ClaimResult{Outcome: store.ClaimWon, Record: clone(existing)}, nil
	}

	if existing.Status == store.StatusReady {
		return &store.ClaimResult{Outcome: store.ClaimAlreadyReady, Record: clone(existing)}, nil
	}
	return &store.ClaimResult{Outcome: store.ClaimAlreadyInProgress, Record: clone(existing)}, nil
}

func (m *Memory) owned(key, ownerID string) (*store.DeploymentRecord, bool) {
	rec, ok := m.records[key]
	if !ok || rec.OwnerID == nil || *rec.OwnerID != ownerID {
		return nil, false
	}
	if rec.Status != store.StatusClaimed && rec.Status != store.StatusProvisioning {
		return nil, false
	}
	return rec, true
}

// MarkProvisioning moves an owned record to Provisioning.
func (m *Memory) MarkProvisioning(_ context.Context, key, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.owned(key, ownerID)
	if !ok {
		return store.ErrLeaseLost
	}
	rec.Status = store.StatusProvisioning
	rec.UpdatedAt = m.Now()
	return nil
}

// RenewLease extends the lease deadline for the current owner.
func (m *Memory) RenewLease(_ context.Context, key, ownerID string, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.owned(key, ownerID)
	if !ok {
		return store.ErrLeaseLost
	}
	deadline := m.Now().Add(extension)
	rec.LeaseExpiresAt = &deadline
	rec.UpdatedAt = m.Now()
	return nil
}

// Complete transitions an owned record to Ready.
func (m *Memory) Complete(_ context.Context, key, ownerID string, outcome store.ReadyOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.owned(key, ownerID)
	if !ok {
		return store.ErrLeaseLost
	}
	now := m.Now()
	expires := outcome.ExpiresAt
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(expires) {
		expires = *rec.ExpiresAt
	}
	url := outcome.PreviewURL
	rec.Status = store.StatusReady
	rec.PreviewURL = &url
	rec.ResourceRefs = outcome.ResourceRefs
	rec.ReadyAt = &now
	rec.ExpiresAt = &expires
	rec.OwnerID = nil
	rec.LeaseExpiresAt = nil
	rec.UpdatedAt = now
	return nil
}

// Fail transitions an owned record to Failed and spends one retry.
func (m *Memory) Fail(_ context.Context, key, ownerID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.owned(key, ownerID)
	if !ok {
		return store.ErrLeaseLost
	}
	rec.Status = store.StatusFailed
	rec.RetryCount++
	rec.ManualReview = rec.RetryCount >= m.cfg.MaxRetryCount
	rec.LastError = &reason
	rec.OwnerID = nil
	rec.LeaseExpiresAt = nil
	rec.UpdatedAt = m.Now()
	return nil
}

// Get returns the record for the key.
func (m *Memory) Get(_ context.Context, key string) (*store.DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(rec), nil
}

// List returns records, newest first is not guaranteed here; tests that
// care about order sort themselves.
func (m *Memory) List(_ context.Context, status store.Status, limit int) ([]store.DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.DeploymentRecord
	for _, rec := range m.records {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, *clone(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListExpiredReady returns Ready records whose TTL deadline has passed.
func (m *Memory) ListExpiredReady(_ context.Context, now time.Time, limit int) ([]store.DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.DeploymentRecord
	for _, rec := range m.records {
		if rec.Status == store.StatusReady && rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			out = append(out, *clone(rec))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ListExpiredIdle returns Pending/Failed records whose expiry has passed.
func (m *Memory) ListExpiredIdle(_ context.Context, now time.Time, limit int) ([]store.DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.DeploymentRecord
	for _, rec := range m.records {
		idle := rec.Status == store.StatusPending || rec.Status == store.StatusFailed
		if idle && rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			out = append(out, *clone(rec))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ListStuckClaims returns in-progress records whose lease has expired.
func (m *Memory) ListStuckClaims(_ context.Context, now time.Time, limit int) ([]store.DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.DeploymentRecord
	for _, rec := range m.records {
		inProgress := rec.Status == store.StatusClaimed || rec.Status == store.StatusProvisioning
		if inProgress && rec.LeaseExpiresAt != nil && !rec.LeaseExpiresAt.After(now) {
			out = append(out, *clone(rec))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ListActiveResourceRefs returns resource refs of every non-Cleaned record.
func (m *Memory) ListActiveResourceRefs(_ context.Context) ([]store.ResourceRefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.ResourceRefs
	for _, rec := range m.records {
		if rec.Status != store.StatusCleaned && rec.ResourceRefs != nil {
			out = append(out, clone(rec).ResourceRefs)
		}
	}
	return out, nil
}

// Reclaim resets a stuck record to Pending or Failed.
func (m *Memory) Reclaim(_ context.Context, key string, now time.Time) (store.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return "", nil
	}
	inProgress := rec.Status == store.StatusClaimed || rec.Status == store.StatusProvisioning
	if !inProgress || rec.LeaseExpiresAt == nil || rec.LeaseExpiresAt.After(now) {
		return "", nil
	}

	// A stuck claim was a failed attempt: it spends one retry.
	rec.RetryCount++
	if rec.RetryCount < m.cfg.MaxRetryCount {
		rec.Status = store.StatusPending
	} else {
		rec.Status = store.StatusFailed
		rec.ManualReview = true
	}
	rec.OwnerID = nil
	rec.ClaimedAt = nil
	rec.LeaseExpiresAt = nil
	rec.UpdatedAt = m.Now()
	return rec.Status, nil
}

// ForceExpire brings the record's expiry forward, never later.
func (m *Memory) ForceExpire(_ context.Context, key string, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || rec.Status == store.StatusCleaned {
		return store.ErrNotFound
	}
	forceExpire(rec, when, m.Now())
	return nil
}

// ForceExpirePullRequest force-expires every non-terminal record of the PR.
func (m *Memory) ForceExpirePullRequest(_ context.Context, repo string, prNumber int, when time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rec := range m.records {
		if rec.Repo == repo && rec.PRNumber == prNumber && rec.Status != store.StatusCleaned {
			forceExpire(rec, when, m.Now())
			count++
		}
	}
	return count, nil
}

func forceExpire(rec *store.DeploymentRecord, when, now time.Time) {
	if rec.ExpiresAt == nil || rec.ExpiresAt.After(when) {
		w := when
		rec.ExpiresAt = &w
	}
	rec.UpdatedAt = now
}

// MarkCleaned transitions a record to the terminal Cleaned state.
func (m *Memory) MarkCleaned(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	if rec.Status == store.StatusClaimed || rec.Status == store.StatusProvisioning || rec.Status == store.StatusCleaned {
		return nil
	}
	rec.Status = store.StatusCleaned
	rec.OwnerID = nil
	rec.LeaseExpiresAt = nil
	rec.UpdatedAt = m.Now()
	return nil
}

// Enqueue adds a request to the in-memory queue.
func (m *Memory) Enqueue(_ context.Context, _ store.DBTransaction, key string, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	if visibleAfter.IsZero() {
		visibleAfter = now
	}
	m.nextID++
	m.queue = append(m.queue, &message{
		id:           m.nextID,
		key:          key,
		payload:      payload,
		visibleAfter: visibleAfter,
		deliverUntil: now.Add(m.cfg.RetryWindow),
		enqueuedAt:   now,
	})
	return m.nextID, nil
}

// Dequeue claims up to limit visible messages.
func (m *Memory) Dequeue(_ context.Context, limit int) ([]store.QueueMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 1
	}
	now := m.Now()
	var out []store.QueueMessage
	for _, msg := range m.queue {
		if msg.visibleAfter.After(now) {
			continue
		}
		msg.attempt++
		msg.visibleAfter = now.Add(m.cfg.VisibilityTimeout)
		out = append(out, store.QueueMessage{
			ID:             msg.id,
			IdempotencyKey: msg.key,
			Payload:        msg.payload,
			Attempt:        msg.attempt,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Ack removes a message permanently.
func (m *Memory) Ack(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(id)
	return nil
}

func (m *Memory) remove(id int64) {
	for i, msg := range m.queue {
		if msg.id == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// Nack schedules redelivery with backoff, or drops on exhaustion.
func (m *Memory) Nack(_ context.Context, qm store.QueueMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qm.Attempt >= m.cfg.MaxAttempts {
		m.remove(qm.ID)
		return false, nil
	}
	now := m.Now()
	for _, msg := range m.queue {
		if msg.id != qm.ID {
			continue
		}
		if !msg.deliverUntil.After(now) {
			m.remove(qm.ID)
			return false, nil
		}
		backoff := m.cfg.MinBackoff
		for i := 1; i < qm.Attempt; i++ {
			backoff *= 2
			if backoff >= m.cfg.MaxBackoff {
				backoff = m.cfg.MaxBackoff
				break
			}
		}
		msg.visibleAfter = now.Add(backoff)
		return true, nil
	}
	return false, nil
}

// ExtendVisibility pushes the redelivery deadline out.
func (m *Memory) ExtendVisibility(_ context.Context, id int64, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.queue {
		if msg.id == id {
			msg.visibleAfter = until
		}
	}
	return nil
}

// Depth returns the number of queued messages.
func (m *Memory) Depth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queue)), nil
}

// BeginTx returns a no-op transaction. Memory methods are atomic on their
// own; the transaction only carries the commit/rollback protocol.
func (m *Memory) BeginTx(context.Context) (store.Tx, error) {
	return nopTx{}, nil
}

// Ping reports the store as reachable.
func (m *Memory) Ping(context.Context) error {
	return nil
}

type nopTx struct{}

func (nopTx) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (nopTx) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, nil
}

func (nopTx) QueryRowContext(context.Context, string, ...interface{}) *sql.Row {
	return nil
}

func (nopTx) Commit() error { return nil }

func (nopTx) Rollback() error { return nil }
