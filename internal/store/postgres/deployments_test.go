package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"previewplane/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db, cfg: DefaultConfig()}, mock
}

var recordCols = []string{
	"idempotency_key", "repo", "pr_number", "commit_sha", "status",
	"owner_id", "claim_generation", "claimed_at", "lease_expires_at",
	"ready_at", "expires_at", "preview_url", "resource_refs",
	"retry_count", "manual_review", "last_error", "requester_meta",
	"created_at", "updated_at",
}

func recordRow(key string, status store.Status) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(recordCols).AddRow(
		key, "acme/web", 42, "deadbeefcafe", status,
		nil, int64(1), nil, nil,
		nil, nil, nil, nil,
		0, false, nil, []byte(`{"requester":"dev"}`),
		now, now,
	)
}

func TestCreateStub_ReturnsCurrentRecord(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	key := "acme/web#42:deadbeefcafe"

	mock.ExpectExec(`INSERT INTO deployments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM deployments WHERE idempotency_key`).
		WithArgs(key).
		WillReturnRows(recordRow(key, store.StatusPending))

	rec, err := s.CreateStub(context.Background(), nil, &store.DeploymentRecord{
		IdempotencyKey: key,
		Repo:           "acme/web",
		PRNumber:       42,
		CommitSHA:      "deadbeefcafe",
	})
	if err != nil {
		t.Fatalf("CreateStub failed: %v", err)
	}
	if rec.Status != store.StatusPending {
		t.Errorf("got status %s, want pending", rec.Status)
	}
	if rec.RequesterMeta.Requester != "dev" {
		t.Errorf("requester meta not decoded: %+v", rec.RequesterMeta)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTryClaim_Won(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	key := "acme/web#42:deadbeefcafe"

	mock.ExpectQuery(`INSERT INTO deployments`).
		WillReturnRows(recordRow(key, store.StatusClaimed))

	res, err := s.TryClaim(context.Background(), &store.DeploymentRecord{
		IdempotencyKey: key,
		Repo:           "acme/web",
		PRNumber:       42,
		CommitSHA:      "deadbeefcafe",
	}, "worker-1", 7*time.Minute)
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if res.Outcome != store.ClaimWon {
		t.Errorf("got outcome %s, want won", res.Outcome)
	}
	if res.Record.IdempotencyKey != key {
		t.Errorf("got key %s, want %s", res.Record.IdempotencyKey, key)
	}
}

func TestTryClaim_AlreadyReady(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	key := "acme/web#42:deadbeefcafe"

	// CAS miss: the upsert returns no row, classification finds Ready.
	mock.ExpectQuery(`INSERT INTO deployments`).
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery(`FROM deployments WHERE idempotency_key`).
		WithArgs(key).
		WillReturnRows(recordRow(key, store.StatusReady))

	res, err := s.TryClaim(context.Background(), &store.DeploymentRecord{IdempotencyKey: key}, "worker-1", 7*time.Minute)
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if res.Outcome != store.ClaimAlreadyReady {
		t.Errorf("got outcome %s, want already_ready", res.Outcome)
	}
}

func TestTryClaim_AlreadyInProgress(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	key := "acme/web#42:deadbeefcafe"

	mock.ExpectQuery(`INSERT INTO deployments`).
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery(`FROM deployments WHERE idempotency_key`).
		WithArgs(key).
		WillReturnRows(recordRow(key, store.StatusProvisioning))

	res, err := s.TryClaim(context.Background(), &store.DeploymentRecord{IdempotencyKey: key}, "worker-1", 7*time.Minute)
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if res.Outcome != store.ClaimAlreadyInProgress {
		t.Errorf("got outcome %s, want already_in_progress", res.Outcome)
	}
}

func TestComplete_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE deployments`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Complete(context.Background(), "k", "worker-1", store.ReadyOutcome{
		PreviewURL:   "http://preview.localhost",
		ResourceRefs: store.ResourceRefs{"container_id": "abc"},
		ExpiresAt:    time.Now().Add(4 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

func TestComplete_LeaseLost(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	// Zero rows updated means the caller no longer owns the record.
	mock.ExpectExec(`UPDATE deployments`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Complete(context.Background(), "k", "worker-1", store.ReadyOutcome{})
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("got %v, want ErrLeaseLost", err)
	}
}

func TestComplete_QueryPreservesEarlierExpiry(t *testing.T) {
	// We use sqlmock NOT to test LEAST semantics, but to verify we generated
	// the SQL that defers to an earlier force-expire.
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`LEAST\(COALESCE\(expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Complete(context.Background(), "k", "worker-1", store.ReadyOutcome{}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected expiry-preserving SQL: %v", err)
	}
}

func TestFail_LeaseLost(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE deployments`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Fail(context.Background(), "k", "worker-1", "image pull failed")
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("got %v, want ErrLeaseLost", err)
	}
}

func TestRenewLease_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE deployments`).
		WithArgs("k", "worker-1", float64(420)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.RenewLease(context.Background(), "k", "worker-1", 7*time.Minute); err != nil {
		t.Fatalf("RenewLease failed: %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`FROM deployments WHERE idempotency_key`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(recordCols))

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestReclaim_ResetsToPending(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now()
	mock.ExpectQuery(`UPDATE deployments`).
		WithArgs("k", now, 5).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

	status, err := s.Reclaim(context.Background(), "k", now)
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if status != store.StatusPending {
		t.Errorf("got status %s, want pending", status)
	}
}

func TestReclaim_NoLongerStuck(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	// The owner renewed between listing and reclaiming: no row matches.
	mock.ExpectQuery(`UPDATE deployments`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	status, err := s.Reclaim(context.Background(), "k", time.Now())
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if status != "" {
		t.Errorf("got status %s, want empty", status)
	}
}

func TestForceExpire_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE deployments`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ForceExpire(context.Background(), "missing", time.Now())
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestForceExpirePullRequest_CountsTouchedRecords(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	when := time.Now()
	mock.ExpectExec(`UPDATE deployments`).
		WithArgs("acme/web", 42, when).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.ForceExpirePullRequest(context.Background(), "acme/web", 42, when)
	if err != nil {
		t.Fatalf("ForceExpirePullRequest failed: %v", err)
	}
	if n != 3 {
		t.Errorf("got %d expired, want 3", n)
	}
}

func TestMarkCleaned_IgnoresActiveClaims(t *testing.T) {
	// The guard lives in the WHERE clause; zero rows is still success.
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`status NOT IN \('claimed', 'provisioning', 'cleaned'\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.MarkCleaned(context.Background(), "k"); err != nil {
		t.Fatalf("MarkCleaned failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected claim-guarding SQL: %v", err)
	}
}
