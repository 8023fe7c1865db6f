package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"previewplane/internal/store"
)

const recordColumns = `
	idempotency_key, repo, pr_number, commit_sha, status,
	owner_id, claim_generation, claimed_at, lease_expires_at,
	ready_at, expires_at, preview_url, resource_refs,
	retry_count, manual_review, last_error, requester_meta,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*store.DeploymentRecord, error) {
	var rec store.DeploymentRecord
	var refsRaw, metaRaw []byte

	err := row.Scan(
		&rec.IdempotencyKey, &rec.Repo, &rec.PRNumber, &rec.CommitSHA, &rec.Status,
		&rec.OwnerID, &rec.ClaimGeneration, &rec.ClaimedAt, &rec.LeaseExpiresAt,
		&rec.ReadyAt, &rec.ExpiresAt, &rec.PreviewURL, &refsRaw,
		&rec.RetryCount, &rec.ManualReview, &rec.LastError, &metaRaw,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(refsRaw) > 0 {
		if err := json.Unmarshal(refsRaw, &rec.ResourceRefs); err != nil {
			return nil, fmt.Errorf("failed to decode resource refs for %s: %w", rec.IdempotencyKey, err)
		}
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &rec.RequesterMeta); err != nil {
			return nil, fmt.Errorf("failed to decode requester meta for %s: %w", rec.IdempotencyKey, err)
		}
	}
	return &rec, nil
}

// CreateStub inserts a bare Pending record unless one already exists, then
// returns whatever record is current for the key.
func (s *Store) CreateStub(ctx context.Context, tx store.DBTransaction, rec *store.DeploymentRecord) (*store.DeploymentRecord, error) {
	executor := s.getExecutor(tx)

	meta, err := json.Marshal(rec.RequesterMeta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode requester meta: %w", err)
	}

	_, err = executor.ExecContext(ctx, `
		INSERT INTO deployments (idempotency_key, repo, pr_number, commit_sha, status, requester_meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, rec.IdempotencyKey, rec.Repo, rec.PRNumber, rec.CommitSHA, store.StatusPending, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to create stub for %s: %w", rec.IdempotencyKey, err)
	}

	row := executor.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployments WHERE idempotency_key = $1`,
		rec.IdempotencyKey)
	return scanRecord(row)
}

// TryClaim takes ownership of the record with a single compare-and-swap
// statement. Duplicate queue deliveries of the same key collapse here: at
// most one caller observes a won claim at any instant.
func (s *Store) TryClaim(ctx context.Context, rec *store.DeploymentRecord, ownerID string, lease time.Duration) (*store.ClaimResult, error) {
	meta, err := json.Marshal(rec.RequesterMeta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode requester meta: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO deployments (
			idempotency_key, repo, pr_number, commit_sha, requester_meta,
			status, owner_id, claim_generation, claimed_at, lease_expires_at)
		VALUES ($1, $2, $3, $4, $5, 'claimed', $6, 1, NOW(), NOW() + ($7 * INTERVAL '1 second'))
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status           = 'claimed',
			owner_id         = EXCLUDED.owner_id,
			claim_generation = deployments.claim_generation + 1,
			claimed_at       = NOW(),
			lease_expires_at = NOW() + ($7 * INTERVAL '1 second'),
			last_error       = NULL,
			updated_at       = NOW()
		WHERE (deployments.status IN ('pending', 'failed') AND deployments.retry_count < $8)
		   OR (deployments.status IN ('claimed', 'provisioning') AND deployments.lease_expires_at <= NOW())
		RETURNING `+recordColumns,
		rec.IdempotencyKey, rec.Repo, rec.PRNumber, rec.CommitSHA, meta,
		ownerID, lease.Seconds(), s.cfg.MaxRetryCount)

	claimed, err := scanRecord(row)
	if err == nil {
		return &store.ClaimResult{Outcome: store.ClaimWon, Record: claimed}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim failed for %s: %w", rec.IdempotencyKey, err)
	}

	// CAS miss: classify against the current record. The row can move on
	// between these two statements; the classification is advisory and
	// every downstream action is idempotent.
	current, err := s.Get(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("claim classification failed for %s: %w", rec.IdempotencyKey, err)
	}

	if current.Status == store.StatusReady {
		return &store.ClaimResult{Outcome: store.ClaimAlreadyReady, Record: current}, nil
	}
	return &store.ClaimResult{Outcome: store.ClaimAlreadyInProgress, Record: current}, nil
}

// MarkProvisioning moves an owned record from Claimed to Provisioning.
func (s *Store) MarkProvisioning(ctx context.Context, key, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = 'provisioning', updated_at = NOW()
		WHERE idempotency_key = $1 AND owner_id = $2 AND status IN ('claimed', 'provisioning')
	`, key, ownerID)
	if err != nil {
		return fmt.Errorf("failed to mark %s provisioning: %w", key, err)
	}
	return leaseGuard(res)
}

// RenewLease extends the lease deadline for the current owner.
func (s *Store) RenewLease(ctx context.Context, key, ownerID string, extension time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET lease_expires_at = NOW() + ($3 * INTERVAL '1 second'), updated_at = NOW()
		WHERE idempotency_key = $1 AND owner_id = $2 AND status IN ('claimed', 'provisioning')
	`, key, ownerID, extension.Seconds())
	if err != nil {
		return fmt.Errorf("failed to renew lease for %s: %w", key, err)
	}
	return leaseGuard(res)
}

// Complete transitions an owned record to Ready. An earlier ForceExpire is
// preserved: the stored expiry never moves later than the requested one.
func (s *Store) Complete(ctx context.Context, key, ownerID string, outcome store.ReadyOutcome) error {
	refs, err := json.Marshal(outcome.ResourceRefs)
	if err != nil {
		return fmt.Errorf("failed to encode resource refs: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = 'ready',
		    preview_url      = $3,
		    resource_refs    = $4,
		    ready_at         = NOW(),
		    expires_at       = LEAST(COALESCE(expires_at, $5), $5),
		    owner_id         = NULL,
		    lease_expires_at = NULL,
		    updated_at       = NOW()
		WHERE idempotency_key = $1 AND owner_id = $2 AND status IN ('claimed', 'provisioning')
	`, key, ownerID, outcome.PreviewURL, refs, outcome.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to complete %s: %w", key, err)
	}
	return leaseGuard(res)
}

// Fail transitions an owned record to Failed and spends one retry. Records
// that exhaust the budget are flagged for manual review instead of being
// silently dropped.
func (s *Store) Fail(ctx context.Context, key, ownerID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = 'failed',
		    retry_count      = retry_count + 1,
		    manual_review    = (retry_count + 1 >= $3),
		    last_error       = $4,
		    owner_id         = NULL,
		    lease_expires_at = NULL,
		    updated_at       = NOW()
		WHERE idempotency_key = $1 AND owner_id = $2 AND status IN ('claimed', 'provisioning')
	`, key, ownerID, s.cfg.MaxRetryCount, reason)
	if err != nil {
		return fmt.Errorf("failed to fail %s: %w", key, err)
	}
	return leaseGuard(res)
}

func leaseGuard(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// Get returns the record for the key.
func (s *Store) Get(ctx context.Context, key string) (*store.DeploymentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployments WHERE idempotency_key = $1`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return rec, err
}

// List returns recent records, newest first. Empty status means all.
func (s *Store) List(ctx context.Context, status store.Status, limit int) ([]store.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + recordColumns + ` FROM deployments`
	args := []interface{}{limit}
	if status != "" {
		query += ` WHERE status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	return s.queryRecords(ctx, query, args...)
}

// ListExpiredReady returns Ready records whose TTL deadline has passed.
func (s *Store) ListExpiredReady(ctx context.Context, now time.Time, limit int) ([]store.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM deployments
		WHERE status = 'ready' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
}

// ListExpiredIdle returns Pending/Failed records whose expiry has passed.
func (s *Store) ListExpiredIdle(ctx context.Context, now time.Time, limit int) ([]store.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM deployments
		WHERE status IN ('pending', 'failed') AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
}

// ListStuckClaims returns in-progress records whose lease has expired.
func (s *Store) ListStuckClaims(ctx context.Context, now time.Time, limit int) ([]store.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM deployments
		WHERE status IN ('claimed', 'provisioning') AND lease_expires_at <= $1
		ORDER BY lease_expires_at ASC
		LIMIT $2
	`, now, limit)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]store.DeploymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("record query failed: %w", err)
	}
	defer rows.Close()

	var records []store.DeploymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("record scan failed: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ListActiveResourceRefs returns resource refs of every non-Cleaned record.
func (s *Store) ListActiveResourceRefs(ctx context.Context) ([]store.ResourceRefs, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_refs
		FROM deployments
		WHERE status <> 'cleaned' AND resource_refs IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("resource refs query failed: %w", err)
	}
	defer rows.Close()

	var all []store.ResourceRefs
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var refs store.ResourceRefs
		if err := json.Unmarshal(raw, &refs); err != nil {
			return nil, fmt.Errorf("failed to decode resource refs: %w", err)
		}
		all = append(all, refs)
	}
	return all, rows.Err()
}

// Reclaim resets a stuck record to Pending, or to Failed with the
// manual-review flag once the retry budget is spent. The lease guard keeps
// it from racing a worker that renewed in the meantime; in that case the
// returned status is empty and the record is left alone.
func (s *Store) Reclaim(ctx context.Context, key string, now time.Time) (store.Status, error) {
	// A stuck claim was a failed attempt: it spends one retry.
	row := s.db.QueryRowContext(ctx, `
		UPDATE deployments
		SET status = CASE WHEN retry_count + 1 < $3 THEN 'pending' ELSE 'failed' END,
		    retry_count      = retry_count + 1,
		    manual_review    = (retry_count + 1 >= $3),
		    owner_id         = NULL,
		    claimed_at       = NULL,
		    lease_expires_at = NULL,
		    updated_at       = NOW()
		WHERE idempotency_key = $1
		  AND status IN ('claimed', 'provisioning')
		  AND lease_expires_at <= $2
		RETURNING status
	`, key, now, s.cfg.MaxRetryCount)

	var status store.Status
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to reclaim %s: %w", key, err)
	}
	return status, nil
}

// ForceExpire brings the record's expiry forward. It never moves expiry
// later.
func (s *Store) ForceExpire(ctx context.Context, key string, when time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET expires_at = LEAST(COALESCE(expires_at, $2), $2), updated_at = NOW()
		WHERE idempotency_key = $1 AND status <> 'cleaned'
	`, key, when)
	if err != nil {
		return fmt.Errorf("failed to force-expire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ForceExpirePullRequest force-expires every non-terminal record of the
// pull request, across commits.
func (s *Store) ForceExpirePullRequest(ctx context.Context, repo string, prNumber int, when time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET expires_at = LEAST(COALESCE(expires_at, $3), $3), updated_at = NOW()
		WHERE repo = $1 AND pr_number = $2 AND status <> 'cleaned'
	`, repo, prNumber, when)
	if err != nil {
		return 0, fmt.Errorf("failed to force-expire %s#%d: %w", repo, prNumber, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkCleaned transitions a record to the terminal Cleaned state. Records
// with an owned, unexpired claim are left alone. Idempotent.
func (s *Store) MarkCleaned(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = 'cleaned', owner_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE idempotency_key = $1 AND status NOT IN ('claimed', 'provisioning', 'cleaned')
	`, key)
	if err != nil {
		return fmt.Errorf("failed to mark %s cleaned: %w", key, err)
	}
	return nil
}
