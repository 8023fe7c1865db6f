package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the given key.
var ErrNotFound = errors.New("deployment record not found")

// ErrLeaseLost is returned when the caller no longer owns the record it is
// trying to mutate: the lease expired and the sweeper reassigned the work.
// The caller must discard its result and apply no further side effects.
var ErrLeaseLost = errors.New("claim lease lost")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// DeploymentStore is the durable state store and claim coordinator. All
// cross-worker coordination goes through these methods; every transition is
// an atomic compare-and-swap in the database, never an in-memory lock.
type DeploymentStore interface {
	// CreateStub inserts a bare Pending record if no record exists for the
	// key yet. Returns the current record either way.
	CreateStub(ctx context.Context, tx DBTransaction, rec *DeploymentRecord) (*DeploymentRecord, error)

	// TryClaim atomically takes ownership of the record for lease. It
	// succeeds if no record exists (rec seeds the insert), or the record is
	// Pending/Failed with retry budget left, or Claimed/Provisioning with
	// an expired lease.
	TryClaim(ctx context.Context, rec *DeploymentRecord, ownerID string, lease time.Duration) (*ClaimResult, error)

	// MarkProvisioning moves a Claimed record to Provisioning. Returns
	// ErrLeaseLost if ownerID no longer owns the record.
	MarkProvisioning(ctx context.Context, key, ownerID string) error

	// RenewLease extends the lease deadline. Returns ErrLeaseLost if
	// ownership changed since the claim.
	RenewLease(ctx context.Context, key, ownerID string, extension time.Duration) error

	// Complete transitions an owned record to Ready. Returns ErrLeaseLost
	// if ownership changed; the caller must not invoke the notifier then.
	Complete(ctx context.Context, key, ownerID string, outcome ReadyOutcome) error

	// Fail transitions an owned record to Failed and increments RetryCount.
	// Once the retry budget is spent the record is flagged for manual
	// review. Returns ErrLeaseLost if ownership changed.
	Fail(ctx context.Context, key, ownerID, reason string) error

	// Get returns the record for the key, or ErrNotFound.
	Get(ctx context.Context, key string) (*DeploymentRecord, error)

	// List returns recent records, newest first. Empty status means all.
	List(ctx context.Context, status Status, limit int) ([]DeploymentRecord, error)

	// ListExpiredReady returns Ready records whose TTL deadline has passed.
	ListExpiredReady(ctx context.Context, now time.Time, limit int) ([]DeploymentRecord, error)

	// ListExpiredIdle returns Pending/Failed records whose expiry has
	// passed: previews force-expired before they ever provisioned. They
	// hold no resources and only need the terminal transition.
	ListExpiredIdle(ctx context.Context, now time.Time, limit int) ([]DeploymentRecord, error)

	// ListStuckClaims returns Claimed/Provisioning records whose lease has
	// expired without a Complete or Fail.
	ListStuckClaims(ctx context.Context, now time.Time, limit int) ([]DeploymentRecord, error)

	// ListActiveResourceRefs returns the resource refs of every record that
	// is not Cleaned, for the orphan diff.
	ListActiveResourceRefs(ctx context.Context) ([]ResourceRefs, error)

	// Reclaim spends one retry on a stuck record and resets it to Pending
	// if budget remains, or to Failed with the manual-review flag
	// otherwise. It only acts while
	// the lease is still expired, so a worker renewing in parallel wins.
	Reclaim(ctx context.Context, key string, now time.Time) (Status, error)

	// ForceExpire brings the record's expiry forward to when. It never
	// moves expiry later and ignores Cleaned records.
	ForceExpire(ctx context.Context, key string, when time.Time) error

	// ForceExpirePullRequest force-expires every non-terminal record of the
	// pull request and returns how many were touched.
	ForceExpirePullRequest(ctx context.Context, repo string, prNumber int, when time.Time) (int, error)

	// MarkCleaned transitions a record to the terminal Cleaned state after
	// its resources are gone.
	MarkCleaned(ctx context.Context, key string) error
}

// QueueMessage represents a dequeued deployment request.
type QueueMessage struct {
	ID             int64
	IdempotencyKey string
	Payload        json.RawMessage
	Attempt        int
}

// Queue defines the durable at-least-once work queue carrying deployment
// requests from intake to workers.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics.
type Queue interface {
	// Enqueue adds a request to the queue.
	Enqueue(ctx context.Context, tx DBTransaction, key string, payload json.RawMessage, visibleAfter time.Time) (int64, error)

	// Dequeue claims up to 'limit' visible messages atomically and hides
	// them for the visibility timeout. Returns nil slice if the queue is
	// empty.
	Dequeue(ctx context.Context, limit int) ([]QueueMessage, error)

	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, id int64) error

	// Nack schedules redelivery with exponential backoff. When the attempt
	// budget or retry window is spent the message is dropped instead;
	// requeued reports which happened.
	Nack(ctx context.Context, msg QueueMessage) (requeued bool, err error)

	// ExtendVisibility pushes the redelivery deadline out (heartbeat).
	ExtendVisibility(ctx context.Context, id int64, until time.Time) error

	// Depth returns the number of messages currently in the queue.
	Depth(ctx context.Context) (int64, error)
}
