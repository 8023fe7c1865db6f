// Package store contains the database layer for previewplane.
package store

import "time"

// Status represents the state of a deployment record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusClaimed      Status = "claimed"
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
	StatusCleaned      Status = "cleaned"
)

// ResourceRefs is the opaque handle to everything the provisioner needs to
// tear an environment down again. Persisted as JSONB.
type ResourceRefs map[string]string

// RequesterMeta carries the fields the notifier needs to report back.
type RequesterMeta struct {
	ThreadID  string `json:"thread_id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
	Requester string `json:"requester,omitempty"`
}

// DeploymentRecord is the durable record of one deployment attempt per
// (pull request, commit) pair. IdempotencyKey is the identity:
// "owner/repo#123:sha". There is never more than one live record per key.
type DeploymentRecord struct {
	IdempotencyKey  string
	Repo            string
	PRNumber        int
	CommitSHA       string
	Status          Status
	OwnerID         *string
	ClaimGeneration int64
	ClaimedAt       *time.Time
	LeaseExpiresAt  *time.Time
	ReadyAt         *time.Time
	ExpiresAt       *time.Time
	PreviewURL      *string
	ResourceRefs    ResourceRefs
	RetryCount      int
	ManualReview    bool
	LastError       *string
	RequesterMeta   RequesterMeta
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ClaimOutcome classifies the result of a TryClaim attempt.
type ClaimOutcome string

const (
	// ClaimWon means the caller now owns the record and must drive it to a
	// terminal state (or let the lease expire).
	ClaimWon ClaimOutcome = "won"

	// ClaimAlreadyReady means a previous attempt already provisioned the
	// environment; Record carries the preview URL.
	ClaimAlreadyReady ClaimOutcome = "already_ready"

	// ClaimAlreadyInProgress means another owner holds an unexpired lease,
	// or the record is terminal without a URL (failed past the retry
	// budget, or cleaned).
	ClaimAlreadyInProgress ClaimOutcome = "already_in_progress"
)

// ClaimResult is the outcome of TryClaim. Record is always populated.
type ClaimResult struct {
	Outcome ClaimOutcome
	Record  *DeploymentRecord
}

// ReadyOutcome is the successful completion payload for a claimed record.
type ReadyOutcome struct {
	PreviewURL   string
	ResourceRefs ResourceRefs
	ExpiresAt    time.Time
}
