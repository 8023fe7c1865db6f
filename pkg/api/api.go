// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, Controller, and Worker.
package api

import (
	"fmt"
	"time"
)

// IdempotencyKey derives the canonical identity of a deployment request:
// "owner/repo#123:sha". One key, one preview environment.
func IdempotencyKey(repo string, prNumber int, commitSHA string) string {
	return fmt.Sprintf("%s#%d:%s", repo, prNumber, commitSHA)
}

// RequesterMeta identifies where status updates for a deployment should be
// posted and who asked for it.
type RequesterMeta struct {
	ThreadID  string `json:"thread_id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
	Requester string `json:"requester,omitempty"`
}

// DeployRequest is the queue message carried from intake to the workers,
// and the request body for POST /previews.
type DeployRequest struct {
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Repo           string        `json:"repo"`
	PRNumber       int           `json:"pr_number"`
	CommitSHA      string        `json:"commit_sha"`
	RequesterMeta  RequesterMeta `json:"requester_meta"`
}

// DeployResponse is the response body after requesting a preview.
type DeployResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
}

// ClosePreviewRequest is the request body for POST /previews/close.
// It force-expires every non-terminal preview for the pull request.
type ClosePreviewRequest struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`
}

// ClosePreviewResponse reports how many records were expired.
type ClosePreviewResponse struct {
	Expired int `json:"expired"`
}

// PreviewResponse represents a deployment record in API responses.
type PreviewResponse struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Repo           string        `json:"repo"`
	PRNumber       int           `json:"pr_number"`
	CommitSHA      string        `json:"commit_sha"`
	Status         string        `json:"status"`
	PreviewURL     string        `json:"preview_url,omitempty"`
	RetryCount     int           `json:"retry_count"`
	ManualReview   bool          `json:"manual_review,omitempty"`
	RequesterMeta  RequesterMeta `json:"requester_meta"`
	ClaimedAt      *time.Time    `json:"claimed_at,omitempty"`
	ReadyAt        *time.Time    `json:"ready_at,omitempty"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ListPreviewsResponse is the response body for GET /previews.
type ListPreviewsResponse struct {
	Previews []PreviewResponse `json:"previews"`
}

// ErrorResponse is the standard error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
