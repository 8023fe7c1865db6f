// Package notifier reports deployment status back to the requester. From
// the core's perspective this is fire-and-forget: failures are logged, not
// retried, because the receiving system owns its own delivery retries.
package notifier

import (
	"context"

	"previewplane/internal/store"
)

// State is the reported phase of a deployment.
type State string

const (
	StateReady   State = "ready"
	StateFailed  State = "failed"
	StateExpired State = "expired"
)

// Status is one outbound status line.
type Status struct {
	IdempotencyKey string `json:"idempotency_key"`
	State          State  `json:"state"`
	PreviewURL     string `json:"preview_url,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Notifier posts status updates to wherever the requester is listening.
type Notifier interface {
	PostStatus(ctx context.Context, meta store.RequesterMeta, status Status) error
}

// Nop discards all status updates. Used when no endpoint is configured.
type Nop struct{}

// PostStatus implements Notifier.
func (Nop) PostStatus(context.Context, store.RequesterMeta, Status) error {
	return nil
}
