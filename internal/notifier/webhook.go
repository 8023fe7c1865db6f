package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"previewplane/internal/store"
)

// Webhook posts status updates as JSON to a single configured endpoint
// (typically a bot that turns them into PR comments).
type Webhook struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewWebhook creates a webhook notifier for the endpoint. token is sent as
// a bearer credential when non-empty.
func NewWebhook(endpoint, token string) *Webhook {
	return &Webhook{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type statusPayload struct {
	ThreadID  string `json:"thread_id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
	Requester string `json:"requester,omitempty"`
	Status
}

// PostStatus implements Notifier.
func (w *Webhook) PostStatus(ctx context.Context, meta store.RequesterMeta, status Status) error {
	body, err := json.Marshal(statusPayload{
		ThreadID:  meta.ThreadID,
		CommentID: meta.CommentID,
		Requester: meta.Requester,
		Status:    status,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("status post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notifier endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
