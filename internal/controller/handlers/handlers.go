// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"previewplane/internal/store"
	"previewplane/pkg/api"
)

// StoreFactory combines the interfaces the controller needs.
type StoreFactory interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	Ping(ctx context.Context) error
	store.DeploymentStore
	store.Queue
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store StoreFactory
}

// New creates a new Handlers instance with the given store dependency.
func New(s StoreFactory) *Handlers {
	return &Handlers{store: s}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// previewResponse converts a record into its API representation.
func previewResponse(rec *store.DeploymentRecord) api.PreviewResponse {
	resp := api.PreviewResponse{
		IdempotencyKey: rec.IdempotencyKey,
		Repo:           rec.Repo,
		PRNumber:       rec.PRNumber,
		CommitSHA:      rec.CommitSHA,
		Status:         string(rec.Status),
		RetryCount:     rec.RetryCount,
		ManualReview:   rec.ManualReview,
		RequesterMeta: api.RequesterMeta{
			ThreadID:  rec.RequesterMeta.ThreadID,
			CommentID: rec.RequesterMeta.CommentID,
			Requester: rec.RequesterMeta.Requester,
		},
		ClaimedAt: rec.ClaimedAt,
		ReadyAt:   rec.ReadyAt,
		ExpiresAt: rec.ExpiresAt,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.PreviewURL != nil {
		resp.PreviewURL = *rec.PreviewURL
	}
	return resp
}
