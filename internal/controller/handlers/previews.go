package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"previewplane/internal/store"
	"previewplane/pkg/api"
)

// CreatePreview handles POST /previews: the intake path. It records a
// Pending stub and enqueues the request in one transaction, then returns
// 202. Re-posting the same commit is harmless: the stub insert is a no-op
// and the duplicate queue message collapses at claim time.
func (h *Handlers) CreatePreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Repo == "" || req.PRNumber <= 0 || req.CommitSHA == "" {
		h.httpError(w, "repo, pr_number and commit_sha are required", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = api.IdempotencyKey(req.Repo, req.PRNumber, req.CommitSHA)
	}

	rec := &store.DeploymentRecord{
		IdempotencyKey: req.IdempotencyKey,
		Repo:           req.Repo,
		PRNumber:       req.PRNumber,
		CommitSHA:      req.CommitSHA,
		Status:         store.StatusPending,
		RequesterMeta: store.RequesterMeta{
			ThreadID:  req.RequesterMeta.ThreadID,
			CommentID: req.RequesterMeta.CommentID,
			Requester: req.RequesterMeta.Requester,
		},
	}

	payload, err := json.Marshal(req)
	if err != nil {
		h.httpError(w, "Failed to encode request", http.StatusInternalServerError)
		return
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	current, err := h.store.CreateStub(ctx, tx, rec)
	if err != nil {
		h.httpError(w, "Failed to record request", http.StatusInternalServerError)
		return
	}

	// An already-ready record needs no new message; answer with what exists.
	if current.Status != store.StatusReady {
		if _, err := h.store.Enqueue(ctx, tx, req.IdempotencyKey, payload, time.Time{}); err != nil {
			h.httpError(w, "Failed to enqueue", http.StatusInternalServerError)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		h.httpError(w, "Failed to commit transaction", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusAccepted, api.DeployResponse{
		IdempotencyKey: current.IdempotencyKey,
		Status:         string(current.Status),
	})
}

// GetPreview handles GET /previews/{key...}. The wildcard swallows the
// slashes inside keys like "acme/web#42:deadbeef".
func (h *Handlers) GetPreview(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		h.httpError(w, "Missing idempotency key", http.StatusBadRequest)
		return
	}

	rec, err := h.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Preview not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, previewResponse(rec))
}

// ListPreviews handles GET /previews?status=&limit=.
func (h *Handlers) ListPreviews(w http.ResponseWriter, r *http.Request) {
	var status store.Status
	if s := r.URL.Query().Get("status"); s != "" {
		status = store.Status(s)
		switch status {
		case store.StatusPending, store.StatusClaimed, store.StatusProvisioning,
			store.StatusReady, store.StatusFailed, store.StatusCleaned:
		default:
			h.httpError(w, "Unknown status filter", http.StatusBadRequest)
			return
		}
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 500 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := h.store.List(r.Context(), status, limit)
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}

	resp := api.ListPreviewsResponse{Previews: make([]api.PreviewResponse, 0, len(records))}
	for i := range records {
		resp.Previews = append(resp.Previews, previewResponse(&records[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// ClosePreview handles POST /previews/close: the PR-closed signal. Every
// non-terminal record of the pull request gets its expiry pulled to now;
// the sweeper does the actual teardown on its next pass.
func (h *Handlers) ClosePreview(w http.ResponseWriter, r *http.Request) {
	var req api.ClosePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Repo == "" || req.PRNumber <= 0 {
		h.httpError(w, "repo and pr_number are required", http.StatusBadRequest)
		return
	}

	expired, err := h.store.ForceExpirePullRequest(r.Context(), req.Repo, req.PRNumber, time.Now().UTC())
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.ClosePreviewResponse{Expired: expired})
}
