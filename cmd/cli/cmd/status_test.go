package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"previewplane/pkg/api"

	"github.com/spf13/viper"
)

func TestStatusCommand_Ready(t *testing.T) {
	resetViper()

	readyAt := time.Now().Add(-10 * time.Minute)
	expiresAt := time.Now().Add(3 * time.Hour)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		// The key travels path-escaped; '#' must not start a fragment.
		if !strings.Contains(r.URL.EscapedPath(), "acme%2Fweb%2342:deadbeef") &&
			!strings.Contains(r.URL.Path, "acme/web#42:deadbeef") {
			t.Errorf("unexpected path: %s", r.URL.EscapedPath())
		}

		resp := api.PreviewResponse{
			IdempotencyKey: "acme/web#42:deadbeef",
			Repo:           "acme/web",
			PRNumber:       42,
			CommitSHA:      "deadbeef",
			Status:         "ready",
			PreviewURL:     "http://preview-acme-web-pr42-deadbeef.preview.localhost",
			CreatedAt:      time.Now().Add(-15 * time.Minute),
			ReadyAt:        &readyAt,
			ExpiresAt:      &expiresAt,
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status", "acme/web#42:deadbeef"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "acme/web#42:deadbeef") {
		t.Errorf("expected key in output, got: %s", output)
	}
	if !strings.Contains(output, "ready") {
		t.Errorf("expected ready status, got: %s", output)
	}
	if !strings.Contains(output, "preview-acme-web-pr42-deadbeef.preview.localhost") {
		t.Errorf("expected preview URL, got: %s", output)
	}
	if strings.Contains(output, "Retries:") {
		t.Errorf("expected no retries line for a clean deployment, got: %s", output)
	}
}

func TestStatusCommand_FailedWithRetries(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := api.PreviewResponse{
			IdempotencyKey: "acme/web#7:cafe",
			Repo:           "acme/web",
			PRNumber:       7,
			CommitSHA:      "cafe",
			Status:         "failed",
			RetryCount:     5,
			ManualReview:   true,
			CreatedAt:      time.Now().Add(-time.Hour),
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status", "acme/web#7:cafe"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "failed") {
		t.Errorf("expected failed status, got: %s", output)
	}
	if !strings.Contains(output, "Retries:") || !strings.Contains(output, "5") {
		t.Errorf("expected retry count, got: %s", output)
	}
	if !strings.Contains(output, "manual review") {
		t.Errorf("expected manual review flag, got: %s", output)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Preview not found", Code: "404"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status", "nonexistent"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "Failed to get preview") {
		t.Errorf("expected failure message, got: %s", stdout.String())
	}
}
