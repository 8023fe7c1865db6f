package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"previewplane/pkg/api"

	"github.com/spf13/viper"
)

func TestCloseCommand_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/previews/close") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req api.ClosePreviewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if req.Repo != "acme/web" || req.PRNumber != 42 {
			t.Errorf("unexpected request: %+v", req)
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(api.ClosePreviewResponse{Expired: 2})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"close", "--repo", "acme/web", "--pr", "42"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "Marked 2 preview(s)") {
		t.Errorf("expected expired count in output, got: %s", output)
	}
	if !strings.Contains(output, "acme/web#42") {
		t.Errorf("expected PR reference in output, got: %s", output)
	}
}

func TestCloseCommand_MissingFlags(t *testing.T) {
	resetViper()
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"close", "--repo", "", "--pr", "0"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "required") {
		t.Errorf("expected required-flags message, got: %s", stdout.String())
	}
}
