package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"previewplane/pkg/api"
)

// PreviewClient handles API calls to the previewplane controller.
type PreviewClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewPreviewClient creates a new client with the given base URL and token.
func NewPreviewClient(baseURL, token string) *PreviewClient {
	return &PreviewClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *PreviewClient) do(method, endpoint string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// RequestPreview sends POST /previews to request a preview environment.
func (c *PreviewClient) RequestPreview(req api.DeployRequest) (*api.DeployResponse, error) {
	var result api.DeployResponse
	if err := c.do(http.MethodPost, fmt.Sprintf("%s/previews", c.BaseURL), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPreview sends GET /previews/{key} to retrieve a single record.
func (c *PreviewClient) GetPreview(key string) (*api.PreviewResponse, error) {
	endpoint := fmt.Sprintf("%s/previews/%s", c.BaseURL, url.PathEscape(key))
	var result api.PreviewResponse
	if err := c.do(http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPreviews sends GET /previews with optional status filter.
func (c *PreviewClient) ListPreviews(status string, limit int) ([]api.PreviewResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("%s/previews", c.BaseURL)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var result api.ListPreviewsResponse
	if err := c.do(http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}
	return result.Previews, nil
}

// ClosePreview sends POST /previews/close to tear down a pull request's previews.
func (c *PreviewClient) ClosePreview(req api.ClosePreviewRequest) (*api.ClosePreviewResponse, error) {
	var result api.ClosePreviewResponse
	if err := c.do(http.MethodPost, fmt.Sprintf("%s/previews/close", c.BaseURL), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
