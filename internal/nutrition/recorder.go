package nutrition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Cybrite/project-amobagan/internal/stream"
)

const statusPath = "/api/user/nutritional-status"

// APIRecorder forwards consumptions to the user service over HTTP.
type APIRecorder struct {
	baseURL string
	client  *http.Client
}

// NewAPIRecorder creates a recorder for baseURL. A nil client gets a 10s timeout.
func NewAPIRecorder(baseURL string, client *http.Client) *APIRecorder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIRecorder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type statusRequest struct {
	NutritionalElements []string `json:"nutritionalElements"`
}

// Record sends PUT /api/user/nutritional-status with the user's bearer credential.
func (r *APIRecorder) Record(ctx context.Context, creds stream.CredentialResolver, elements []string) error {
	if creds == nil {
		return fmt.Errorf("no credential resolver")
	}
	token, err := creds.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}

	body, err := json.Marshal(statusRequest{NutritionalElements: elements})
	if err != nil {
		return fmt.Errorf("encode status request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.baseURL+statusPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status update failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
