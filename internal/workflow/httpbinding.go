package workflow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBindingConfig configures an HTTP-dispatched Binding: operations are
// sent as signed POST/GET requests to an external workflow runtime reachable
// over HTTP, the way a user's own binding would reach, say, a Temporal
// gateway or a bespoke workflow service.
type HTTPBindingConfig struct {
	BaseURL string // e.g. "https://workflows.internal/api"
	Secret  string // optional HMAC signing secret
	Client  *http.Client
}

type httpBinding struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewHTTPBinding builds a Binding that dispatches every operation as an HTTP
// call to an external workflow runtime, signing request bodies with
// HMAC-SHA256 when a secret is configured.
func NewHTTPBinding(cfg HTTPBindingConfig) Binding {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	b := &httpBinding{baseURL: cfg.BaseURL, secret: cfg.Secret, client: client}

	return Binding{
		Create:      b.create,
		SendEvent:   b.sendEvent,
		Terminate:   func(ctx context.Context, id string) error { return b.post(ctx, "/workflows/"+id+"/terminate", nil) },
		Pause:       func(ctx context.Context, id string) error { return b.post(ctx, "/workflows/"+id+"/pause", nil) },
		Resume:      func(ctx context.Context, id string) error { return b.post(ctx, "/workflows/"+id+"/resume", nil) },
		Restart:     func(ctx context.Context, id string) error { return b.post(ctx, "/workflows/"+id+"/restart", nil) },
		FetchStatus: b.fetchStatus,
	}
}

func (b *httpBinding) create(ctx context.Context, id string, params json.RawMessage) error {
	return b.post(ctx, "/workflows/"+id, params)
}

func (b *httpBinding) sendEvent(ctx context.Context, id string, event json.RawMessage) error {
	return b.post(ctx, "/workflows/"+id+"/events", event)
}

// post signs and sends a POST request, returning an error on any non-2xx
// response. The HMAC signature is sent in the X-Workflow-Signature header
// using the "sha256=<hex>" webhook convention.
func (b *httpBinding) post(ctx context.Context, path string, body json.RawMessage) error {
	if body == nil {
		body = json.RawMessage("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("workflow: build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.secret != "" {
		req.Header.Set("X-Workflow-Signature", "sha256="+hmacSHA256(body, b.secret))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("workflow: request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("workflow: %s returned non-2xx status %d", path, resp.StatusCode)
	}
	return nil
}

type statusResponse struct {
	Status       string `json:"status"`
	ErrorName    string `json:"errorName"`
	ErrorMessage string `json:"errorMessage"`
}

func (b *httpBinding) fetchStatus(ctx context.Context, id string) (string, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/workflows/"+id, nil)
	if err != nil {
		return "", "", "", fmt.Errorf("workflow: build status request: %w", err)
	}
	if b.secret != "" {
		req.Header.Set("X-Workflow-Signature", "sha256="+hmacSHA256(nil, b.secret))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("workflow: fetch status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", "", fmt.Errorf("workflow: fetch status returned non-2xx status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", "", fmt.Errorf("workflow: read status response: %w", err)
	}
	var sr statusResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return "", "", "", fmt.Errorf("workflow: decode status response: %w", err)
	}
	return sr.Status, sr.ErrorName, sr.ErrorMessage, nil
}

func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
