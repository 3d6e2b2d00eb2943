package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"newsflow/internal/ratelimit"
)

// ErrNotConfigured marks generation calls made without a configured backend.
var ErrNotConfigured = errors.New("generation service not configured")

// Client is the text-generation collaborator. Rate-limit and overload
// failures are wrapped with the ratelimit sentinels so the executor can
// classify them.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Disabled satisfies Client when no backend is configured; every call fails
// with a clear message instead of silently producing nothing.
type Disabled struct{}

func (Disabled) Generate(ctx context.Context, prompt string) (string, error) {
	return "", ErrNotConfigured
}

// HTTPClient posts prompts to a JSON completion endpoint.
type HTTPClient struct {
	endpoint string
	model    string
	httpc    *http.Client
}

func NewHTTPClient(endpoint, model string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{endpoint: endpoint, model: model, httpc: &http.Client{Timeout: timeout}}
}

type generateRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (c *HTTPClient) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("generate: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("generate: %w", ratelimit.ErrRateLimited)
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == 529:
		return "", fmt.Errorf("generate: %w", ratelimit.ErrOverloaded)
	case resp.StatusCode >= 400:
		// Some backends report overload in the body with a generic status.
		if strings.Contains(strings.ToLower(string(body)), "overloaded") {
			return "", fmt.Errorf("generate: %w", ratelimit.ErrOverloaded)
		}
		return "", fmt.Errorf("generate: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("generate: decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("generate: %s", out.Error)
	}
	return out.Text, nil
}
