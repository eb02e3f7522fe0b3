package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds each ledger call.
const DefaultTimeout = 15 * time.Second

// HTTPClient talks to the external ledger gateway over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a ledger client for the given gateway endpoint.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger rejected %s (%d): %s", path, resp.StatusCode, string(msg))
	}
	return nil
}

// Escrow implements Client.
func (c *HTTPClient) Escrow(ctx context.Context, taskID string, amount int64) error {
	return c.post(ctx, "/escrow", map[string]interface{}{
		"task_id": taskID,
		"amount":  amount,
	})
}

// Release implements Client.
func (c *HTTPClient) Release(ctx context.Context, taskID, solver string) error {
	return c.post(ctx, "/release", map[string]interface{}{
		"task_id": taskID,
		"solver":  solver,
	})
}

// Transfer implements Client.
func (c *HTTPClient) Transfer(ctx context.Context, solver string, amount int64) error {
	return c.post(ctx, "/transfer", map[string]interface{}{
		"solver": solver,
		"amount": amount,
	})
}
