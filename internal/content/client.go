// Package content uploads deliverables to the content-addressed file host.
// The engine never inspects file content; it stores only the opaque
// reference returned here.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// DefaultTimeout bounds each upload. Pinning large files is slow, so this is
// deliberately generous.
const DefaultTimeout = 2 * time.Minute

// Client pins files on the content host and returns their references.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a content host client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
}

type pinResponse struct {
	Ref string `json:"ref"`
}

// Pin uploads the file and returns the content reference assigned by the
// host.
func (c *Client) Pin(ctx context.Context, filename string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pins", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("content host request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("content host rejected upload (%d): %s", resp.StatusCode, string(msg))
	}

	var pin pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pin); err != nil {
		return "", fmt.Errorf("parse pin response: %w", err)
	}
	if pin.Ref == "" {
		return "", fmt.Errorf("content host returned empty reference")
	}
	return pin.Ref, nil
}
