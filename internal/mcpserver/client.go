// Package mcpserver exposes the settlement service as MCP tools for LLMs.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the settlement service.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	PartyAddress string // Address the tools act on behalf of
	Moderator    string // Optional moderator identity for dispute resolution
}

// SettleClient is a pure HTTP client for the settlement service API.
type SettleClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSettleClient creates a new client for the settlement service.
func NewSettleClient(cfg Config) *SettleClient {
	return &SettleClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the service and returns the response body.
func (c *SettleClient) doRequest(ctx context.Context, method, path string, body any, headers map[string]string) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetEscrow fetches one escrow by id.
func (c *SettleClient) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrow/"+id, nil, nil)
}

// GetHistory fetches the transition history of an escrow.
func (c *SettleClient) GetHistory(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrow/"+id+"/history", nil, nil)
}

// ListEscrows lists escrows where the configured party is buyer or seller.
func (c *SettleClient) ListEscrows(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+c.cfg.PartyAddress+"/escrows", nil, nil)
}

// GetBalance returns the configured party's ledger balance.
func (c *SettleClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+c.cfg.PartyAddress+"/balance", nil, nil)
}

// CreateEscrow opens a new escrow with the configured party as buyer.
func (c *SettleClient) CreateEscrow(ctx context.Context, seller, amount, mint string) (json.RawMessage, error) {
	body := map[string]string{
		"buyer":  c.cfg.PartyAddress,
		"seller": seller,
		"amount": amount,
		"mint":   mint,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow", body, nil)
}

// OpenDispute raises a dispute against a funded escrow.
func (c *SettleClient) OpenDispute(ctx context.Context, escrowID, reason, description string) (json.RawMessage, error) {
	body := map[string]string{
		"openedBy":    c.cfg.PartyAddress,
		"reason":      reason,
		"description": description,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/"+escrowID+"/dispute", body, nil)
}

// GetDispute fetches one dispute by id.
func (c *SettleClient) GetDispute(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+id, nil, nil)
}

// ResolveDispute records an arbitration decision. Requires a configured
// moderator identity on the service allowlist.
func (c *SettleClient) ResolveDispute(ctx context.Context, id, resolution string) (json.RawMessage, error) {
	body := map[string]string{"resolution": resolution}
	headers := map[string]string{"X-Moderator": c.cfg.Moderator}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes/"+id+"/resolve", body, headers)
}
