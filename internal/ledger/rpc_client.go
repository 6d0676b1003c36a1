package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"
)

// Well-known JSON-RPC error codes returned by the ledger node.
const (
	codeInsufficientFunds = -32002
	codeInvalidNonce      = -32003
	codeAlreadyProcessed  = -32009
)

// RPCClient talks JSON-RPC 2.0 to a ledger node over HTTP.
type RPCClient struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// RPCOption configures the RPC client.
type RPCOption func(*RPCClient)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) RPCOption {
	return func(r *RPCClient) {
		r.httpClient = c
	}
}

// NewRPCClient creates a ledger client for the given endpoint.
// The HTTP timeout bounds each individual call; confirmation waiting
// is governed separately by the tracker's overall timeout.
func NewRPCClient(endpoint string, timeout time.Duration, opts ...RPCOption) *RPCClient {
	c := &RPCClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*RPCClient)(nil)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("ledger: encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, method, err)
	}

	if rpcResp.Error != nil {
		return mapRPCError(method, rpcResp.Error)
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("ledger: decode %s result: %w", method, err)
		}
	}
	return nil
}

func mapRPCError(method string, e *rpcError) error {
	switch e.Code {
	case codeInsufficientFunds:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, e.Message)
	case codeInvalidNonce:
		return fmt.Errorf("%w: %s", ErrInvalidNonce, e.Message)
	case codeAlreadyProcessed:
		// The node echoes the signature of the landed transaction so a
		// retried submission can resume tracking it.
		var data struct {
			Signature string `json:"signature"`
		}
		_ = json.Unmarshal(e.Data, &data)
		return &AlreadyProcessedError{Signature: Signature(data.Signature)}
	}
	return fmt.Errorf("ledger: %s failed: %s (code %d)", method, e.Message, e.Code)
}

// SubmitTransaction sends base64-encoded signed bytes to the ledger.
func (c *RPCClient) SubmitTransaction(ctx context.Context, signed []byte) (Signature, error) {
	var sig string
	err := c.call(ctx, "submitTransaction", []any{base64.StdEncoding.EncodeToString(signed)}, &sig)
	if err != nil {
		return "", err
	}
	if sig == "" {
		return "", fmt.Errorf("%w: empty signature in submitTransaction result", ErrUnavailable)
	}
	return Signature(sig), nil
}

type signatureStatusResult struct {
	Status string `json:"status"`
	Slot   uint64 `json:"slot"`
	Err    string `json:"err,omitempty"`
}

// SignatureStatus polls the ledger for the commitment of a signature.
func (c *RPCClient) SignatureStatus(ctx context.Context, sig Signature) (*SignatureStatus, error) {
	var raw *signatureStatusResult
	if err := c.call(ctx, "getSignatureStatus", []any{string(sig)}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrSignatureUnknown
	}

	commitment, err := ParseCommitment(raw.Status)
	if err != nil {
		return nil, fmt.Errorf("ledger: getSignatureStatus: %w", err)
	}
	return &SignatureStatus{
		Commitment: commitment,
		Slot:       raw.Slot,
		Err:        raw.Err,
	}, nil
}

// Balance returns the raw-unit balance of an address.
func (c *RPCClient) Balance(ctx context.Context, addr string) (*big.Int, error) {
	var raw string
	if err := c.call(ctx, "getBalance", []any{addr}, &raw); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: getBalance returned non-numeric %q", raw)
	}
	return balance, nil
}
