package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RemoteProvider proxies signing to an external wallet daemon over HTTP.
// It models browser and hardware wallets: connect may block on human
// approval, and a 403 from the daemon means the user declined.
type RemoteProvider struct {
	id         string
	baseURL    string
	httpClient *http.Client
}

// NewRemoteProvider creates a remote signer backend named id at baseURL.
func NewRemoteProvider(id, baseURL string) *RemoteProvider {
	return &RemoteProvider{
		id:      id,
		baseURL: baseURL,
		httpClient: &http.Client{
			// Generous: interactive approval can take a while.
			Timeout: 2 * time.Minute,
		},
	}
}

var _ Provider = (*RemoteProvider)(nil)

func (p *RemoteProvider) ID() string { return p.id }

// Installed probes the daemon's health endpoint.
func (p *RemoteProvider) Installed() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *RemoteProvider) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrProviderFault, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderFault, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderFault, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return ErrUserRejected
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: daemon returned %d", ErrProviderFault, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrProviderFault, err)
		}
	}
	return nil
}

func (p *RemoteProvider) Connect(ctx context.Context) (string, error) {
	var out struct {
		PublicKey string `json:"publicKey"`
	}
	if err := p.post(ctx, "/connect", struct{}{}, &out); err != nil {
		return "", err
	}
	if out.PublicKey == "" {
		return "", fmt.Errorf("%w: connect returned no public key", ErrProviderFault)
	}
	return out.PublicKey, nil
}

func (p *RemoteProvider) Disconnect(ctx context.Context) error {
	return p.post(ctx, "/disconnect", struct{}{}, nil)
}

func (p *RemoteProvider) SignTransaction(ctx context.Context, tx []byte) ([]byte, error) {
	var out struct {
		Signed string `json:"signed"`
	}
	in := map[string]string{"tx": base64.StdEncoding.EncodeToString(tx)}
	if err := p.post(ctx, "/sign", in, &out); err != nil {
		return nil, err
	}
	signed, err := base64.StdEncoding.DecodeString(out.Signed)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signed payload: %v", ErrProviderFault, err)
	}
	return signed, nil
}

func (p *RemoteProvider) SignAllTransactions(ctx context.Context, txs [][]byte) ([][]byte, error) {
	encoded := make([]string, len(txs))
	for i, tx := range txs {
		encoded[i] = base64.StdEncoding.EncodeToString(tx)
	}
	var out struct {
		Signed []string `json:"signed"`
	}
	if err := p.post(ctx, "/sign-batch", map[string][]string{"txs": encoded}, &out); err != nil {
		return nil, err
	}
	if len(out.Signed) != len(txs) {
		return nil, fmt.Errorf("%w: daemon signed %d of %d transactions", ErrProviderFault, len(out.Signed), len(txs))
	}
	signed := make([][]byte, len(out.Signed))
	for i, s := range out.Signed {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bad signed payload at %d: %v", ErrProviderFault, i, err)
		}
		signed[i] = b
	}
	return signed, nil
}

func (p *RemoteProvider) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	var out struct {
		Signature string `json:"signature"`
	}
	in := map[string]string{"msg": base64.StdEncoding.EncodeToString(msg)}
	if err := p.post(ctx, "/sign-message", in, &out); err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature payload: %v", ErrProviderFault, err)
	}
	return sig, nil
}
