package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:       ts.URL,
		PartyAddress: "buyer-1",
		Moderator:    "mod-alpha",
	}
	client := NewSettleClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	}))
	defer ts.Close()

	client := NewSettleClient(Config{APIURL: ts.URL, PartyAddress: "buyer-1"})
	_, err := client.GetEscrow(context.Background(), "esc_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Escrow not found")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewSettleClient(Config{APIURL: ts.URL, PartyAddress: "buyer-1"})
	_, err := client.GetBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ResolveDispute_SendsModeratorHeader(t *testing.T) {
	var gotHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Moderator")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewSettleClient(Config{APIURL: ts.URL, PartyAddress: "buyer-1", Moderator: "mod-alpha"})
	_, err := client.ResolveDispute(context.Background(), "dsp_1", "release")
	require.NoError(t, err)
	assert.Equal(t, "mod-alpha", gotHeader)
}

func TestClient_CreateEscrow_BuyerFromConfig(t *testing.T) {
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewSettleClient(Config{APIURL: ts.URL, PartyAddress: "buyer-1"})
	_, err := client.CreateEscrow(context.Background(), "seller-1", "1000000", "USDQ")
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", gotBody["buyer"])
	assert.Equal(t, "seller-1", gotBody["seller"])
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetEscrow_RequiresID(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow_id is required")
}

func TestHandleGetEscrow_FormatsFields(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrow": map[string]any{
				"id":     "esc_1",
				"status": "funded",
				"buyer":  "buyer-1",
				"seller": "seller-1",
				"amount": "1000000",
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "id: esc_1")
	assert.Contains(t, text, "status: funded")
	assert.Contains(t, text, "amount: 1000000")
}

func TestHandleGetEscrowHistory_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"history": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleGetEscrowHistory(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No transitions recorded yet")
}

func TestHandleGetEscrowHistory_FormatsTransitions(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"history": []map[string]string{
				{"from": "pending", "to": "funded", "txRef": "sig-1", "createdAt": "2026-08-30T10:00:00Z"},
				{"from": "funded", "to": "released", "note": "auto release", "createdAt": "2026-08-30T11:00:00Z"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetEscrowHistory(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "pending -> funded")
	assert.Contains(t, text, "(tx sig-1)")
	assert.Contains(t, text, "funded -> released")
	assert.Contains(t, text, "auto release")
}

func TestHandleListEscrows_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"escrows": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleListEscrows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No escrows found")
}

func TestHandleListEscrows_FormatsRows(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/parties/buyer-1/escrows", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrows": []map[string]string{
				{"id": "esc_1", "status": "funded", "buyer": "buyer-1", "seller": "seller-1",
					"amount": "1000000", "expiresAt": "2026-09-01T00:00:00Z"},
			},
			"count": 1,
		})
	}))
	defer cleanup()

	result, err := h.HandleListEscrows(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "1 escrow(s)")
	assert.Contains(t, text, "esc_1 [funded]")
	assert.Contains(t, text, "buyer-1 -> seller-1")
}

func TestHandleCheckBalance(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"address": "buyer-1",
			"balance": "5000000",
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Balance of buyer-1: 5000000 raw units")
}

func TestHandleCreateEscrow_RequiresFields(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer cleanup()

	result, err := h.HandleCreateEscrow(context.Background(), makeRequest(map[string]any{"seller": "seller-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "required")
}

func TestHandleCreateEscrow_Success(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrow": map[string]string{"id": "esc_new", "status": "pending"},
		})
	}))
	defer cleanup()

	result, err := h.HandleCreateEscrow(context.Background(), makeRequest(map[string]any{
		"seller": "seller-1",
		"amount": "1000000",
		"mint":   "USDQ",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Escrow created")
	assert.Contains(t, text, "id: esc_new")
}

func TestHandleOpenDispute_RequiresReason(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer cleanup()

	result, err := h.HandleOpenDispute(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleResolveDispute_RequiresModeratorIdentity(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	// No Moderator configured.
	client := NewSettleClient(Config{APIURL: ts.URL, PartyAddress: "buyer-1"})
	h := NewHandlers(client)

	result, err := h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{
		"dispute_id": "dsp_1",
		"resolution": "release",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "SETTLE_MODERATOR")
}

func TestHandleGetDispute_ShowsSettlementError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"dispute": map[string]string{
				"id":         "dsp_1",
				"status":     "resolved",
				"resolution": "release",
			},
			"settlementError": "ledger unavailable",
		})
	}))
	defer cleanup()

	result, err := h.HandleGetDispute(context.Background(), makeRequest(map[string]any{"dispute_id": "dsp_1"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "status: resolved")
	assert.Contains(t, text, "settlement pending: ledger unavailable")
}
