package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SettleClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SettleClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow looks up one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(raw)), nil
}

// HandleGetEscrowHistory fetches an escrow's transition log.
func (h *Handlers) HandleGetEscrowHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetHistory(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch history: %v", err)), nil
	}

	var parsed struct {
		History []struct {
			From      string `json:"from"`
			To        string `json:"to"`
			TxRef     string `json:"txRef"`
			Note      string `json:"note"`
			CreatedAt string `json:"createdAt"`
		} `json:"history"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	if len(parsed.History) == 0 {
		return mcp.NewToolResultText("No transitions recorded yet."), nil
	}

	var sb strings.Builder
	for _, entry := range parsed.History {
		fmt.Fprintf(&sb, "%s: %s -> %s", entry.CreatedAt, entry.From, entry.To)
		if entry.TxRef != "" {
			fmt.Fprintf(&sb, " (tx %s)", entry.TxRef)
		}
		if entry.Note != "" {
			fmt.Fprintf(&sb, " (%s)", entry.Note)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListEscrows lists the party's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListEscrows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	var parsed struct {
		Escrows []escrowView `json:"escrows"`
		Count   int          `json:"count"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}

	if parsed.Count == 0 {
		return mcp.NewToolResultText("No escrows found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d escrow(s):\n\n", parsed.Count)
	for _, e := range parsed.Escrows {
		fmt.Fprintf(&sb, "%s [%s] %s: %s -> %s (expires %s)\n",
			e.ID, e.Status, e.Amount, e.Buyer, e.Seller, e.ExpiresAt)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckBalance returns the party's ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var parsed struct {
		Address string `json:"address"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Balance of %s: %s raw units", parsed.Address, parsed.Balance)), nil
}

// HandleCreateEscrow opens a new escrow.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller", "")
	amount := req.GetString("amount", "")
	mint := req.GetString("mint", "")
	if seller == "" || amount == "" || mint == "" {
		return mcp.NewToolResultError("seller, amount, and mint are required"), nil
	}

	raw, err := h.client.CreateEscrow(ctx, seller, amount, mint)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create escrow: %v", err)), nil
	}
	return mcp.NewToolResultText("Escrow created.\n\n" + formatEscrow(raw)), nil
}

// HandleOpenDispute raises a dispute.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	reason := req.GetString("reason", "")
	if escrowID == "" || reason == "" {
		return mcp.NewToolResultError("escrow_id and reason are required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, escrowID, reason, req.GetString("description", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open dispute: %v", err)), nil
	}
	return mcp.NewToolResultText("Dispute opened.\n\n" + formatDispute(raw)), nil
}

// HandleGetDispute looks up one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(formatDispute(raw)), nil
}

// HandleResolveDispute records an arbitration decision.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	resolution := req.GetString("resolution", "")
	if id == "" || resolution == "" {
		return mcp.NewToolResultError("dispute_id and resolution are required"), nil
	}
	if h.client.cfg.Moderator == "" {
		return mcp.NewToolResultError("no moderator identity configured; set SETTLE_MODERATOR"), nil
	}

	raw, err := h.client.ResolveDispute(ctx, id, resolution)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
	}
	return mcp.NewToolResultText("Dispute resolved.\n\n" + formatDispute(raw)), nil
}

type escrowView struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	Mint      string `json:"mint"`
	ExpiresAt string `json:"expiresAt"`
}

func formatEscrow(raw json.RawMessage) string {
	var parsed struct {
		Escrow map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Escrow == nil {
		return string(raw)
	}
	return formatKV(parsed.Escrow)
}

func formatDispute(raw json.RawMessage) string {
	var parsed struct {
		Dispute         map[string]any `json:"dispute"`
		SettlementError string         `json:"settlementError"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Dispute == nil {
		return string(raw)
	}
	text := formatKV(parsed.Dispute)
	if parsed.SettlementError != "" {
		text += "\nsettlement pending: " + parsed.SettlementError
	}
	return text
}

func formatKV(m map[string]any) string {
	var sb strings.Builder
	for _, key := range []string{"id", "escrowId", "status", "buyer", "seller", "amount", "mint",
		"resolution", "reason", "openedBy", "resolvedBy", "fundingTxRef", "settlementTxRef",
		"createdAt", "expiresAt", "resolvedAt", "closedAt"} {
		if v, ok := m[key]; ok {
			fmt.Fprintf(&sb, "%s: %v\n", key, v)
		}
	}
	return sb.String()
}
