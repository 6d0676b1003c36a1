package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/provider"
	"github.com/mbd888/settle/internal/tx"
)

// SessionSource opens wallet sessions for request-scoped signing.
type SessionSource interface {
	Connect(ctx context.Context, providerID string) (*provider.Session, error)
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service  *Service
	sessions SessionSource
	// operator signs settlement transfers when the request names no provider.
	operator tx.Signer
	client   ledger.Client
	// decimals is the mint's decimal precision, used to parse and render
	// human-readable amounts.
	decimals int
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, sessions SessionSource, operator tx.Signer, client ledger.Client, decimals int) *Handler {
	return &Handler{service: service, sessions: sessions, operator: operator, client: client, decimals: decimals}
}

// parseAmount accepts raw integer units, or a decimal amount in whole-token
// units when the value carries a decimal point.
func (h *Handler) parseAmount(s string) (*big.Int, error) {
	if strings.Contains(s, ".") {
		return ledger.ParseAmount(s, h.decimals)
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}

// RegisterRoutes sets up escrow routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/escrow/:id/history", h.GetHistory)
	r.POST("/escrow/:id/fund", h.FundEscrow)
	r.POST("/escrow/:id/release", h.ReleaseEscrow)
	r.POST("/escrow/:id/refund", h.RefundEscrow)
	r.POST("/escrow/:id/consent-refund", h.ConsentRefund)
	r.GET("/parties/:address/escrows", h.ListEscrows)
	r.GET("/parties/:address/balance", h.GetBalance)
}

// CreateRequest is the body of POST /v1/escrow.
type CreateRequest struct {
	Buyer  string `json:"buyer" binding:"required"`
	Seller string `json:"seller" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	Mint   string `json:"mint" binding:"required"`
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, err := h.parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount must be raw integer units or a decimal token amount",
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req.Buyer, req.Seller, amount, req.Mint)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": e.Snapshot()})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e.Snapshot()})
}

// GetHistory handles GET /v1/escrow/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		row := gin.H{
			"from":      string(entry.FromStatus),
			"to":        string(entry.ToStatus),
			"createdAt": entry.CreatedAt,
		}
		if entry.TxRef != "" {
			row["txRef"] = entry.TxRef
		}
		if entry.Note != "" {
			row["note"] = entry.Note
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, gin.H{"history": out, "count": len(out)})
}

// FundRequest is the body of POST /v1/escrow/:id/fund.
type FundRequest struct {
	Provider string `json:"provider"`
	Amount   string `json:"amount" binding:"required"`
}

// FundEscrow handles POST /v1/escrow/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, err := h.parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount must be raw integer units or a decimal token amount",
		})
		return
	}

	// Funding is signed by the buyer's own wallet session.
	session, err := h.sessions.Connect(c.Request.Context(), req.Provider)
	if err != nil {
		respondError(c, err)
		return
	}
	defer func() { _ = session.Disconnect(context.WithoutCancel(c.Request.Context())) }()

	e, err := h.service.Fund(c.Request.Context(), c.Param("id"), session, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e.Snapshot()})
}

func (h *Handler) signerFor(c *gin.Context, providerID string) (tx.Signer, func(), error) {
	if providerID == "" {
		if h.operator == nil {
			return nil, nil, provider.ErrNotConnected
		}
		return h.operator, func() {}, nil
	}
	session, err := h.sessions.Connect(c.Request.Context(), providerID)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = session.Disconnect(context.WithoutCancel(c.Request.Context())) }
	return session, cleanup, nil
}

// SettleRequest is the body of release/refund calls.
type SettleRequest struct {
	Provider string `json:"provider"`
}

// ReleaseEscrow handles POST /v1/escrow/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req SettleRequest
	_ = c.ShouldBindJSON(&req)

	signer, cleanup, err := h.signerFor(c, req.Provider)
	if err != nil {
		respondError(c, err)
		return
	}
	defer cleanup()

	e, err := h.service.Release(c.Request.Context(), c.Param("id"), signer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e.Snapshot()})
}

// RefundEscrow handles POST /v1/escrow/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req SettleRequest
	_ = c.ShouldBindJSON(&req)

	signer, cleanup, err := h.signerFor(c, req.Provider)
	if err != nil {
		respondError(c, err)
		return
	}
	defer cleanup()

	e, err := h.service.Refund(c.Request.Context(), c.Param("id"), signer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e.Snapshot()})
}

// ConsentRefund handles POST /v1/escrow/:id/consent-refund
func (h *Handler) ConsentRefund(c *gin.Context) {
	e, err := h.service.ConsentRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e.Snapshot()})
}

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	escrows, err := h.service.ListByParty(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]map[string]any, 0, len(escrows))
	for _, e := range escrows {
		out = append(out, e.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"escrows": out, "count": len(out)})
}

// GetBalance handles GET /v1/parties/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.client.Balance(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":   c.Param("address"),
		"balance":   balance.String(),
		"formatted": ledger.FormatAmount(balance, h.decimals),
	})
}

// respondError maps domain errors onto HTTP codes. Shared with the dispute
// handlers via RespondError.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotExpiredYet):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_expired",
			"message": err.Error(),
		})
	case errors.Is(err, ErrAmountMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "amount_mismatch",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDisputeAlreadyOpen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_open",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, provider.ErrNotInstalled), errors.Is(err, provider.ErrNotFound):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "provider_unavailable",
			"message": err.Error(),
		})
	case errors.Is(err, provider.ErrUserRejected):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "user_rejected",
			"message": "Wallet declined the request",
		})
	case errors.Is(err, provider.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "wallet_busy",
			"message": "Another signing request is in progress",
		})
	case errors.Is(err, provider.ErrNotConnected):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "no_session",
			"message": "No wallet session available for this operation",
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "ledger_unavailable",
			"message": "Settlement ledger is unreachable",
		})
	case errors.Is(err, tx.ErrConfirmationTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "confirmation_timeout",
			"message": "Transaction not yet confirmed; safe to retry",
		})
	case errors.Is(err, tx.ErrTransactionReverted):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "transaction_reverted",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

// RespondError exposes the error mapping to sibling handler packages.
func RespondError(c *gin.Context, err error) { respondError(c, err) }
