package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settle/internal/escrow"
	"github.com/mbd888/settle/internal/tx"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
	// operator signs dispute settlements.
	operator tx.Signer
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service, operator tx.Signer) *Handler {
	return &Handler{service: service, operator: operator}
}

// RegisterRoutes sets up dispute routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.CreateDispute)
	r.POST("/escrow/:id/dispute", h.OpenDispute)
	r.GET("/escrow/:id/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/disputes/:id/retry-settlement", h.RetrySettlement)
}

// OpenRequest is the body of POST /v1/escrow/:id/dispute.
type OpenRequest struct {
	OpenedBy    string   `json:"openedBy" binding:"required"`
	Reason      string   `json:"reason" binding:"required"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
}

// OpenDispute handles POST /v1/escrow/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), c.Param("id"),
		req.OpenedBy, req.Reason, req.Description, req.Evidence)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d.Snapshot()})
}

// CreateRequest is the body of POST /v1/disputes.
type CreateRequest struct {
	EscrowID string `json:"escrowId" binding:"required"`
	OpenRequest
}

// CreateDispute handles POST /v1/disputes. Same operation as the nested
// escrow route, with the escrow named in the body.
func (h *Handler) CreateDispute(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), req.EscrowID,
		req.OpenedBy, req.Reason, req.Description, req.Evidence)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d.Snapshot()})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d.Snapshot()})
}

// ListDisputes handles GET /v1/escrow/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.service.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	out := make([]map[string]any, 0, len(disputes))
	for _, d := range disputes {
		out = append(out, d.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"disputes": out, "count": len(out)})
}

// EvidenceRequest is the body of POST /v1/disputes/:id/evidence.
type EvidenceRequest struct {
	Item string `json:"item" binding:"required"`
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), req.Item)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d.Snapshot()})
}

// ResolveRequest is the body of POST /v1/disputes/:id/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// ResolveDispute handles POST /v1/disputes/:id/resolve. The moderator
// identity comes from the X-Moderator header, checked against the
// configured allowlist.
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	moderator := c.GetHeader("X-Moderator")
	if moderator == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "X-Moderator header is required",
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"),
		Resolution(req.Resolution), moderator, h.operator)
	if err != nil {
		// Decision recorded, settlement pending: report both.
		if d != nil && d.Status == StatusResolved {
			c.JSON(http.StatusAccepted, gin.H{
				"dispute":         d.Snapshot(),
				"settlementError": err.Error(),
			})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d.Snapshot()})
}

// RetrySettlement handles POST /v1/disputes/:id/retry-settlement
func (h *Handler) RetrySettlement(c *gin.Context) {
	d, err := h.service.RetrySettlement(c.Request.Context(), c.Param("id"), h.operator)
	if err != nil {
		if d != nil && d.Status == StatusResolved {
			c.JSON(http.StatusAccepted, gin.H{
				"dispute":         d.Snapshot(),
				"settlementError": err.Error(),
			})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d.Snapshot()})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotOpen), errors.Is(err, ErrNotResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_dispute_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidResolution):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		// Escrow-side failures share the escrow handler mapping.
		escrow.RespondError(c, err)
	}
}
