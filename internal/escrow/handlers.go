package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/middlemark/escrowd/internal/chain"
)

// ActorFromContext reads the caller identity asserted by the upstream
// gateway. The service trusts the gateway to have authenticated the
// user; role enforcement happens in the service layer.
func ActorFromContext(c *gin.Context) Actor {
	return Actor{
		ID:   c.GetHeader("X-Actor-Id"),
		Role: Role(c.GetHeader("X-Actor-Role")),
	}
}

// Handler provides the HTTP surface for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates an escrow HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Create)
	r.GET("/escrows/:id", h.Get)
	r.GET("/escrows", h.List)
	r.POST("/escrows/:id/deposit", h.RecordDeposit)
	r.POST("/escrows/:id/verify", h.VerifyDeposit)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/dispute", h.OpenDispute)
	r.POST("/escrows/:id/resolve", h.Resolve)
	r.POST("/escrows/:id/cancel", h.Cancel)
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "escrow not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrDuplicateBooking):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_booking", "message": err.Error()})
	case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "status_conflict", "message": err.Error()})
	case errors.Is(err, ErrInvalidInput), errors.Is(err, chain.ErrInvalidAddress), errors.Is(err, chain.ErrUnknownToken), errors.Is(err, chain.ErrUnknownChain):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, chain.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chain_unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "operation failed"})
	}
}

// Create handles POST /escrows.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// Get handles GET /escrows/:id.
func (h *Handler) Get(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"), ActorFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// List handles GET /escrows?user=...&limit=...&cursor=....
func (h *Handler) List(c *gin.Context) {
	actor := ActorFromContext(c)
	userID := c.Query("user")
	if userID == "" {
		userID = actor.ID
	}
	if userID != actor.ID && !actor.Operator() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "cannot list another user's escrows"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	escrows, next, err := h.service.ListByUser(c.Request.Context(), userID, c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"escrows": escrows, "count": len(escrows)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// RecordDeposit handles POST /escrows/:id/deposit.
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	ack, err := h.service.RecordDeposit(c.Request.Context(), c.Param("id"), ActorFromContext(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if ack.VerificationPending {
		status = http.StatusAccepted
	}
	c.JSON(status, ack)
}

// VerifyDeposit handles POST /escrows/:id/verify.
func (h *Handler) VerifyDeposit(c *gin.Context) {
	result, err := h.service.VerifyDeposit(c.Request.Context(), c.Param("id"), ActorFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Release handles POST /escrows/:id/release.
func (h *Handler) Release(c *gin.Context) {
	result, err := h.service.Release(c.Request.Context(), c.Param("id"), ActorFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Refund handles POST /escrows/:id/refund.
func (h *Handler) Refund(c *gin.Context) {
	result, err := h.service.Refund(c.Request.Context(), c.Param("id"), ActorFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type disputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /escrows/:id/dispute.
func (h *Handler) OpenDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	e, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), ActorFromContext(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

type resolveRequest struct {
	Favor string `json:"favor" binding:"required"` // "seller" or "buyer"
	Notes string `json:"notes"`
}

// Resolve handles POST /escrows/:id/resolve.
func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "favor is required"})
		return
	}
	result, err := h.service.AdminResolve(c.Request.Context(), c.Param("id"), ActorFromContext(c), req.Favor, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Cancel handles POST /escrows/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	e, err := h.service.Cancel(c.Request.Context(), c.Param("id"), ActorFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}
