package wallet

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/middlemark/escrowd/internal/escrow"
)

// Handler exposes payout wallet management.
type Handler struct {
	directory *Directory
}

// NewHandler creates a wallet handler.
func NewHandler(directory *Directory) *Handler {
	return &Handler{directory: directory}
}

// RegisterRoutes mounts the wallet routes. actor extracts the caller's
// identity from the request.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, actor func(*gin.Context) escrow.Actor) {
	r.PUT("/wallets/:chainId", func(c *gin.Context) { h.setWallet(c, actor(c)) })
	r.GET("/wallets", func(c *gin.Context) { h.listWallets(c, actor(c)) })
	r.DELETE("/wallets/:chainId", func(c *gin.Context) { h.deleteWallet(c, actor(c)) })
}

type setWalletRequest struct {
	Address string `json:"address" binding:"required"`
	Label   string `json:"label"`
}

func (h *Handler) setWallet(c *gin.Context, actor escrow.Actor) {
	if actor.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "caller identity required"})
		return
	}
	var req setWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address is required"})
		return
	}

	w, err := h.directory.Set(c.Request.Context(), actor.ID, c.Param("chainId"), req.Address, req.Label)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed", "message": "failed to save wallet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

func (h *Handler) listWallets(c *gin.Context, actor escrow.Actor) {
	if actor.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "caller identity required"})
		return
	}
	userID := c.Query("user")
	if userID == "" {
		userID = actor.ID
	}
	if userID != actor.ID && !actor.Operator() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "cannot list another user's wallets"})
		return
	}
	wallets, err := h.directory.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "failed to list wallets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets, "count": len(wallets)})
}

func (h *Handler) deleteWallet(c *gin.Context, actor escrow.Actor) {
	if actor.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "caller identity required"})
		return
	}
	err := h.directory.Remove(c.Request.Context(), actor.ID, c.Param("chainId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no wallet on that chain"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "failed to delete wallet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
