package events

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/middlemark/escrowd/internal/escrow"
	"github.com/middlemark/escrowd/internal/idgen"
	"github.com/middlemark/escrowd/internal/security"
)

// Handler exposes webhook subscription management and the operator
// feed.
type Handler struct {
	store Store
	feed  *Feed
}

// NewHandler creates an events handler.
func NewHandler(store Store, feed *Feed) *Handler {
	return &Handler{store: store, feed: feed}
}

// RegisterRoutes mounts the event routes. actor extracts the caller's
// identity from the request.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, actor func(*gin.Context) escrow.Actor) {
	r.POST("/webhooks", func(c *gin.Context) { h.createSubscription(c, actor(c)) })
	r.GET("/webhooks", func(c *gin.Context) { h.listSubscriptions(c, actor(c)) })
	r.DELETE("/webhooks/:id", func(c *gin.Context) { h.deleteSubscription(c, actor(c)) })
	r.GET("/feed", func(c *gin.Context) { h.serveFeed(c, actor(c)) })
}

type createSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

func (h *Handler) createSubscription(c *gin.Context, actor escrow.Actor) {
	if actor.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "caller identity required"})
		return
	}

	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "url is required"})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    actor.ID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       secret, // shown once
		"usage": gin.H{
			"signature": "HMAC-SHA256(payload, secret), hex",
			"header":    "X-Escrowd-Signature",
		},
	})
}

func (h *Handler) listSubscriptions(c *gin.Context, actor escrow.Actor) {
	if actor.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "caller identity required"})
		return
	}
	subs, err := h.store.ListByUser(c.Request.Context(), actor.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "failed to list subscriptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *Handler) deleteSubscription(c *gin.Context, actor escrow.Actor) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "failed to delete subscription"})
		return
	}
	if sub.UserID != actor.ID && !actor.Operator() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your subscription"})
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "failed to delete subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// serveFeed upgrades operators to the live event stream.
func (h *Handler) serveFeed(c *gin.Context, actor escrow.Actor) {
	if !actor.Operator() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "the event feed is operator-only"})
		return
	}
	h.feed.ServeWS(c.Writer, c.Request)
}
