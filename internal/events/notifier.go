package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/middlemark/escrowd/internal/escrow"
	"github.com/middlemark/escrowd/internal/idgen"
)

// Notifier fans escrow lifecycle events out to webhook subscriptions of
// both parties and to the operator websocket feed. It implements
// escrow.Notifier and never blocks or fails the calling operation.
type Notifier struct {
	dispatcher *Dispatcher
	feed       *Feed
	logger     *slog.Logger
}

var _ escrow.Notifier = (*Notifier)(nil)

// NewNotifier creates an escrow event notifier.
func NewNotifier(dispatcher *Dispatcher, feed *Feed, logger *slog.Logger) *Notifier {
	return &Notifier{
		dispatcher: dispatcher,
		feed:       feed,
		logger:     logger,
	}
}

// EscrowEvent delivers one lifecycle event. The escrow snapshot is the
// payload; consumers read the status rather than parsing event names.
func (n *Notifier) EscrowEvent(ctx context.Context, eventType string, e *escrow.Escrow) {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      e,
	}

	if n.feed != nil {
		n.feed.Broadcast(event)
	}
	if n.dispatcher == nil {
		return
	}
	for _, userID := range []string{e.BuyerID, e.SellerID} {
		if err := n.dispatcher.DispatchToUser(ctx, userID, event); err != nil {
			n.logger.Warn("event dispatch failed", "event", eventType, "escrow", e.ID, "user", userID, "error", err)
		}
	}
}
