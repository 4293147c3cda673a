// Package events delivers escrow lifecycle notifications: HMAC-signed
// webhooks to buyer and seller subscriptions, and a websocket feed for
// the operator dashboard.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/middlemark/escrowd/internal/retry"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts by event type.",
	}, []string{"event_type"})

	deliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "webhook_errors_total",
		Help:      "Webhook deliveries that failed after retries.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, deliveryErrors)
}

// ErrSubscriptionNotFound is returned for unknown subscription ids.
var ErrSubscriptionNotFound = errors.New("events: subscription not found")

// Event is the wire form of a lifecycle notification.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription is a user's webhook registration.
type Subscription struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // HMAC signing key
	Events      []string   `json:"events"` // empty = all escrow events
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// wants reports whether the subscription covers an event type.
func (s *Subscription) wants(eventType string) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher posts events to subscribed webhook URLs.
type Dispatcher struct {
	store  Store
	client *http.Client
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DispatchToUser sends an event to every matching subscription of a
// user. Delivery happens on its own goroutines; the caller never waits
// for remote endpoints.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if !sub.wants(event.Type) {
			continue
		}
		go d.send(sub, event)
	}
	return nil
}

func (d *Dispatcher) send(sub *Subscription, event *Event) {
	deliveriesTotal.WithLabelValues(event.Type).Inc()

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	err = retry.Do(ctx, 3, 2*time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Escrowd-Event", event.Type)
		req.Header.Set("X-Escrowd-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
		if sub.Secret != "" {
			req.Header.Set("X-Escrowd-Signature", Sign(payload, sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	})

	if err != nil {
		deliveryErrors.WithLabelValues(event.Type).Inc()
		sub.LastError = err.Error()
	} else {
		now := time.Now().UTC()
		sub.LastSuccess = &now
		sub.LastError = ""
	}
	_ = d.store.Update(ctx, sub)
}

// Sign computes the hex HMAC-SHA256 of a payload. Receivers recompute
// it with their subscription secret to authenticate deliveries.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
