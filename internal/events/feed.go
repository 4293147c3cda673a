package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/middlemark/escrowd/internal/metrics"
)

const (
	feedSendBuffer  = 64
	feedWriteWait   = 10 * time.Second
	feedPingEvery   = 30 * time.Second
	feedMaxClients  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed streams every escrow event to connected operator dashboards over
// websockets. Slow consumers are dropped rather than buffered without
// bound.
type Feed struct {
	mu      sync.RWMutex
	clients map[*feedClient]bool
	logger  *slog.Logger
}

// NewFeed creates an operator event feed.
func NewFeed(logger *slog.Logger) *Feed {
	return &Feed{
		clients: make(map[*feedClient]bool),
		logger:  logger,
	}
}

// Broadcast sends an event to every connected client.
func (f *Feed) Broadcast(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		select {
		case c.send <- payload:
		default:
			// Consumer can't keep up; close it rather than block.
			go f.drop(c)
		}
	}
}

// ClientCount returns the number of connected feed clients.
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// ServeWS upgrades an HTTP request to a feed connection.
func (f *Feed) ServeWS(w http.ResponseWriter, r *http.Request) {
	f.mu.RLock()
	full := len(f.clients) >= feedMaxClients
	f.mu.RUnlock()
	if full {
		http.Error(w, "feed at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("feed upgrade failed", "error", err)
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, feedSendBuffer)}
	f.mu.Lock()
	f.clients[c] = true
	metrics.ActiveFeedClients.Set(float64(len(f.clients)))
	f.mu.Unlock()

	go f.writePump(c)
	go f.readPump(c)
}

// Shutdown closes every client connection.
func (f *Feed) Shutdown(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(f.clients, c)
	}
	metrics.ActiveFeedClients.Set(0)
}

func (f *Feed) drop(c *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[c]; !ok {
		f.mu.Unlock()
		return
	}
	delete(f.clients, c)
	close(c.send)
	metrics.ActiveFeedClients.Set(float64(len(f.clients)))
	f.mu.Unlock()
	_ = c.conn.Close()
}

func (f *Feed) writePump(c *feedClient) {
	ping := time.NewTicker(feedPingEvery)
	defer ping.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				f.drop(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.drop(c)
				return
			}
		}
	}
}

// readPump drains inbound frames so pongs and close frames are
// processed. The feed is one-way; client messages are discarded.
func (f *Feed) readPump(c *feedClient) {
	defer f.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
