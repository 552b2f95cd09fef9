package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const streamWriteTimeout = 5 * time.Second

// StreamHub tracks live stats subscribers.
type StreamHub struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewStreamHub creates an empty hub.
func NewStreamHub() *StreamHub {
	return &StreamHub{active: make(map[string]*websocket.Conn)}
}

// Register adds a subscriber connection under a unique id.
func (m *StreamHub) Register(id string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active[id] = conn
	slog.Info("Stats subscriber registered", "subscriber_id", id)
}

// Unregister removes a subscriber if conn is still the registered one.
func (m *StreamHub) Unregister(id string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[id]; ok && current == conn {
		delete(m.active, id)
		slog.Info("Stats subscriber unregistered", "subscriber_id", id)
	}
}

// Len returns the number of subscribers.
func (m *StreamHub) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Broadcast writes v to every subscriber. Subscribers that fail the write are
// closed and dropped.
func (m *StreamHub) Broadcast(ctx context.Context, v interface{}) {
	m.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(m.active))
	for id, c := range m.active {
		conns[id] = c
	}
	m.mu.RUnlock()

	for id, conn := range conns {
		wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		err := wsjson.Write(wctx, conn, v)
		cancel()
		if err != nil {
			slog.Debug("Stats write failed", "subscriber_id", id, "error", err)
			_ = conn.Close(websocket.StatusGoingAway, "write failed")
			m.Unregister(id, conn)
		}
	}
}

// CloseAll disconnects every subscriber.
func (m *StreamHub) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(m.active, id)
	}
}

// Run broadcasts a fresh snapshot every interval while there are subscribers.
func (m *StreamHub) Run(ctx context.Context, interval time.Duration, snapshot func() interface{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.Len() > 0 {
				m.Broadcast(ctx, snapshot())
			}
		case <-ctx.Done():
			m.CloseAll()
			return
		}
	}
}

// StatsStream upgrades /ws/stats requests and registers them with the hub.
type StatsStream struct {
	*Handler
	hub            *StreamHub
	allowedOrigins []string
	isDev          bool
}

// NewStatsStream creates the websocket handler. allowedOrigins follows the
// CORS policy; "*" admits any origin.
func NewStatsStream(base *Handler, hub *StreamHub, allowedOrigins []string, isDev bool) *StatsStream {
	return &StatsStream{Handler: base, hub: hub, allowedOrigins: allowedOrigins, isDev: isDev}
}

// Snapshot is the payload pushed to subscribers.
func (h *StatsStream) Snapshot() interface{} {
	return newStatsResponse(h.pool.Stats())
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *StatsStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	id := uuid.NewString()
	// Subscribers never send; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())

	wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	err = wsjson.Write(wctx, ws, h.Snapshot())
	cancel()
	if err != nil {
		slog.Debug("Failed to send initial stats", "error", err)
		return
	}

	h.hub.Register(id, ws)
	defer h.hub.Unregister(id, ws)

	<-ctx.Done()
	slog.Debug("Stats stream closed", "subscriber_id", id, "reason", context.Cause(ctx))
}

func (h *StatsStream) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}
