// Package feed streams moderation events to connected admin consoles over WebSocket.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/ashureev/perfumaria/internal/events"
	"github.com/ashureev/perfumaria/internal/identity"
)

const writeTimeout = 5 * time.Second

// Message is one frame sent to an admin console.
type Message struct {
	Type  string           `json:"type"`
	Event *events.Envelope `json:"event,omitempty"`
}

type inbound struct {
	Type string `json:"type"`
}

// Subscriber registers handlers on the event bus.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler events.Handler) error
}

// Hub tracks admin connections and fans events out to them.
type Hub struct {
	mu            sync.RWMutex
	conns         map[string]*websocket.Conn
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(allowedOrigin string, isDev bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:         make(map[string]*websocket.Conn),
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// Len returns the number of connected consoles.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register(id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[id] = conn
	h.logger.Info("Moderation feed connected", "conn_id", id, "connections", len(h.conns))
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; ok {
		delete(h.conns, id)
		h.logger.Info("Moderation feed disconnected", "conn_id", id, "connections", len(h.conns))
	}
}

// Broadcast sends env to every connected console. Consoles that fail to
// receive it are closed and dropped.
func (h *Hub) Broadcast(ctx context.Context, env events.Envelope) {
	h.mu.RLock()
	targets := make(map[string]*websocket.Conn, len(h.conns))
	for id, c := range h.conns {
		targets[id] = c
	}
	h.mu.RUnlock()

	msg := Message{Type: "event", Event: &env}
	var wg sync.WaitGroup
	for id, conn := range targets {
		wg.Add(1)
		go func(id string, conn *websocket.Conn) {
			defer wg.Done()
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()
			if err := wsjson.Write(writeCtx, conn, msg); err != nil {
				h.logger.Warn("Moderation feed write failed", "conn_id", id, "error", err)
				_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
				h.unregister(id)
			}
		}(id, conn)
	}
	wg.Wait()
}

// Attach subscribes the hub to review changes on the bus.
func (h *Hub) Attach(ctx context.Context, sub Subscriber) error {
	return sub.Subscribe(ctx, events.TopicReviewsChanged, func(ctx context.Context, env events.Envelope) error {
		h.Broadcast(ctx, env)
		return nil
	})
}

// CloseAll disconnects every console.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.conns, id)
	}
}

// ServeHTTP upgrades the request and keeps the console registered until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	id, err := gonanoid.New()
	if err != nil {
		h.logger.Error("Failed to generate connection id", "error", err)
		return
	}

	ctx := r.Context()
	if err := h.write(ctx, ws, Message{Type: "ready"}); err != nil {
		return
	}

	h.register(id, ws)
	defer h.unregister(id)

	h.readLoop(ctx, ws, userID)
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("Moderation feed closed by client", "user_id", userID)
			} else {
				h.logger.Warn("Moderation feed read error", "error", err, "user_id", userID)
			}
			return
		}
		if msg.Type == "ping" {
			if err := h.write(ctx, ws, Message{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, ws *websocket.Conn, msg Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, ws, msg); err != nil {
		h.logger.Debug("Moderation feed write error", "error", err)
		return err
	}
	return nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
