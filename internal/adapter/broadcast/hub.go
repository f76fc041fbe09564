// Package broadcast implements BroadcastFrontend's room-scoped push channel:
// an in-process registry of WebSocket subscribers, keyed by room name, with
// "all" the only room a client may join.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// AllRoom is the only room subscribers may join.
const AllRoom = "all"

const writeTimeout = 10 * time.Second

// Hub fans payloads out to every connection subscribed to a room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*subscriber]struct{})}
}

// Join registers conn under room and blocks until the connection closes or
// ctx is cancelled, at which point it unregisters itself.
func (h *Hub) Join(ctx context.Context, room string, conn *websocket.Conn) {
	sub := &subscriber{conn: conn}
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*subscriber]struct{})
	}
	h.rooms[room][sub] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.rooms[room], sub)
		h.mu.Unlock()
	}()

	// Subscribers are push-only; drain reads so pings/close frames are
	// processed until the peer disconnects or ctx is done.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Broadcast emits payload to every current subscriber of room, skipping
// (not blocking on) any connection whose write doesn't complete promptly.
func (h *Hub) Broadcast(ctx context.Context, room string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("broadcast marshal failed", slog.Any("error", err))
		return
	}
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := s.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Warn("broadcast write failed, dropping subscriber", slog.Any("error", err))
		}
	}
}

// SubscriberCount reports how many connections currently hold room open.
func (h *Hub) SubscriberCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
