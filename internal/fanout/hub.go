// Package fanout publishes relay events to live subscribers. This file
// implements the websocket hub: a per-account room registry over
// gorilla/websocket connections. Subscribers are write-only from the hub's
// perspective; inbound frames are read and discarded only to surface
// disconnects promptly. A subscriber whose buffer is full is dropped rather
// than allowed to backpressure the publisher.
package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// subscriberBuffer bounds the per-subscriber outbound queue.
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// Hub is a websocket-backed Publisher with per-account rooms.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]map[*subscriber]struct{}),
	}
}

// Publish implements Publisher. Marshal failures are logged and dropped;
// fanout must never propagate an error back into the pipeline.
func (h *Hub) Publish(accountID string, ev Event) {
	ev.AccountID = accountID
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Str("type", ev.Type).Msg("fanout marshal failed")
		return
	}

	h.mu.RLock()
	room := h.rooms[accountID]
	var slow []*subscriber
	for sub := range room {
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.log.Warn().Str("account_id", accountID).Msg("dropping slow fanout subscriber")
		h.remove(accountID, sub)
	}
}

// Subscribe registers conn for the account's events and blocks until the
// peer disconnects. The caller owns the HTTP upgrade; the hub owns the
// connection from here on.
func (h *Hub) Subscribe(accountID string, conn *websocket.Conn) {
	sub := &subscriber{conn: conn, send: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	room := h.rooms[accountID]
	if room == nil {
		room = make(map[*subscriber]struct{})
		h.rooms[accountID] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()

	go h.writePump(accountID, sub)
	h.readPump(accountID, sub)
}

// SubscriberCount returns the number of live subscribers for an account.
func (h *Hub) SubscriberCount(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[accountID])
}

func (h *Hub) remove(accountID string, sub *subscriber) {
	h.mu.Lock()
	if room, ok := h.rooms[accountID]; ok {
		if _, ok := room[sub]; ok {
			delete(room, sub)
			close(sub.send)
			if len(room) == 0 {
				delete(h.rooms, accountID)
			}
		}
	}
	h.mu.Unlock()
}

// readPump discards inbound frames until the peer goes away.
func (h *Hub) readPump(accountID string, sub *subscriber) {
	defer func() {
		h.remove(accountID, sub)
		_ = sub.conn.Close()
	}()
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(accountID string, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()
	for {
		select {
		case data, ok := <-sub.send:
			if !ok {
				_ = sub.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
