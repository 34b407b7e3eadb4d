// Package realtime pushes entity events to websocket subscribers grouped by
// room. A room is a household id, or a user id for profile changes.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/wire"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// RoomAuthorizer decides whether a user may subscribe to a room.
type RoomAuthorizer interface {
	CanAccessRoom(ctx context.Context, userID, roomID string) (bool, error)
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[string]bool
	once   sync.Once
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close(code, reason)
	})
}

// Hub tracks connected clients and their room subscriptions.
type Hub struct {
	authz RoomAuthorizer
	log   logging.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(authz RoomAuthorizer, log logging.Logger) *Hub {
	return &Hub{
		authz:   authz,
		log:     log.With("component", "realtime"),
		clients: make(map[*client]struct{}),
	}
}

// Serve upgrades the request and runs the connection until it closes. The
// caller has already authenticated userID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket accept failed", "error", err)
		return
	}

	c := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		rooms:  map[string]bool{userID: true},
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug(r.Context(), "client connected", "user_id", userID, "clients", n)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, c)

	h.readLoop(ctx, c)
	h.remove(c)
	c.close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.log.Debug(ctx, "read failed", "user_id", c.userID, "error", err)
			}
			return
		}
		var f wire.Frame
		if err := wire.Unmarshal(data, &f); err != nil || f.RoomID == "" {
			h.log.Warn(ctx, "dropping malformed frame", "user_id", c.userID)
			continue
		}
		switch f.Type {
		case wire.FrameSubscribe:
			ok, err := h.authz.CanAccessRoom(ctx, c.userID, f.RoomID)
			if err != nil {
				h.log.Error(ctx, "room check failed", "room_id", f.RoomID, "error", err)
				continue
			}
			if !ok {
				h.log.Warn(ctx, "subscription denied", "user_id", c.userID, "room_id", f.RoomID)
				continue
			}
			h.mu.Lock()
			c.rooms[f.RoomID] = true
			h.mu.Unlock()
		case wire.FrameUnsubscribe:
			h.mu.Lock()
			delete(c.rooms, f.RoomID)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for msg := range c.send {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.conn.Write(wctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			h.remove(c)
			c.close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Publish delivers ev to every client subscribed to roomID. Clients that
// cannot keep up are disconnected and will catch up through the change feed.
func (h *Hub) Publish(ctx context.Context, roomID string, ev wire.Event) {
	data, err := wire.Marshal(ev)
	if err != nil {
		h.log.Error(ctx, "encode event", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !c.rooms[roomID] {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn(ctx, "dropping slow client", "user_id", c.userID)
		h.remove(c)
		c.close(websocket.StatusPolicyViolation, "too slow")
	}
}

// Subscribers returns the number of clients subscribed to roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.rooms[roomID] {
			n++
		}
	}
	return n
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}
