// Package realtime keeps a websocket open to the backend and hands entity
// change notifications to a single handler, normally the sync engine.
//
// The channel reconnects on its own after unexpected drops, using capped
// exponential backoff, and re-subscribes to every room it was in. Reconnect
// hooks run after each re-established connection so the engine can pull
// whatever was missed while the socket was down.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/metrics"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/sethvargo/go-retry"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// TokenSource supplies the bearer token for the handshake.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Event is a decoded server notification.
type Event struct {
	Type   string
	Kind   domain.Kind
	RoomID string
	// Entity is the server state after the change; it may be nil when the
	// server only names the entity.
	Entity *models.Entity
	// EntityID is set even when Entity is nil.
	EntityID string
}

type Options struct {
	URL                string
	HTTPClient         *http.Client
	DialTimeout        time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Metrics            *metrics.Sync
}

type Channel struct {
	opts Options
	log  logging.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	rooms       map[string]struct{}
	handler     func(context.Context, Event)
	onState     []func(State)
	onReconnect []func(context.Context)
	cancel      context.CancelFunc
	done        chan struct{}
}

func New(opts Options, log logging.Logger) *Channel {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 30 * time.Second
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Channel{opts: opts, log: log.With("component", "realtime"), rooms: make(map[string]struct{})}
}

// OnEvent sets the event handler, replacing any previous one. Events are
// delivered one at a time from the reader goroutine.
func (c *Channel) OnEvent(h func(context.Context, Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnReconnect registers fn to run after every connection except the first.
func (c *Channel) OnReconnect(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := slices.Clone(c.onState)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// Connect starts the connection loop in the background and returns at once;
// being offline is not an error. The loop ends with ctx or Disconnect.
func (c *Channel) Connect(ctx context.Context, tokens TokenSource) error {
	if c.opts.URL == "" {
		return errors.New("realtime: no url configured")
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("realtime: already connected")
	}
	lctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(lctx, tokens, done)
	return nil
}

// Disconnect closes the socket and stops reconnecting.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	// the reader sees the cancelled context and closes the socket itself
	cancel()
	<-done
}

// release forgets the loop that owns done once it has stopped, whether by
// Disconnect or by its parent context ending, so a later Connect can start
// a new one.
func (c *Channel) release(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == done {
		c.cancel()
		c.cancel, c.done = nil, nil
	}
}

// Subscribe joins roomID now if connected, and on every later connection.
func (c *Channel) Subscribe(ctx context.Context, roomID string) error {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return send(ctx, conn, wire.Frame{Type: wire.FrameSubscribe, RoomID: roomID})
}

func (c *Channel) Unsubscribe(ctx context.Context, roomID string) error {
	c.mu.Lock()
	delete(c.rooms, roomID)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return send(ctx, conn, wire.Frame{Type: wire.FrameUnsubscribe, RoomID: roomID})
}

func (c *Channel) newBackoff() retry.Backoff {
	b := retry.NewExponential(c.opts.ReconnectBaseDelay)
	b = retry.WithJitterPercent(20, b)
	return retry.WithCappedDuration(c.opts.ReconnectMaxDelay, b)
}

func (c *Channel) run(ctx context.Context, tokens TokenSource, done chan struct{}) {
	defer close(done)
	defer c.setState(Disconnected)
	defer c.release(done)

	backoff := c.newBackoff()
	connectedBefore := false

	for {
		c.setState(Connecting)
		conn, err := c.dial(ctx, tokens)
		if err == nil {
			backoff = c.newBackoff()
			c.mu.Lock()
			c.conn = conn
			rooms := make([]string, 0, len(c.rooms))
			for r := range c.rooms {
				rooms = append(rooms, r)
			}
			hooks := slices.Clone(c.onReconnect)
			c.mu.Unlock()

			c.setState(Connected)
			c.log.Info(ctx, "connected", "rooms", len(rooms))
			for _, r := range rooms {
				if err := send(ctx, conn, wire.Frame{Type: wire.FrameSubscribe, RoomID: r}); err != nil {
					c.log.Warn(ctx, "resubscribe failed", "room_id", r, "error", err)
				}
			}
			if connectedBefore {
				c.opts.Metrics.Reconnected()
				for _, fn := range hooks {
					fn(ctx)
				}
			}
			connectedBefore = true

			err = c.readLoop(ctx, conn)

			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}

		c.setState(Disconnected)
		if ctx.Err() != nil {
			return
		}

		delay, _ := backoff.Next()
		c.log.Debug(ctx, "connection lost, reconnecting", "error", err, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Channel) dial(ctx context.Context, tokens TokenSource) (*websocket.Conn, error) {
	token, err := tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		ev, err := decodeEvent(data)
		if err != nil {
			c.log.Warn(ctx, "dropping malformed event", "error", err)
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(ctx, ev)
		}
	}
}

func decodeEvent(data []byte) (Event, error) {
	var raw wire.Event
	if err := wire.Unmarshal(data, &raw); err != nil {
		return Event{}, err
	}
	kind, err := domain.ParseKind(raw.EntityType)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Type: raw.Type, Kind: kind, RoomID: raw.RoomID}

	if len(raw.Entity) > 0 && string(raw.Entity) != "null" {
		var e models.Entity
		if err := json.Unmarshal(raw.Entity, &e); err != nil {
			return Event{}, err
		}
		if e.Kind == "" {
			e.Kind = kind
		}
		ev.EntityID = e.ID
		if e.Version > 0 {
			ev.Entity = &e
		}
	}
	if ev.EntityID == "" {
		return Event{}, errors.New("event without entity id")
	}
	return ev, nil
}

func send(ctx context.Context, conn *websocket.Conn, f wire.Frame) error {
	b, err := wire.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
