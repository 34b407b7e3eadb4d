package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) { return string(s), nil }

// fakeHub accepts websocket connections, records client frames and lets the
// test push raw messages or drop the current connection.
type fakeHub struct {
	t *testing.T

	mu      sync.Mutex
	conns   []*websocket.Conn
	frames  []wire.Frame
	auth    []string
	accepts atomic.Int32
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.auth = append(h.auth, r.Header.Get("Authorization"))
	h.mu.Unlock()
	h.accepts.Add(1)

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var f wire.Frame
		if err := wire.Unmarshal(data, &f); err == nil {
			h.mu.Lock()
			h.frames = append(h.frames, f)
			h.mu.Unlock()
		}
	}
}

func (h *fakeHub) last() *websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[len(h.conns)-1]
}

func (h *fakeHub) push(msg string) {
	require.NoError(h.t, h.last().Write(context.Background(), websocket.MessageText, []byte(msg)))
}

func (h *fakeHub) subscribed(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, f := range h.frames {
		if f.Type == wire.FrameSubscribe && f.RoomID == room {
			n++
		}
	}
	return n
}

func startHub(t *testing.T) (*fakeHub, string) {
	t.Helper()
	h := &fakeHub{t: t}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newChannel(url string) *Channel {
	return New(Options{
		URL:                url,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}, nil)
}

func TestChannel_ConnectsAndDeliversEvents(t *testing.T) {
	hub, url := startHub(t)
	ch := newChannel(url)

	events := make(chan Event, 4)
	ch.OnEvent(func(_ context.Context, ev Event) { events <- ev })

	require.NoError(t, ch.Connect(context.Background(), staticToken("tok")))
	defer ch.Disconnect()

	require.Eventually(t, func() bool { return ch.State() == Connected }, 2*time.Second, 5*time.Millisecond)
	hub.mu.Lock()
	assert.Equal(t, "Bearer tok", hub.auth[0])
	hub.mu.Unlock()

	hub.push(`{"type":"entity.updated","entity_type":"task","room_id":"h1",
		"entity":{"id":"t1","version":3,"updated_at":"2026-01-02T03:04:05Z",
		"payload":{"household_id":"h1","title":"Dishes"}}}`)

	select {
	case ev := <-events:
		assert.Equal(t, wire.EventEntityUpdated, ev.Type)
		assert.Equal(t, domain.KindTask, ev.Kind)
		assert.Equal(t, "h1", ev.RoomID)
		assert.Equal(t, "t1", ev.EntityID)
		require.NotNil(t, ev.Entity)
		assert.EqualValues(t, 3, ev.Entity.Version)
		assert.Equal(t, domain.KindTask, ev.Entity.Kind)
		assert.JSONEq(t, `{"householdId":"h1","title":"Dishes"}`, string(ev.Entity.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestChannel_EventWithoutVersionCarriesOnlyID(t *testing.T) {
	hub, url := startHub(t)
	ch := newChannel(url)

	events := make(chan Event, 4)
	ch.OnEvent(func(_ context.Context, ev Event) { events <- ev })
	require.NoError(t, ch.Connect(context.Background(), staticToken("tok")))
	defer ch.Disconnect()
	require.Eventually(t, func() bool { return ch.State() == Connected }, 2*time.Second, 5*time.Millisecond)

	hub.push(`not json`)
	hub.push(`{"type":"entity.deleted","entity_type":"household","entity":{"id":"h9"}}`)

	select {
	case ev := <-events:
		assert.Equal(t, "h9", ev.EntityID)
		assert.Nil(t, ev.Entity)
		assert.Equal(t, domain.KindHousehold, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestChannel_ReconnectResubscribesAndRunsHooks(t *testing.T) {
	hub, url := startHub(t)
	ch := newChannel(url)

	var reconnects atomic.Int32
	ch.OnReconnect(func(context.Context) { reconnects.Add(1) })

	require.NoError(t, ch.Subscribe(context.Background(), "h1"))
	require.NoError(t, ch.Connect(context.Background(), staticToken("tok")))
	defer ch.Disconnect()

	require.Eventually(t, func() bool { return hub.subscribed("h1") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, reconnects.Load())

	require.NoError(t, hub.last().Close(websocket.StatusGoingAway, "restart"))

	require.Eventually(t, func() bool { return hub.accepts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.subscribed("h1") == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return reconnects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_SubscribeWhileConnectedSendsFrame(t *testing.T) {
	hub, url := startHub(t)
	ch := newChannel(url)
	require.NoError(t, ch.Connect(context.Background(), staticToken("tok")))
	defer ch.Disconnect()
	require.Eventually(t, func() bool { return ch.State() == Connected }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Subscribe(context.Background(), "h2"))
	require.Eventually(t, func() bool { return hub.subscribed("h2") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Unsubscribe(context.Background(), "h2"))
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		last := hub.frames[len(hub.frames)-1]
		return last.Type == wire.FrameUnsubscribe && last.RoomID == "h2"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_DisconnectStopsLoop(t *testing.T) {
	_, url := startHub(t)
	ch := newChannel(url)

	var states []State
	var mu sync.Mutex
	ch.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background(), staticToken("tok")))
	require.Eventually(t, func() bool { return ch.State() == Connected }, 2*time.Second, 5*time.Millisecond)

	ch.Disconnect()
	assert.Equal(t, Disconnected, ch.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, states)
}

func TestChannel_ConnectAgainAfterContextEnds(t *testing.T) {
	hub, url := startHub(t)
	ch := newChannel(url)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ch.Connect(ctx, staticToken("tok")))
	require.Eventually(t, func() bool { return ch.State() == Connected }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		err := ch.Connect(context.Background(), staticToken("tok"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	defer ch.Disconnect()

	require.Eventually(t, func() bool { return hub.accepts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ch.State() == Connected }, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_UnreachableServerKeepsRetrying(t *testing.T) {
	ch := newChannel("ws://127.0.0.1:1/v1/realtime")
	require.NoError(t, ch.Connect(context.Background(), staticToken("tok")))
	time.Sleep(50 * time.Millisecond)
	assert.NotEqual(t, Connected, ch.State())
	ch.Disconnect()
	assert.Equal(t, Disconnected, ch.State())
}

func TestChannel_ConnectTwiceFails(t *testing.T) {
	_, url := startHub(t)
	ch := newChannel(url)
	require.NoError(t, ch.Connect(context.Background(), staticToken("tok")))
	defer ch.Disconnect()
	require.Error(t, ch.Connect(context.Background(), staticToken("tok")))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "unknown", State(9).String())
}
