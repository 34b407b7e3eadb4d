package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/dmitrijs2005/roomies/internal/client/auth"
	"github.com/dmitrijs2005/roomies/internal/client/config"
	"github.com/dmitrijs2005/roomies/internal/client/credstore"
	"github.com/dmitrijs2005/roomies/internal/client/localdb"
	"github.com/dmitrijs2005/roomies/internal/client/realtime"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upProber struct{}

func (upProber) Probe(context.Context) error { return nil }

// backend is the smallest server the client can sync against.
type backend struct {
	mu        sync.Mutex
	version   int64
	creates   atomic.Int32
	uploads   atomic.Int32
	signOut   atomic.Int32
	roomPulls atomic.Int32
	auth      []string
}

const (
	householdJSON = `{"id":"h9","entity_type":"household","version":3,"updated_at":"2026-03-01T00:00:00Z",` +
		`"payload":{"name":"Flat","invite_code":"AB12CD34","owner_id":"u2"}}`
	roomTaskJSON = `{"id":"t9","entity_type":"task","version":4,"updated_at":"2026-03-01T00:00:00Z",` +
		`"payload":{"household_id":"h9","title":"Bins","points":2,"completed":false}}`
)

func (b *backend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	tokens := func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"user_id":"u1","access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`)
	}
	mux.HandleFunc("POST /v1/auth/signin", func(w http.ResponseWriter, r *http.Request) { tokens(w) })
	mux.HandleFunc("POST /v1/auth/signup", func(w http.ResponseWriter, r *http.Request) { tokens(w) })
	mux.HandleFunc("POST /v1/auth/signout", func(w http.ResponseWriter, r *http.Request) {
		b.signOut.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/changes", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		since := q.Get("since")
		if q.Get("room") == "h9" {
			b.roomPulls.Add(1)
			switch since {
			case "0":
				_, _ = io.WriteString(w, `{"entities":[`+householdJSON+`],"cursor":3,"has_more":true}`)
			default:
				_, _ = io.WriteString(w, `{"entities":[`+roomTaskJSON+`],"cursor":4,"has_more":false}`)
			}
			return
		}
		_, _ = io.WriteString(w, `{"entities":[],"cursor":`+since+`,"has_more":false}`)
	})
	mux.HandleFunc("POST /v1/households/join", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, householdJSON)
	})
	mux.HandleFunc("POST /v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.auth = append(b.auth, r.Header.Get("Authorization"))
		b.version++
		v := b.version
		b.mu.Unlock()
		b.creates.Add(1)

		var req struct {
			ID      string          `json:"id"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"`+req.ID+`","entity_type":"task","version":`+strconv.FormatInt(v, 10)+
			`,"updated_at":"2026-03-01T00:00:00Z","payload":`+string(req.Payload)+`}`)
	})
	mux.HandleFunc("POST /v1/tasks/{id}/attachments", func(w http.ResponseWriter, r *http.Request) {
		host := "http://" + r.Host
		_, _ = io.WriteString(w, `{"key":"k1","upload_url":"`+host+`/upload/k1","download_url":"`+host+`/download/k1","expires_in":900}`)
	})
	mux.HandleFunc("PUT /upload/{key}", func(w http.ResponseWriter, r *http.Request) {
		b.uploads.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/realtime", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	})
	return mux
}

func newTestApp(t *testing.T) (*App, *backend, *credstore.MemoryStore) {
	t.Helper()
	b := &backend{}
	srv := httptest.NewServer(b.handler(t))
	t.Cleanup(srv.Close)

	db, err := localdb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.ServerURL = srv.URL
	cfg.PullInterval = time.Hour
	cfg.OnlineCheckInterval = time.Hour

	creds := credstore.NewMemoryStore()
	a, err := New(context.Background(), cfg, nil, Deps{
		DB:          db,
		Credentials: creds,
		Prober:      upProber{},
		Registry:    prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, b, creds
}

func TestStart_RequiresSession(t *testing.T) {
	a, _, _ := newTestApp(t)
	err := a.Start(context.Background())
	assert.ErrorIs(t, err, common.ErrNotAuthenticated)
}

func TestSignInSyncSignOut(t *testing.T) {
	a, b, creds := newTestApp(t)
	ctx := context.Background()

	s, err := a.SignIn(ctx, "a@b.com", "Secret123")
	require.NoError(t, err)
	assert.NotEmpty(t, s.AccessToken)
	assert.NotEmpty(t, s.RefreshToken)

	blob, err := creds.Load(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	e, err := a.Engine().Create(ctx, &domain.Task{HouseholdID: "h1", Title: "Dishes"})
	require.NoError(t, err)
	assert.True(t, e.Dirty)

	require.Eventually(t, func() bool {
		got, err := a.Store().Get(ctx, e.ID)
		return err == nil && !got.Dirty && got.Version == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, b.creates.Load())

	b.mu.Lock()
	assert.Equal(t, "Bearer at-1", b.auth[0])
	b.mu.Unlock()

	require.NoError(t, a.SignOut(ctx))
	a.Auth().Wait()
	assert.Nil(t, a.Auth().CurrentSession())
	assert.Equal(t, auth.Unauthenticated, a.Auth().State())
	assert.EqualValues(t, 1, b.signOut.Load())

	list, err := a.Store().List(ctx, domain.KindTask, true)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAttach_UploadsThroughPresignedURL(t *testing.T) {
	a, b, _ := newTestApp(t)
	ctx := context.Background()

	_, err := a.SignIn(ctx, "a@b.com", "Secret123")
	require.NoError(t, err)

	e, err := a.Engine().Create(ctx, &domain.Task{HouseholdID: "h1", Title: "Photo proof"})
	require.NoError(t, err)

	path := t.TempDir() + "/proof.jpg"
	require.NoError(t, os.WriteFile(path, []byte("jpeg bytes"), 0o600))

	out, err := a.Attach(ctx, e.ID, path, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "k1", out.Key)
	assert.EqualValues(t, 1, b.uploads.Load())

	_, err = a.Attach(ctx, "missing", path, "image/jpeg")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestJoinHousehold_BackfillsRoomHistory(t *testing.T) {
	a, b, _ := newTestApp(t)
	ctx := context.Background()

	_, err := a.SignIn(ctx, "a@b.com", "Secret123")
	require.NoError(t, err)

	h, err := a.JoinHousehold(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, "h9", h.ID)
	assert.EqualValues(t, 2, b.roomPulls.Load())

	task, err := a.Store().Get(ctx, "t9")
	require.NoError(t, err)
	assert.Equal(t, int64(4), task.Version)
	assert.False(t, task.Dirty)

	list, err := a.Store().List(ctx, domain.KindHousehold, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "h9", list[0].ID)
}

func TestRealtime_ReconnectsAfterSessionEndsAndUserSignsInAgain(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()

	_, err := a.SignIn(ctx, "a@b.com", "Secret123")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Realtime().State() == realtime.Connected }, 3*time.Second, 10*time.Millisecond)

	// ends the session the way a rejected refresh does
	require.NoError(t, a.Auth().SignOut(ctx))
	a.Auth().Wait()
	require.Eventually(t, func() bool { return a.Realtime().State() == realtime.Disconnected }, 3*time.Second, 10*time.Millisecond)

	_, err = a.SignIn(ctx, "a@b.com", "Secret123")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Realtime().State() == realtime.Connected }, 3*time.Second, 10*time.Millisecond)
}
