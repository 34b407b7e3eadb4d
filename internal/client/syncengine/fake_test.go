package syncengine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/localdb"
	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/client/netclient"
	"github.com/dmitrijs2005/roomies/internal/client/store"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/stretchr/testify/require"
)

type call struct {
	Op          models.Op
	EntityID    string
	Key         string
	BaseVersion int64
}

// fakeServer is an in-memory backend with versioning, optimistic
// concurrency and idempotency keys.
type fakeServer struct {
	mu       sync.Mutex
	version  int64
	entities map[string]*models.Entity
	replies  map[string]*models.Entity
	lastKey  map[string]string
	calls    []call

	// failures are returned, in order, instead of handling the next pushes
	failures []error
	// applyThenFail makes the next push take effect but report this error
	applyThenFail error
	// gate, when set, blocks every push until it is closed or ctx ends
	gate    chan struct{}
	entered chan call

	inFlight    map[string]int
	concurrent  int
	maxParallel int
	delay       time.Duration
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		entities: make(map[string]*models.Entity),
		replies:  make(map[string]*models.Entity),
		lastKey:  make(map[string]string),
		inFlight: make(map[string]int),
	}
}

func (f *fakeServer) PushMutation(ctx context.Context, m *models.PendingMutation) (*models.Entity, error) {
	f.mu.Lock()
	c := call{Op: m.Op, EntityID: m.EntityID, Key: m.IdempotencyKey, BaseVersion: m.BaseVersion}
	f.calls = append(f.calls, c)
	f.concurrent++
	f.maxParallel = max(f.maxParallel, f.concurrent)
	f.inFlight[m.EntityID]++
	if f.inFlight[m.EntityID] > 1 {
		f.mu.Unlock()
		panic("two pushes in flight for " + m.EntityID)
	}
	gate, entered, delay := f.gate, f.entered, f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.concurrent--
		f.inFlight[m.EntityID]--
		f.mu.Unlock()
	}()

	if entered != nil {
		entered <- c
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	e, err := f.apply(m)
	if err == nil && f.applyThenFail != nil {
		err, f.applyThenFail = f.applyThenFail, nil
		return nil, err
	}
	return e, err
}

// apply must be called with f.mu held.
func (f *fakeServer) apply(m *models.PendingMutation) (*models.Entity, error) {
	if r, ok := f.replies[m.IdempotencyKey]; ok {
		return r.Clone(), nil
	}
	cur := f.entities[m.EntityID]
	if m.Op != models.OpCreate {
		if cur == nil || (cur.Deleted() && m.Op == models.OpDelete) {
			return nil, common.ErrNotFound
		}
		if cur.Version != m.BaseVersion {
			raw, _ := json.Marshal(cur)
			return nil, &common.VersionConflictError{Current: raw, LastMutationKey: f.lastKey[m.EntityID]}
		}
	} else if cur != nil {
		raw, _ := json.Marshal(cur)
		return nil, &common.VersionConflictError{Current: raw, LastMutationKey: f.lastKey[m.EntityID]}
	}

	f.version++
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.version) * time.Second)
	next := &models.Entity{ID: m.EntityID, Kind: m.Kind, Version: f.version, UpdatedAt: now}
	if m.Op == models.OpDelete {
		next.Payload = cur.Payload
		next.DeletedAt = &now
	} else {
		next.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	f.entities[m.EntityID] = next
	f.replies[m.IdempotencyKey] = next
	f.lastKey[m.EntityID] = m.IdempotencyKey
	return next.Clone(), nil
}

// write simulates a change made by another device.
func (f *fakeServer) write(t *testing.T, id string, p domain.Payload, deleted bool) *models.Entity {
	t.Helper()
	raw, err := domain.EncodePayload(p)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.version++
	e := &models.Entity{ID: id, Kind: p.Kind(), Version: f.version, UpdatedAt: time.Now().UTC(), Payload: raw}
	if deleted {
		now := time.Now().UTC()
		e.DeletedAt = &now
	}
	f.entities[id] = e
	f.lastKey[id] = "other-device"
	return e.Clone()
}

func (f *fakeServer) Changes(_ context.Context, since int64, limit int) (*netclient.ChangesPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	var all []*models.Entity
	for _, e := range f.entities {
		if e.Version > since {
			all = append(all, e.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })

	page := &netclient.ChangesPage{Cursor: since}
	if limit > 0 && len(all) > limit {
		all, page.HasMore = all[:limit], true
	}
	page.Entities = all
	if len(all) > 0 {
		page.Cursor = all[len(all)-1].Version
	}
	return page, nil
}

func (f *fakeServer) FetchEntity(_ context.Context, _ domain.Kind, id string) (*models.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return e.Clone(), nil
}

func (f *fakeServer) pushes() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeServer) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	srv    *fakeServer
	store  *store.Store
	engine *Engine
	clock  *clock
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	db, err := localdb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		srv:   newFakeServer(),
		store: store.New(db, nil),
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	opts := Options{
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
		Now:            h.clock.Now,
		PageSize:       50,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	h.engine = New(h.srv, h.store, nil, opts)
	return h
}

func newTask(title string) *domain.Task {
	return &domain.Task{HouseholdID: "h1", Title: title, Points: 1}
}

func titleOf(t *testing.T, e *models.Entity) string {
	t.Helper()
	tk, err := models.DecodeAs[*domain.Task](e)
	require.NoError(t, err)
	return tk.Title
}

func ops(calls []call) []models.Op {
	out := make([]models.Op, len(calls))
	for i, c := range calls {
		out[i] = c.Op
	}
	return out
}

// synced creates a task and pushes it so that it exists on the server.
func (h *harness) synced(t *testing.T, title string) *models.Entity {
	t.Helper()
	ctx := context.Background()
	e, err := h.engine.Create(ctx, newTask(title))
	require.NoError(t, err)
	_, err = h.engine.Push(ctx)
	require.NoError(t, err)
	got, err := h.store.Get(ctx, e.ID)
	require.NoError(t, err)
	require.False(t, got.Dirty)
	return got
}
