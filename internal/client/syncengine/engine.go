// Package syncengine keeps the local entity store eventually consistent with
// the backend.
//
// Local changes are queued durably by the store and pushed in FIFO order per
// entity, different entities in parallel. Server changes arrive through the
// periodic pull of the change feed and through realtime events; both paths
// merge through store.ApplyRemote, which ignores versions it already has.
// Version conflicts are settled in favour of the server and the discarded
// local change is kept in the conflict log.
package syncengine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/client/netclient"
	"github.com/dmitrijs2005/roomies/internal/client/store"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/metrics"
)

// API is the part of the network client the engine talks to.
type API interface {
	PushMutation(ctx context.Context, m *models.PendingMutation) (*models.Entity, error)
	Changes(ctx context.Context, since int64, limit int) (*netclient.ChangesPage, error)
	FetchEntity(ctx context.Context, kind domain.Kind, id string) (*models.Entity, error)
}

type State int

const (
	StateIdle State = iota
	StateSyncing
	StateOffline
	// StateAuthRequired means the session ended and syncing waits for a new
	// sign-in.
	StateAuthRequired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateOffline:
		return "offline"
	case StateAuthRequired:
		return "auth required"
	default:
		return "unknown"
	}
}

// Status feeds the connection status indicator.
type Status struct {
	State     State
	Pending   int
	LastSync  time.Time
	LastError string
}

// Failure reports a mutation the server refused for good.
type Failure struct {
	Mutation *models.PendingMutation
	Err      error
}

type Options struct {
	PushConcurrency int
	PullInterval    time.Duration
	PageSize        int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	Metrics         *metrics.Sync
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.PushConcurrency <= 0 {
		o.PushConcurrency = 4
	}
	if o.PullInterval <= 0 {
		o.PullInterval = time.Minute
	}
	if o.PageSize <= 0 {
		o.PageSize = 200
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Engine struct {
	api   API
	store *store.Store
	log   logging.Logger
	opts  Options

	pushMu sync.Mutex
	pullMu sync.Mutex
	kick   chan struct{}

	mu         sync.Mutex
	state      State
	offline    bool
	lastSync   time.Time
	lastError  string
	onConflict []func(*models.ConflictEvent)
	onFailure  []func(Failure)
	onStatus   []func(Status)
}

func New(api API, st *store.Store, log logging.Logger, opts Options) *Engine {
	opts.setDefaults()
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		api:   api,
		store: st,
		log:   log.With("component", "sync"),
		opts:  opts,
		kick:  make(chan struct{}, 1),
	}
}

func (e *Engine) OnConflict(fn func(*models.ConflictEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConflict = append(e.onConflict, fn)
}

func (e *Engine) OnFailure(fn func(Failure)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailure = append(e.onFailure, fn)
}

// OnStatus registers fn for state changes. Pending is not kept up to date in
// the status passed to fn; call Status for an exact count.
func (e *Engine) OnStatus(fn func(Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStatus = append(e.onStatus, fn)
}

// Status returns the current sync status.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	n, err := e.store.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	e.opts.Metrics.SetPending(n)

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.snapshot()
	st.Pending = n
	return st, nil
}

// snapshot must be called with e.mu held.
func (e *Engine) snapshot() Status {
	st := Status{State: e.state, LastSync: e.lastSync, LastError: e.lastError}
	if e.offline && st.State == StateIdle {
		st.State = StateOffline
	}
	return st
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	st := e.snapshot()
	listeners := slices.Clone(e.onStatus)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

// SetOffline tells the engine whether the backend is reachable. Going back
// online triggers a push.
func (e *Engine) SetOffline(offline bool) {
	e.mu.Lock()
	was := e.offline
	e.offline = offline
	st := e.snapshot()
	listeners := slices.Clone(e.onStatus)
	e.mu.Unlock()

	if was == offline {
		return
	}
	for _, fn := range listeners {
		fn(st)
	}
	if !offline {
		e.Kick()
	}
}

// Kick asks Run for a push as soon as possible. It never blocks.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.lastError = ""
		return
	}
	e.lastError = err.Error()
}

func (e *Engine) conflictListeners() []func(*models.ConflictEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.onConflict)
}

func (e *Engine) failureListeners() []func(Failure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.onFailure)
}
