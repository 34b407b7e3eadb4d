// Package store is the local entity store: the durable copy of every synced
// entity plus the queue of local mutations waiting to be pushed.
//
// Every operation on one entity runs under that entity's lock and inside a
// single SQLite transaction, so the entity row and its queue never disagree.
// Operations on different entities run in parallel.
package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/repositories/conflicts"
	"github.com/dmitrijs2005/roomies/internal/client/repositories/deferred"
	"github.com/dmitrijs2005/roomies/internal/client/repositories/entities"
	"github.com/dmitrijs2005/roomies/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/roomies/internal/client/repositories/mutations"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/logging"
)

// ErrSuperseded is returned for a mutation that is no longer queued, because
// a delete or a conflict resolution removed it meanwhile. Results of such a
// push must be discarded.
var ErrSuperseded = errors.New("mutation no longer queued")

// Source tells subscribers where a change came from.
type Source int

const (
	SourceLocal Source = iota
	SourceRemote
)

// Change is delivered to subscribers after a committed write.
type Change struct {
	EntityID string
	Kind     domain.Kind
	Deleted  bool
	Source   Source
}

type repos struct {
	entities  entities.Repository
	mutations mutations.Repository
	conflicts conflicts.Repository
	deferred  deferred.Repository
	metadata  metadata.Repository
}

func reposFor(db dbx.DBTX) repos {
	return repos{
		entities:  entities.NewSQLiteRepository(db),
		mutations: mutations.NewSQLiteRepository(db),
		conflicts: conflicts.NewSQLiteRepository(db),
		deferred:  deferred.NewSQLiteRepository(db),
		metadata:  metadata.NewSQLiteRepository(db),
	}
}

type Store struct {
	db    *sql.DB
	log   logging.Logger
	locks *keyedMutex
	now   func() time.Time

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	flightMu sync.Mutex
	inFlight map[string]context.CancelFunc
}

// New wraps a migrated database (see localdb.Open).
func New(db *sql.DB, log logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{
		db:       db,
		log:      log.With("component", "store"),
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
		subs:     make(map[int]func(Change)),
		inFlight: make(map[string]context.CancelFunc),
	}
}

func (s *Store) read() repos { return reposFor(s.db) }

func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, r repos) error) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, reposFor(tx))
	})
}

// Subscribe registers fn for committed changes. Call the returned func to
// unsubscribe. fn runs on the writer's goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.subMu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}
