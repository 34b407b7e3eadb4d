package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/client/store"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// PushReport summarises one push cycle.
type PushReport struct {
	Pushed    int
	Deferred  int
	Rejected  int
	Conflicts int
}

func (r *PushReport) add(o PushReport) {
	r.Pushed += o.Pushed
	r.Deferred += o.Deferred
	r.Rejected += o.Rejected
	r.Conflicts += o.Conflicts
}

// outcome says whether the chain of an entity may go on after a mutation.
type outcome int

const (
	proceed outcome = iota
	halt
)

// Push sends every due queued mutation. Mutations of one entity go one at a
// time in queue order; a transient failure parks the rest of that entity's
// chain until the retry is due. An ended session stops the whole cycle with
// common.ErrReauthRequired.
func (e *Engine) Push(ctx context.Context) (PushReport, error) {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()

	heads, err := e.store.PendingHeads(ctx, e.opts.Now())
	if err != nil {
		return PushReport{}, fmt.Errorf("pending heads: %w", err)
	}

	var report PushReport
	for _, wave := range waves(heads) {
		r, werr := e.pushWave(ctx, wave)
		report.add(r)
		if werr != nil {
			err = werr
			break
		}
	}

	if n, cerr := e.store.PendingCount(ctx); cerr == nil {
		e.opts.Metrics.SetPending(n)
	}
	if isAuthError(err) {
		e.setState(StateAuthRequired)
		e.recordError(err)
	}
	return report, err
}

// waves splits heads so that households go out before the tasks that
// reference them. Order inside a wave is kept.
func waves(heads []*models.PendingMutation) [][]*models.PendingMutation {
	var parents, children []*models.PendingMutation
	for _, h := range heads {
		if h.Kind == domain.KindTask {
			children = append(children, h)
		} else {
			parents = append(parents, h)
		}
	}
	var out [][]*models.PendingMutation
	for _, w := range [][]*models.PendingMutation{parents, children} {
		if len(w) > 0 {
			out = append(out, w)
		}
	}
	return out
}

func (e *Engine) pushWave(ctx context.Context, heads []*models.PendingMutation) (PushReport, error) {
	var (
		mu     sync.Mutex
		report PushReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.PushConcurrency)
	for _, h := range heads {
		entityID := h.EntityID
		g.Go(func() error {
			r, err := e.drain(gctx, entityID)
			mu.Lock()
			report.add(r)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return report, err
}

// drain pushes the queue of one entity until it is empty, not yet due or
// halted by a failure.
func (e *Engine) drain(ctx context.Context, entityID string) (PushReport, error) {
	var report PushReport
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		m, err := e.store.NextFor(ctx, entityID)
		if errors.Is(err, common.ErrNotFound) {
			return report, nil
		}
		if err != nil {
			return report, err
		}
		if m.NextAttemptAt.After(e.opts.Now()) {
			return report, nil
		}

		o, err := e.pushOne(ctx, m, &report)
		if err != nil || o == halt {
			return report, err
		}
	}
}

func (e *Engine) pushOne(ctx context.Context, m *models.PendingMutation, report *PushReport) (outcome, error) {
	pctx, release, err := e.store.Claim(ctx, m)
	if errors.Is(err, store.ErrSuperseded) {
		return proceed, nil
	}
	if err != nil {
		return halt, err
	}
	defer release()

	log := e.log.With("entity_id", m.EntityID, "op", m.Op, "key", m.IdempotencyKey)

	start := time.Now()
	remote, err := e.api.PushMutation(pctx, m)
	e.opts.Metrics.ObservePush(time.Since(start))

	if err == nil {
		if err := e.store.Ack(ctx, m, remote); err != nil {
			if errors.Is(err, store.ErrSuperseded) {
				log.Debug(ctx, "late result discarded")
				return proceed, nil
			}
			return halt, err
		}
		log.Debug(ctx, "mutation acknowledged", "version", versionOf(remote))
		e.opts.Metrics.Pushed()
		report.Pushed++
		return proceed, nil
	}

	if ctx.Err() != nil {
		return halt, ctx.Err()
	}
	if pctx.Err() != nil {
		// a local delete took over the queue while the request was out
		log.Debug(ctx, "push abandoned")
		return proceed, nil
	}
	return e.handleFailure(ctx, m, err, report)
}

func (e *Engine) handleFailure(ctx context.Context, m *models.PendingMutation, cause error, report *PushReport) (outcome, error) {
	var (
		conflict *common.VersionConflictError
		srvErr   *common.ServerError
	)
	switch {
	case isAuthError(cause):
		return halt, cause

	case errors.Is(cause, common.ErrNotFound) && m.Op == models.OpDelete:
		// already gone on the server
		if err := e.store.Ack(ctx, m, nil); err != nil && !errors.Is(err, store.ErrSuperseded) {
			return halt, err
		}
		e.opts.Metrics.Pushed()
		report.Pushed++
		return proceed, nil

	case errors.Is(cause, common.ErrNotFound) && m.Op == models.OpUpdate:
		return e.resolve(ctx, m, e.tombstone(m), report)

	case errors.As(cause, &conflict):
		remote, err := e.conflictState(ctx, m, conflict)
		if err != nil {
			return e.retryLater(ctx, m, err, report)
		}
		if m.Op == models.OpDelete && conflict.LastMutationKey != "" && slices.Contains(m.Supersedes, conflict.LastMutationKey) {
			// the newer server version is our own superseded write
			if err := e.store.Rebase(ctx, m, remote.Version); err != nil && !errors.Is(err, store.ErrSuperseded) {
				return halt, err
			}
			return proceed, nil
		}
		return e.resolve(ctx, m, remote, report)

	case errors.As(cause, &srvErr) && !srvErr.Retryable(),
		errors.Is(cause, common.ErrForbidden),
		errors.Is(cause, common.ErrValidation),
		errors.Is(cause, common.ErrNotFound):
		return e.reject(ctx, m, cause, report)

	default:
		return e.retryLater(ctx, m, cause, report)
	}
}

func (e *Engine) retryLater(ctx context.Context, m *models.PendingMutation, cause error, report *PushReport) (outcome, error) {
	next := e.opts.Now().Add(e.retryDelay(m.Attempts))
	if err := e.store.Retry(ctx, m, cause, next); err != nil {
		return halt, err
	}
	e.log.Info(ctx, "push failed, will retry",
		"entity_id", m.EntityID, "op", m.Op, "attempts", m.Attempts, "next_attempt", next, "error", cause)
	e.opts.Metrics.PushFailed(failureReason(cause))
	e.recordError(cause)
	report.Deferred++
	return halt, nil
}

func (e *Engine) reject(ctx context.Context, m *models.PendingMutation, cause error, report *PushReport) (outcome, error) {
	if err := e.store.Reject(ctx, m, cause); err != nil {
		if errors.Is(err, store.ErrSuperseded) {
			return proceed, nil
		}
		return halt, err
	}
	e.opts.Metrics.Rejected()
	e.recordError(cause)
	report.Rejected++

	f := Failure{Mutation: m, Err: cause}
	for _, fn := range e.failureListeners() {
		fn(f)
	}
	return proceed, nil
}

func (e *Engine) resolve(ctx context.Context, m *models.PendingMutation, remote *models.Entity, report *PushReport) (outcome, error) {
	events, err := e.store.ResolveConflict(ctx, m, remote)
	if err != nil {
		if errors.Is(err, store.ErrSuperseded) {
			return proceed, nil
		}
		return halt, err
	}
	e.opts.Metrics.Conflict(len(events))
	report.Conflicts += len(events)

	listeners := e.conflictListeners()
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
	return proceed, nil
}

// conflictState returns the server state carried by a conflict response,
// fetching it when the response had none.
func (e *Engine) conflictState(ctx context.Context, m *models.PendingMutation, c *common.VersionConflictError) (*models.Entity, error) {
	if len(c.Current) > 0 && string(c.Current) != "null" {
		var remote models.Entity
		if err := json.Unmarshal(c.Current, &remote); err == nil && remote.Version > 0 {
			remote.ID, remote.Kind = m.EntityID, m.Kind
			return &remote, nil
		}
	}
	remote, err := e.api.FetchEntity(ctx, m.Kind, m.EntityID)
	if errors.Is(err, common.ErrNotFound) {
		return e.tombstone(m), nil
	}
	return remote, err
}

// tombstone stands in for an entity the server no longer has at all.
func (e *Engine) tombstone(m *models.PendingMutation) *models.Entity {
	now := e.opts.Now().UTC()
	return &models.Entity{ID: m.EntityID, Kind: m.Kind, Version: m.BaseVersion + 1, UpdatedAt: now, DeletedAt: &now}
}

// retryDelay is the capped, jittered exponential delay after the given
// number of failed attempts.
func (e *Engine) retryDelay(attempts int) time.Duration {
	b := retry.NewExponential(e.opts.RetryBaseDelay)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(e.opts.RetryMaxDelay, b)

	// past this the cap always applies
	attempts = min(attempts, 16)
	var d time.Duration
	for range attempts + 1 {
		d, _ = b.Next()
	}
	return d
}

func isAuthError(err error) bool {
	return errors.Is(err, common.ErrReauthRequired) ||
		errors.Is(err, common.ErrNotAuthenticated) ||
		errors.Is(err, common.ErrUnauthorized)
}

func failureReason(err error) string {
	var srvErr *common.ServerError
	switch {
	case errors.Is(err, common.ErrTimeout):
		return "timeout"
	case errors.Is(err, common.ErrNetworkUnavailable):
		return "network"
	case errors.As(err, &srvErr):
		return "server"
	default:
		return "other"
	}
}

func versionOf(e *models.Entity) int64 {
	if e == nil {
		return 0
	}
	return e.Version
}
