package syncengine

import (
	"context"
	"time"
)

// SyncNow pushes queued changes and then pulls. Push runs first so that the
// pull does not overwrite local edits that are about to be sent.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.setState(StateSyncing)

	report, err := e.Push(ctx)
	if err != nil {
		if isAuthError(err) {
			return err
		}
		e.setState(StateIdle)
		return err
	}
	if report != (PushReport{}) {
		e.log.Info(ctx, "push done",
			"pushed", report.Pushed, "deferred", report.Deferred, "rejected", report.Rejected, "conflicts", report.Conflicts)
	}

	_, err = e.Pull(ctx)
	if isAuthError(err) {
		e.setState(StateAuthRequired)
		return err
	}
	e.setState(StateIdle)
	return err
}

// Run syncs once, then keeps syncing until ctx is done: a full sync every
// PullInterval, a push after every Kick and when a scheduled retry is due.
// It returns nil when ctx is cancelled and common.ErrReauthRequired when the
// session ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PullInterval)
	defer ticker.Stop()

	retryTimer := time.NewTimer(time.Hour)
	retryTimer.Stop()
	defer retryTimer.Stop()

	cycle := func(full bool) error {
		var err error
		if full {
			err = e.SyncNow(ctx)
		} else {
			_, err = e.Push(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}
		if isAuthError(err) {
			e.log.Warn(ctx, "sync stopped, sign in again", "error", err)
			return err
		}
		if err != nil {
			e.log.Info(ctx, "sync failed", "error", err)
		}
		if d, ok := e.nextRetry(ctx); ok {
			retryTimer.Reset(d)
		}
		return nil
	}

	if err := cycle(true); err != nil {
		return err
	}
	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err = cycle(true)
		case <-e.kick:
			err = cycle(false)
		case <-retryTimer.C:
			err = cycle(false)
		}
		if err != nil {
			return err
		}
	}
}

// nextRetry returns how long until the earliest parked mutation is due.
func (e *Engine) nextRetry(ctx context.Context) (time.Duration, bool) {
	pending, err := e.store.Pending(ctx)
	if err != nil || len(pending) == 0 {
		return 0, false
	}
	now := e.opts.Now()
	var earliest time.Time
	for _, m := range pending {
		if !m.NextAttemptAt.After(now) {
			continue
		}
		if earliest.IsZero() || m.NextAttemptAt.Before(earliest) {
			earliest = m.NextAttemptAt
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return earliest.Sub(now), true
}
