// Package connectivity watches whether the backend is reachable and tells
// listeners when the app goes online or offline.
package connectivity

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/roomies/internal/logging"
)

type Mode string

const (
	ModeUnknown Mode = "unknown"
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Prober checks reachability once.
type Prober interface {
	Probe(ctx context.Context) error
}

type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	log      logging.Logger

	mu        sync.RWMutex
	mode      Mode
	listeners []func(Mode)
}

// NewMonitor probes every interval. Each probe is limited to timeout.
func NewMonitor(p Prober, interval, timeout time.Duration, log logging.Logger) *Monitor {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Monitor{
		prober:   p,
		interval: interval,
		timeout:  timeout,
		log:      log.With("component", "connectivity"),
		mode:     ModeUnknown,
	}
}

func (m *Monitor) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// OnChange registers fn for every mode transition.
func (m *Monitor) OnChange(fn func(Mode)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Run probes right away and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check probes once and updates the mode.
func (m *Monitor) Check(ctx context.Context) Mode {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(pctx)
	cancel()

	if ctx.Err() != nil {
		return m.Mode()
	}
	if err != nil {
		m.set(ctx, ModeOffline, err)
	} else {
		m.set(ctx, ModeOnline, nil)
	}
	return m.Mode()
}

func (m *Monitor) set(ctx context.Context, mode Mode, cause error) {
	m.mu.Lock()
	if m.mode == mode {
		m.mu.Unlock()
		return
	}
	m.mode = mode
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	if cause != nil {
		m.log.Info(ctx, "switched mode", "mode", mode, "error", cause)
	} else {
		m.log.Info(ctx, "switched mode", "mode", mode)
	}
	for _, fn := range listeners {
		fn(mode)
	}
}
