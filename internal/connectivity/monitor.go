// Package connectivity tracks whether the sync backend is reachable.
// Reachability means a successful application-level probe, not a link
// state: captive portals and half-dead networks report online at the
// interface level while every real request fails.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// ProbeFunc performs one reachability check. A nil return means the
// backend answered.
type ProbeFunc func(ctx context.Context) error

const (
	defaultInterval   = 30 * time.Second
	defaultGrace      = 300 * time.Millisecond
	probeRetryBase    = 250 * time.Millisecond
	probeRetryBudget  = 2
	probeClientTimout = 10 * time.Second
)

// Options tunes the monitor. The zero value selects the defaults.
type Options struct {
	// Interval between periodic probes.
	Interval time.Duration
	// Grace is the debounce window before an offline-to-online
	// transition is committed. A flapping network that drops again
	// within the window never reports online.
	Grace time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}

	if o.Grace < 0 {
		o.Grace = 0
	} else if o.Grace == 0 {
		o.Grace = defaultGrace
	}

	return o
}

// Monitor owns the online/offline state. Transitions are edge-triggered:
// each registered callback fires exactly once per state change, never
// per probe.
type Monitor struct {
	probe  ProbeFunc
	opts   Options
	logger *slog.Logger

	online atomic.Bool

	mu       sync.Mutex
	onChange []func(online bool)

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewMonitor creates a monitor in the offline state. It reports nothing
// until Run performs the first probe or SetOnline is called.
func NewMonitor(probe ProbeFunc, opts Options, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		probe:     probe,
		opts:      opts.withDefaults(),
		logger:    logger,
		sleepFunc: sleepCtx,
	}
}

// HTTPProbe returns a ProbeFunc that issues a HEAD request against url.
// Any response below 500 counts as reachable; auth failures still prove
// the backend is there.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: probeClientTimout}
	}

	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return fmt.Errorf("connectivity: build probe: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("connectivity: probe: %w", err)
		}

		_ = resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("connectivity: probe status %d", resp.StatusCode)
		}

		return nil
	}
}

// IsOnline reports the last committed state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// OnChange registers a callback fired on every committed transition.
// Callbacks run on the monitor's goroutine; keep them short or hand off.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onChange = append(m.onChange, fn)
}

// Run probes periodically until ctx is cancelled. Returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	for {
		m.observe(ctx, m.check(ctx))

		if err := m.sleepFunc(ctx, m.opts.Interval); err != nil {
			return err
		}
	}
}

// SetOnline commits a state directly, bypassing probe and grace window.
// Used by the push channel (a live server message is its own proof of
// reachability) and by send-path failures that prove the opposite.
func (m *Monitor) SetOnline(online bool) {
	m.commit(online)
}

// CheckNow probes immediately and commits the result, bypassing the
// grace window. One-shot commands use it before a single drain.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	ok := m.check(ctx)
	m.commit(ok)

	return ok
}

// check runs one probe with a small retry budget so a single dropped
// packet does not flip the state.
func (m *Monitor) check(ctx context.Context) bool {
	backoff := retry.WithMaxRetries(probeRetryBudget, retry.NewExponential(probeRetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.probe(ctx); err != nil {
			return retry.RetryableError(err)
		}

		return nil
	})

	return err == nil
}

// observe folds one probe result into the committed state. Offline
// commits immediately; online waits out the grace window and re-probes
// so a flapping link stays offline.
func (m *Monitor) observe(ctx context.Context, reachable bool) {
	if reachable == m.online.Load() {
		return
	}

	if reachable {
		if err := m.sleepFunc(ctx, m.opts.Grace); err != nil {
			return
		}

		if !m.check(ctx) {
			m.logger.Debug("online transition discarded within grace window")

			return
		}
	}

	m.commit(reachable)
}

// commit stores the state and fires callbacks if it changed.
func (m *Monitor) commit(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	m.logger.Info("connectivity changed", slog.Bool("online", online))

	m.mu.Lock()
	callbacks := make([]func(bool), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(online)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
