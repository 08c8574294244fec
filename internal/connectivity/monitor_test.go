package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProbe returns the scripted results in order, repeating the
// final one.
type scriptedProbe struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *scriptedProbe) probe(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++

	i := p.calls - 1
	if i >= len(p.results) {
		i = len(p.results) - 1
	}

	return p.results[i]
}

var errUnreachable = errors.New("unreachable")

func newTestMonitor(probe ProbeFunc) *Monitor {
	m := NewMonitor(probe, Options{Interval: time.Hour, Grace: time.Millisecond}, testLogger())
	// No real sleeping in tests.
	m.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}

	return m
}

func TestMonitor_StartsOffline(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(func(context.Context) error { return nil })
	if m.IsOnline() {
		t.Error("monitor online before first probe")
	}
}

func TestMonitor_CommitsOnlineAfterGraceReprobe(t *testing.T) {
	t.Parallel()

	probe := &scriptedProbe{results: []error{nil}}
	m := newTestMonitor(probe.probe)

	m.observe(context.Background(), m.check(context.Background()))

	if !m.IsOnline() {
		t.Error("monitor offline after successful probe and grace re-probe")
	}

	// One initial probe plus one grace re-probe.
	if probe.calls != 2 {
		t.Errorf("probe calls = %d, want 2", probe.calls)
	}
}

func TestMonitor_FlappingStaysOffline(t *testing.T) {
	t.Parallel()

	// First probe succeeds, but the grace re-probe (and its retry
	// budget) fails: the transition must be discarded.
	results := []error{nil}
	for i := 0; i <= probeRetryBudget; i++ {
		results = append(results, errUnreachable)
	}

	probe := &scriptedProbe{results: results}
	m := newTestMonitor(probe.probe)

	m.observe(context.Background(), true)

	if m.IsOnline() {
		t.Error("flapping link committed online")
	}
}

func TestMonitor_OfflineCommitsImmediately(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(func(context.Context) error { return errUnreachable })
	m.SetOnline(true)

	m.observe(context.Background(), false)

	if m.IsOnline() {
		t.Error("monitor still online after failed probe")
	}
}

func TestMonitor_CallbackFiresOncePerTransition(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(func(context.Context) error { return nil })

	var (
		mu          sync.Mutex
		transitions []bool
	)

	m.OnChange(func(online bool) {
		mu.Lock()
		defer mu.Unlock()

		transitions = append(transitions, online)
	})

	m.SetOnline(true)
	m.SetOnline(true) // no edge, no callback
	m.SetOnline(false)
	m.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()

	want := []bool{true, false, true}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}

	for i, w := range want {
		if transitions[i] != w {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestMonitor_ProbeRetriesBeforeReportingOffline(t *testing.T) {
	t.Parallel()

	// Two transient failures inside the retry budget, then success: the
	// check must still report reachable.
	probe := &scriptedProbe{results: []error{errUnreachable, errUnreachable, nil}}
	m := newTestMonitor(probe.probe)

	if !m.check(context.Background()) {
		t.Error("check reported unreachable despite recovery within budget")
	}
}

func TestHTTPProbe_StatusHandling(t *testing.T) {
	t.Parallel()

	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.Client(), srv.URL+"/healthz")

	if err := probe(context.Background()); err != nil {
		t.Errorf("200: probe = %v, want nil", err)
	}

	// 401 proves the backend is alive.
	status = http.StatusUnauthorized
	if err := probe(context.Background()); err != nil {
		t.Errorf("401: probe = %v, want nil", err)
	}

	status = http.StatusServiceUnavailable
	if err := probe(context.Background()); err == nil {
		t.Error("503: probe = nil, want error")
	}
}

func TestHTTPProbe_NetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // deliberately dead

	probe := HTTPProbe(nil, srv.URL)
	if err := probe(context.Background()); err == nil {
		t.Error("probe against closed server = nil, want error")
	}
}
