package background

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldwork-tools/fieldsync/internal/engine"
	"github.com/fieldwork-tools/fieldsync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubDrainer struct {
	mu     sync.Mutex
	calls  int
	run    *engine.SyncRun
	err    error
	fired  chan struct{}
}

func (d *stubDrainer) Drain(context.Context) (*engine.SyncRun, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	select {
	case d.fired <- struct{}{}:
	default:
	}

	return d.run, d.err
}

func (d *stubDrainer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls
}

type stubChecker struct{ online bool }

func (c *stubChecker) IsOnline() bool { return c.online }

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fieldsync.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	t.Cleanup(func() { _ = st.Close() })

	return st
}

func TestRegister_PersistsAndIdempotent(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	tr := NewTrigger(st, &stubDrainer{}, nil, Options{}, testLogger())
	ctx := context.Background()

	if err := tr.Register(ctx, "evaluations-upload"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := tr.Register(ctx, "evaluations-upload"); err != nil {
		t.Fatalf("Register twice: %v", err)
	}

	tags, err := st.ListTags(ctx)
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}

	if len(tags) != 1 || tags[0].Tag != "evaluations-upload" {
		t.Errorf("tags = %+v, want one evaluations-upload", tags)
	}
}

func TestRegister_RejectsEmptyTag(t *testing.T) {
	t.Parallel()

	tr := NewTrigger(newTestStore(t), &stubDrainer{}, nil, Options{}, testLogger())
	if err := tr.Register(context.Background(), ""); err == nil {
		t.Error("Register(\"\") = nil, want error")
	}
}

func TestSyncOnce_ConsumesTagsAfterSuccessfulDrain(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	drainer := &stubDrainer{run: &engine.SyncRun{ItemsSucceeded: 2}, fired: make(chan struct{}, 1)}
	tr := NewTrigger(st, drainer, nil, Options{}, testLogger())
	ctx := context.Background()

	if err := tr.Register(ctx, "field-visits"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tr.syncOnce(ctx)

	tags, _ := st.ListTags(ctx)
	if len(tags) != 0 {
		t.Errorf("tags after successful sync = %+v, want none", tags)
	}
}

func TestSyncOnce_KeepsTagsWhenDrainFails(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	drainer := &stubDrainer{err: errors.New("backend down"), fired: make(chan struct{}, 1)}
	tr := NewTrigger(st, drainer, nil, Options{}, testLogger())
	ctx := context.Background()

	if err := tr.Register(ctx, "field-visits"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tr.syncOnce(ctx)

	tags, _ := st.ListTags(ctx)
	if len(tags) != 1 {
		t.Errorf("tags after failed sync = %+v, want retained", tags)
	}
}

func TestSyncOnce_KeepsTagsWhenCoalesced(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	// nil run, nil error: another drain absorbed this request.
	drainer := &stubDrainer{fired: make(chan struct{}, 1)}
	tr := NewTrigger(st, drainer, nil, Options{}, testLogger())
	ctx := context.Background()

	if err := tr.Register(ctx, "field-visits"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tr.syncOnce(ctx)

	tags, _ := st.ListTags(ctx)
	if len(tags) != 1 {
		t.Errorf("tags after coalesced drain = %+v, want retained", tags)
	}
}

func TestSyncOnce_SkipsWhenOffline(t *testing.T) {
	t.Parallel()

	drainer := &stubDrainer{}
	tr := NewTrigger(newTestStore(t), drainer, &stubChecker{online: false}, Options{}, testLogger())

	tr.syncOnce(context.Background())

	if drainer.callCount() != 0 {
		t.Error("drain attempted while offline")
	}
}

func TestRun_WakeTriggersDrain(t *testing.T) {
	t.Parallel()

	drainer := &stubDrainer{run: &engine.SyncRun{}, fired: make(chan struct{}, 1)}
	tr := NewTrigger(newTestStore(t), drainer, nil, Options{Interval: time.Hour}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = tr.Run(ctx)
	}()

	tr.Wake()

	select {
	case <-drainer.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("wake did not trigger a drain")
	}

	cancel()
	<-done
}

func TestRun_WakeFileTriggersDrain(t *testing.T) {
	t.Parallel()

	wakePath := filepath.Join(t.TempDir(), "sync.wake")
	drainer := &stubDrainer{run: &engine.SyncRun{}, fired: make(chan struct{}, 1)}
	tr := NewTrigger(newTestStore(t), drainer, nil,
		Options{Interval: time.Hour, WakePath: wakePath}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = tr.Run(ctx)
	}()

	// Give the watcher a moment to attach before touching the file.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(wakePath, nil, 0o644); err != nil {
		t.Fatalf("touch wake file: %v", err)
	}

	select {
	case <-drainer.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("wake file did not trigger a drain")
	}

	// The wake file is consumed so the next touch is a fresh event.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(wakePath); os.IsNotExist(err) {
			break
		}

		if time.Now().After(deadline) {
			t.Fatal("wake file not removed after drain")
		}

		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
