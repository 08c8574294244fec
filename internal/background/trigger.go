// Package background runs syncs when no interactive command is driving
// them. Requests are persisted as tags so a registration made just
// before a crash still produces a sync after restart.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldwork-tools/fieldsync/internal/engine"
	"github.com/fieldwork-tools/fieldsync/internal/store"
)

const defaultInterval = 5 * time.Minute

// Drainer delivers the pending queue. Satisfied by *engine.Service.
type Drainer interface {
	Drain(ctx context.Context) (*engine.SyncRun, error)
}

// Options tunes the trigger loop.
type Options struct {
	// Interval between periodic sync attempts.
	Interval time.Duration
	// WakePath, when set, names a file whose creation or modification
	// wakes the loop immediately. Other processes touch it to request a
	// sync without signals.
	WakePath string
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}

	return o
}

// Trigger owns the background sync loop: wake on timer, on Wake(), or
// on the wake file, then drain the queue and consume the registered
// tags that the completed sync satisfied.
type Trigger struct {
	store   store.Store
	drainer Drainer
	checker engine.ConnectivityChecker
	opts    Options
	logger  *slog.Logger

	wake chan struct{}
}

// NewTrigger creates a trigger. checker may be nil, in which case every
// wake attempts a drain.
func NewTrigger(st store.Store, drainer Drainer, checker engine.ConnectivityChecker, opts Options, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}

	return &Trigger{
		store:   st,
		drainer: drainer,
		checker: checker,
		opts:    opts.withDefaults(),
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Register persists a sync request under tag. Registering an existing
// tag is a no-op; the request survives process restarts until a sync
// completes and consumes it.
func (t *Trigger) Register(ctx context.Context, tag string) error {
	if tag == "" {
		return fmt.Errorf("background: empty tag")
	}

	if err := t.store.RegisterTag(ctx, tag); err != nil {
		return fmt.Errorf("background: register tag %q: %w", tag, err)
	}

	return nil
}

// Wake requests an immediate sync. Non-blocking; multiple calls before
// the loop reacts coalesce into one.
func (t *Trigger) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run processes wakes until ctx is cancelled. Returns ctx.Err().
func (t *Trigger) Run(ctx context.Context) error {
	var watchEvents chan fsnotify.Event

	if t.opts.WakePath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("background: watcher: %w", err)
		}

		defer watcher.Close()

		// Watch the directory: the wake file itself may not exist yet.
		if err := watcher.Add(filepath.Dir(t.opts.WakePath)); err != nil {
			return fmt.Errorf("background: watch %s: %w", t.opts.WakePath, err)
		}

		watchEvents = make(chan fsnotify.Event, 1)

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}

					if ev.Name != t.opts.WakePath {
						continue
					}

					if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
						continue
					}

					select {
					case watchEvents <- ev:
					default:
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}

					t.logger.Warn("wake watcher error", slog.String("error", err.Error()))
				}
			}
		}()
	}

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-t.wake:
		case <-watchEvents:
			// Consume the wake file so the next touch is a fresh event.
			_ = os.Remove(t.opts.WakePath)
		}

		t.syncOnce(ctx)
	}
}

// syncOnce attempts one drain and consumes satisfied tags. Offline or
// failed drains leave tags registered for the next wake.
func (t *Trigger) syncOnce(ctx context.Context) {
	if t.checker != nil && !t.checker.IsOnline() {
		t.logger.Debug("background sync skipped, offline")

		return
	}

	tags, err := t.store.ListTags(ctx)
	if err != nil {
		t.logger.Error("list tags failed", slog.String("error", err.Error()))

		return
	}

	run, err := t.drainer.Drain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("background drain failed", slog.String("error", err.Error()))
		}

		return
	}

	// A coalesced drain (nil run) means another drain is mid-flight;
	// keep the tags for the next wake rather than claiming its result.
	if run == nil {
		return
	}

	for _, tag := range tags {
		if err := t.store.ConsumeTag(ctx, tag.Tag); err != nil {
			t.logger.Error("consume tag failed",
				slog.String("tag", tag.Tag), slog.String("error", err.Error()))
		}
	}

	if len(tags) > 0 {
		t.logger.Info("background sync completed",
			slog.Int("tags", len(tags)),
			slog.Int("succeeded", run.ItemsSucceeded),
			slog.Int("failed", run.ItemsFailed),
		)
	}
}
