package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldwork-tools/fieldsync/internal/resolve"
	"github.com/fieldwork-tools/fieldsync/internal/store"
	"github.com/fieldwork-tools/fieldsync/internal/transport"
)

// attemptResult is the outcome of one delivery attempt from the queue's
// point of view.
type attemptResult int

const (
	attemptSucceeded attemptResult = iota
	attemptRescheduled
	attemptFailed
)

// Drain delivers all due operations, oldest first per entity. Calling
// Drain while one is already running coalesces into the active cycle:
// the runner notices and makes another pass, and the coalesced caller
// returns (nil, nil) immediately.
//
// Within a single entity delivery is strictly serial; independent
// entities fan out up to Options.FanOut at a time. A non-terminal
// outcome parks the rest of that entity's operations until the next
// drain, preserving causal order.
func (s *Service) Drain(ctx context.Context) (*SyncRun, error) {
	if s.checker != nil && !s.checker.IsOnline() {
		return nil, ErrOffline
	}

	s.drainMu.Lock()
	if s.draining {
		s.rerun = true
		s.drainMu.Unlock()

		return nil, nil
	}
	s.draining = true
	s.drainMu.Unlock()

	defer func() {
		s.drainMu.Lock()
		s.draining = false
		s.drainMu.Unlock()
	}()

	var last *SyncRun

	for {
		run, err := s.drainOnce(ctx)
		if err != nil {
			return run, err
		}

		last = run

		s.drainMu.Lock()
		again := s.rerun
		s.rerun = false
		s.drainMu.Unlock()

		if !again {
			break
		}
	}

	return last, nil
}

// drainOnce makes one pass over the entity groups whose oldest queued
// operation is due.
func (s *Service) drainOnce(ctx context.Context) (*SyncRun, error) {
	started := time.Now()

	queued, err := s.store.ListQueued(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list queued: %w", err)
	}

	now := store.NowNano()

	// Group the whole queue by entity, preserving queue order both
	// across groups and within each group. Grouping over every queued
	// operation, not just the due ones, is what keeps causal order
	// across drains: an entity whose oldest operation is still backing
	// off contributes nothing to this pass, so a newer operation on the
	// same entity cannot overtake it.
	groupKeys := make([]string, 0, len(queued))
	groups := make(map[string][]*store.PendingOperation)

	for _, op := range queued {
		key := entityKey(op.Collection, op.EntityID)
		if _, ok := groups[key]; !ok {
			groupKeys = append(groupKeys, key)
		}

		groups[key] = append(groups[key], op)
	}

	runnable := make([]string, 0, len(groupKeys))

	for _, key := range groupKeys {
		if groups[key][0].NextAttemptAt <= now {
			runnable = append(runnable, key)
		}
	}

	run := &SyncRun{StartedAt: started}
	if len(runnable) == 0 {
		run.Duration = time.Since(started)

		return run, nil
	}

	s.notifier.Publish(Event{Type: EventSyncStart})
	s.logger.Info("drain started",
		slog.Int("queued", len(queued)), slog.Int("groups", len(runnable)))

	var attempted, succeeded, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(s.opts.FanOut)

	for _, key := range runnable {
		ops := groups[key]

		g.Go(func() error {
			for _, op := range ops {
				if ctx.Err() != nil {
					return nil
				}

				if op.NextAttemptAt > now {
					// Still backing off; everything behind it waits.
					return nil
				}

				attempted.Add(1)

				switch s.attempt(ctx, op) {
				case attemptSucceeded:
					succeeded.Add(1)
				case attemptRescheduled:
					// Later operations on this entity must not
					// overtake; park the rest of the group.
					return nil
				case attemptFailed:
					failed.Add(1)

					return nil
				}
			}

			return nil
		})
	}

	_ = g.Wait()

	run.ItemsAttempted = int(attempted.Load())
	run.ItemsSucceeded = int(succeeded.Load())
	run.ItemsFailed = int(failed.Load())
	run.Duration = time.Since(started)

	s.notifier.Publish(Event{Type: EventSyncEnd, Run: run})
	s.logger.Info("drain finished",
		slog.Int("attempted", run.ItemsAttempted),
		slog.Int("succeeded", run.ItemsSucceeded),
		slog.Int("failed", run.ItemsFailed),
		slog.Duration("duration", run.Duration),
	)

	if ctx.Err() != nil {
		return run, ctx.Err()
	}

	return run, nil
}

// attempt delivers one operation and settles its next state.
func (s *Service) attempt(ctx context.Context, op *store.PendingOperation) attemptResult {
	reg, ok := s.regs[op.Collection]
	if !ok {
		// Collection registered in a previous session but not this one.
		// Park the operation rather than guessing an endpoint.
		s.failOp(ctx, op, fmt.Sprintf("collection %q not registered", op.Collection), nil)

		return attemptFailed
	}

	if err := s.store.MarkInFlight(ctx, op.ID); err != nil {
		s.logger.Error("mark in-flight failed",
			slog.String("op_id", op.ID), slog.String("error", err.Error()))

		return attemptRescheduled
	}

	s.notifier.Publish(Event{
		Type:        EventSyncStart,
		OperationID: op.ID,
		Collection:  op.Collection,
		EntityID:    op.EntityID,
		Kind:        op.Kind,
	})

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.registerInFlight(op.Collection, op.EntityID, cancel)
	defer s.unregisterInFlight(op.Collection, op.EntityID)

	result, err := s.sender.Send(opCtx, reg.SyncEndpoint, op, false)
	if err == nil {
		return s.finalizeSuccess(ctx, op, result, nil, false)
	}

	// Superseded (a newer delete cancelled us) or drain teardown: the
	// operation stays pending untouched — no attempt is charged.
	if opCtx.Err() != nil {
		s.requeueUncharged(ctx, op)

		return attemptRescheduled
	}

	var conflict *transport.ConflictError
	if errors.As(err, &conflict) {
		return s.resolveConflict(ctx, opCtx, op, reg, conflict)
	}

	if !transport.IsRetryable(err) {
		// Validation, auth, not-found: retrying the same payload cannot
		// succeed.
		s.failOp(ctx, op, err.Error(), nil)

		return attemptFailed
	}

	return s.scheduleRetry(ctx, op, err)
}

// finalizeSuccess confirms the entity snapshot and removes the
// operation. state overrides the server-returned entity when the
// resolver produced a merged view.
func (s *Service) finalizeSuccess(ctx context.Context, op *store.PendingOperation, result *transport.Result, state json.RawMessage, overridden bool) attemptResult {
	if op.Kind == store.OpDelete {
		if err := s.store.DeleteEntity(ctx, op.Collection, op.EntityID); err != nil {
			s.logger.Error("delete confirm failed",
				slog.String("op_id", op.ID), slog.String("error", err.Error()))
		}
	} else {
		snapshot := state
		if snapshot == nil && result != nil && result.Entity != nil {
			snapshot = result.Entity
		}

		version := ""
		if result != nil {
			version = result.Version
		}

		if snapshot == nil {
			// Server returned no body: keep the local optimistic
			// snapshot, just clear the dirty flag.
			if local, err := s.store.GetEntity(ctx, op.Collection, op.EntityID); err == nil && local != nil {
				snapshot = local.Snapshot
			}
		}

		if snapshot != nil {
			if err := s.store.ConfirmEntity(ctx, op.Collection, op.EntityID, snapshot, version); err != nil {
				s.logger.Error("confirm failed",
					slog.String("op_id", op.ID), slog.String("error", err.Error()))
			}
		}
	}

	if err := s.store.Dequeue(ctx, op.ID); err != nil {
		s.logger.Error("dequeue failed",
			slog.String("op_id", op.ID), slog.String("error", err.Error()))
	}

	s.notifier.Publish(Event{
		Type:        EventSyncSuccess,
		OperationID: op.ID,
		Collection:  op.Collection,
		EntityID:    op.EntityID,
		Kind:        op.Kind,
		Overridden:  overridden,
	})

	return attemptSucceeded
}

// resolveConflict routes a version conflict through the collection's
// policy and settles the operation accordingly.
func (s *Service) resolveConflict(ctx, opCtx context.Context, op *store.PendingOperation, reg CollectionRegistration, conflict *transport.ConflictError) attemptResult {
	outcome, err := s.resolver.Resolve(op.Collection, op.Payload, conflict.ServerState)
	if err != nil {
		s.failOp(ctx, op, fmt.Sprintf("conflict resolution: %v", err), conflict.ServerState)

		return attemptFailed
	}

	switch outcome.Action {
	case resolve.AcceptServer:
		// Local intent is discarded; the server's state becomes the
		// confirmed snapshot.
		if err := s.store.ConfirmEntity(ctx, op.Collection, op.EntityID, outcome.State, conflict.ServerVersion); err != nil {
			s.logger.Error("confirm server state failed",
				slog.String("op_id", op.ID), slog.String("error", err.Error()))
		}

		if err := s.store.Dequeue(ctx, op.ID); err != nil {
			s.logger.Error("dequeue failed",
				slog.String("op_id", op.ID), slog.String("error", err.Error()))
		}

		s.notifier.Publish(Event{
			Type:        EventSyncSuccess,
			OperationID: op.ID,
			Collection:  op.Collection,
			EntityID:    op.EntityID,
			Kind:        op.Kind,
			Overridden:  true,
		})

		return attemptSucceeded

	case resolve.ManualReview:
		// Park with the server state attached so a human can compare
		// both sides.
		s.failOp(ctx, op, reasonConflictReview, conflict.ServerState)

		return attemptFailed

	case resolve.Resend:
		resend := *op

		if !outcome.Force {
			// Merge policy: persist the merged payload rebased onto the
			// server's version before resending, so a crash mid-resend
			// replays the merged intent rather than the stale one.
			if err := s.store.UpdatePayload(ctx, op.ID, outcome.Payload, conflict.ServerVersion); err != nil {
				s.logger.Error("payload rebase failed",
					slog.String("op_id", op.ID), slog.String("error", err.Error()))

				return attemptRescheduled
			}

			resend.Payload = outcome.Payload
			resend.BaseVersion = conflict.ServerVersion
		}

		result, err := s.sender.Send(opCtx, reg.SyncEndpoint, &resend, outcome.Force)
		if err == nil {
			return s.finalizeSuccess(ctx, op, result, outcome.State, outcome.Overridden)
		}

		if opCtx.Err() != nil {
			s.requeueUncharged(ctx, op)

			return attemptRescheduled
		}

		// A second conflict on the rebased payload means the server
		// moved again mid-resolution; retry the whole cycle later.
		var again *transport.ConflictError
		if !errors.As(err, &again) && !transport.IsRetryable(err) {
			s.failOp(ctx, op, err.Error(), nil)

			return attemptFailed
		}

		return s.scheduleRetry(ctx, op, err)
	}

	s.failOp(ctx, op, fmt.Sprintf("unknown resolution action %v", outcome.Action), conflict.ServerState)

	return attemptFailed
}

// scheduleRetry charges an attempt and either reschedules with backoff
// or parks the operation once the retry budget is spent.
func (s *Service) scheduleRetry(ctx context.Context, op *store.PendingOperation, cause error) attemptResult {
	attempts := op.AttemptCount + 1

	if attempts >= s.opts.MaxRetries {
		s.failOp(ctx, op, fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, cause), nil)

		return attemptFailed
	}

	delay := s.opts.backoffDelay(attempts)

	// The server's own pacing wins over our schedule.
	var apiErr *transport.APIError
	if errors.As(cause, &apiErr) && apiErr.RetryAfterSeconds > 0 {
		delay = time.Duration(apiErr.RetryAfterSeconds) * time.Second
	}

	next := store.NowNano() + delay.Nanoseconds()

	if err := s.store.Reschedule(ctx, op.ID, attempts, next, cause.Error()); err != nil {
		s.logger.Error("reschedule failed",
			slog.String("op_id", op.ID), slog.String("error", err.Error()))
	}

	s.notifier.Publish(Event{
		Type:        EventSyncFailure,
		OperationID: op.ID,
		Collection:  op.Collection,
		EntityID:    op.EntityID,
		Kind:        op.Kind,
		Reason:      cause.Error(),
	})

	s.logger.Warn("attempt failed, rescheduled",
		slog.String("op_id", op.ID),
		slog.Int("attempt", attempts),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)

	return attemptRescheduled
}

// requeueUncharged returns an operation to pending without incrementing
// its attempt count. Used when the attempt was aborted locally rather
// than refused by the server.
func (s *Service) requeueUncharged(ctx context.Context, op *store.PendingOperation) {
	if err := s.store.Reschedule(ctx, op.ID, op.AttemptCount, store.NowNano(), op.LastError); err != nil {
		s.logger.Error("requeue failed",
			slog.String("op_id", op.ID), slog.String("error", err.Error()))
	}
}

// failOp parks an operation as failed and reports the terminal failure.
func (s *Service) failOp(ctx context.Context, op *store.PendingOperation, reason string, serverState json.RawMessage) {
	if err := s.store.Fail(ctx, op.ID, reason, serverState); err != nil {
		s.logger.Error("fail transition failed",
			slog.String("op_id", op.ID), slog.String("error", err.Error()))
	}

	s.notifier.Publish(Event{
		Type:        EventSyncFailure,
		OperationID: op.ID,
		Collection:  op.Collection,
		EntityID:    op.EntityID,
		Kind:        op.Kind,
		Reason:      reason,
		Terminal:    true,
	})

	s.logger.Warn("operation failed",
		slog.String("op_id", op.ID), slog.String("reason", reason))
}
