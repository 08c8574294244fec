package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/fieldwork-tools/fieldsync/internal/resolve"
	"github.com/fieldwork-tools/fieldsync/internal/store"
	"github.com/fieldwork-tools/fieldsync/internal/transport"
)

// Sender delivers one operation to a sync endpoint. Satisfied by
// *transport.Client; tests inject stubs.
type Sender interface {
	Send(ctx context.Context, endpoint string, op *store.PendingOperation, force bool) (*transport.Result, error)
}

// ConnectivityChecker reports the current online state. Satisfied by
// *connectivity.Monitor. A nil checker means "always attempt".
type ConnectivityChecker interface {
	IsOnline() bool
}

// Config holds the collaborators for New. All services are constructed
// by the composition root and passed by reference.
type Config struct {
	Store         store.Store
	Sender        Sender
	Resolver      *resolve.Resolver
	Checker       ConnectivityChecker
	Notifier      *Notifier
	Registrations []CollectionRegistration
	Options       Options
	Logger        *slog.Logger
}

// Service is the sync coordinator. It owns the pending-operation state
// machine: Pending -> InFlight -> Succeeded (removed) | Pending (retry
// scheduled) | Failed (parked until manual retry).
type Service struct {
	store    store.Store
	sender   Sender
	resolver *resolve.Resolver
	checker  ConnectivityChecker
	notifier *Notifier
	opts     Options
	regs     map[string]CollectionRegistration
	logger   *slog.Logger

	// Drain coalescing: a second drain request arriving while one is in
	// flight sets rerun instead of running concurrently.
	drainMu  sync.Mutex
	draining bool
	rerun    bool

	// In-flight network attempts keyed by collection/entity, so a
	// superseding operation (or teardown) can abort them.
	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Service. The registrations are immutable for the
// session; submitting to an unregistered collection fails synchronously.
func New(cfg *Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewNotifier(logger)
	}

	regs := make(map[string]CollectionRegistration, len(cfg.Registrations))
	for _, reg := range cfg.Registrations {
		regs[store.NormalizeKey(reg.Name)] = reg
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		store:      cfg.Store,
		sender:     cfg.Sender,
		resolver:   cfg.Resolver,
		checker:    cfg.Checker,
		notifier:   notifier,
		opts:       cfg.Options.withDefaults(),
		regs:       regs,
		logger:     logger,
		inflight:   make(map[string]context.CancelFunc),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Close aborts in-flight attempts and waits for background drains to
// finish. The durable store is owned by the caller and stays open.
func (s *Service) Close() {
	s.rootCancel()
	s.wg.Wait()
}

// Subscribe registers a status observer. Events for a given operation
// are delivered in state-machine order.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.notifier.Subscribe()
}

// Collections returns the registered collection names, sorted.
func (s *Service) Collections() []string {
	names := make([]string, 0, len(s.regs))
	for name := range s.regs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Submit queues one mutation for eventual delivery. The snapshot update
// and queue entry persist atomically (optimistic apply); the returned
// operation ID is immediately visible in the queue snapshot.
//
// Storage and payload validation errors are returned synchronously —
// nothing was queued, so the caller must intervene. Transport failures
// never surface here; they are reported through the event stream.
//
// An empty entityID on a create generates one, so offline-created
// entities have a stable local identity before the server assigns its
// own.
func (s *Service) Submit(ctx context.Context, collection string, kind store.OpKind, entityID string, payload json.RawMessage) (string, error) {
	collection = store.NormalizeKey(collection)

	if _, ok := s.regs[collection]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	if kind != store.OpDelete {
		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	if entityID == "" {
		if kind != store.OpCreate {
			return "", fmt.Errorf("engine: entity ID required for %s", kind)
		}

		entityID = uuid.NewString()
	}

	if kind == store.OpDelete && payload == nil {
		payload = json.RawMessage("{}")
	}

	op := &store.PendingOperation{
		ID:         uuid.NewString(),
		Collection: collection,
		EntityID:   entityID,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  store.NowNano(),
	}

	if err := s.store.Enqueue(ctx, op); err != nil {
		// Storage failure: the operation could not even be queued.
		return "", fmt.Errorf("engine: enqueue: %w", err)
	}

	s.logger.Info("operation submitted",
		slog.String("op_id", op.ID),
		slog.String("collection", collection),
		slog.String("entity_id", entityID),
		slog.String("kind", string(kind)),
	)

	// A queued delete supersedes any in-flight attempt for the entity.
	if kind == store.OpDelete {
		s.cancelInFlight(collection, entityID)
	}

	s.kick()

	return op.ID, nil
}

// GetPendingCount returns the number of not-yet-terminal operations,
// optionally restricted to one collection (empty string selects all).
func (s *Service) GetPendingCount(ctx context.Context, collection string) (int, error) {
	return s.store.CountPending(ctx, collection)
}

// GetFailedCount returns the number of operations parked as failed.
func (s *Service) GetFailedCount(ctx context.Context, collection string) (int, error) {
	return s.store.CountFailed(ctx, collection)
}

// GetQueueSnapshot returns a point-in-time copy of the queue in creation
// order.
func (s *Service) GetQueueSnapshot(ctx context.Context) ([]*store.PendingOperation, error) {
	return s.store.ListPending(ctx, "")
}

// Retry returns a failed operation to the pending state and kicks a
// drain. Only failed operations may be retried.
func (s *Service) Retry(ctx context.Context, opID string) error {
	op, err := s.store.GetOperation(ctx, opID)
	if err != nil {
		return fmt.Errorf("engine: retry: %w", err)
	}

	if op == nil {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, opID)
	}

	if op.Status != store.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, opID, op.Status)
	}

	if err := s.store.ResetForRetry(ctx, opID); err != nil {
		return fmt.Errorf("engine: retry: %w", err)
	}

	s.kick()

	return nil
}

// Remove discards a failed operation without syncing it. Discarding a
// pending or in-flight operation is refused — every queued write stays
// observable until it reaches a terminal, reported state.
func (s *Service) Remove(ctx context.Context, opID string) error {
	op, err := s.store.GetOperation(ctx, opID)
	if err != nil {
		return fmt.Errorf("engine: remove: %w", err)
	}

	if op == nil {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, opID)
	}

	if op.Status != store.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, opID, op.Status)
	}

	if err := s.store.Dequeue(ctx, opID); err != nil {
		return fmt.Errorf("engine: remove: %w", err)
	}

	return nil
}

// PublishConnectivity reports an online/offline transition to status
// observers. Called by the connectivity monitor.
func (s *Service) PublishConnectivity(online bool) {
	s.notifier.Publish(Event{Type: EventConnectivityChanged, Online: online})
}

// kick starts an opportunistic background drain when online. Submissions
// made offline simply wait for the monitor or background trigger.
func (s *Service) kick() {
	if s.opts.DisableAutoDrain {
		return
	}

	if s.checker != nil && !s.checker.IsOnline() {
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if _, err := s.Drain(s.rootCtx); err != nil && s.rootCtx.Err() == nil {
			s.logger.Warn("background drain failed", slog.String("error", err.Error()))
		}
	}()
}

// entityKey builds the in-flight registry key for an operation's target.
func entityKey(collection, entityID string) string {
	return collection + "/" + entityID
}

// registerInFlight records the cancel function for an entity's active
// network attempt.
func (s *Service) registerInFlight(collection, entityID string, cancel context.CancelFunc) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	s.inflight[entityKey(collection, entityID)] = cancel
}

// unregisterInFlight removes the entity's cancel registration.
func (s *Service) unregisterInFlight(collection, entityID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	delete(s.inflight, entityKey(collection, entityID))
}

// cancelInFlight aborts the active network attempt for an entity, if any.
func (s *Service) cancelInFlight(collection, entityID string) {
	s.inflightMu.Lock()
	cancel, ok := s.inflight[entityKey(collection, entityID)]
	s.inflightMu.Unlock()

	if ok {
		s.logger.Debug("cancelling superseded attempt",
			slog.String("collection", collection),
			slog.String("entity_id", entityID),
		)
		cancel()
	}
}
