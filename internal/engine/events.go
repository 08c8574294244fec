package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fieldwork-tools/fieldsync/internal/store"
)

// EventType identifies a status event emitted by the sync engine.
type EventType string

// Event types observable by UI collaborators. syncStart is emitted
// twice per scope: once for the drain pass as a whole (OperationID
// empty) and once per delivery attempt (OperationID set); subscribers
// distinguish the two by OperationID.
const (
	EventSyncStart           EventType = "syncStart"
	EventSyncSuccess         EventType = "syncSuccess"
	EventSyncFailure         EventType = "syncFailure"
	EventSyncEnd             EventType = "syncEnd"
	EventConnectivityChanged EventType = "connectivityChanged"
)

// Event is one entry in the engine's status stream. Only the fields
// relevant to the event type are populated: operation fields for
// per-attempt syncStart and for syncSuccess/syncFailure, Run for
// syncEnd, Online for connectivityChanged.
type Event struct {
	Type        EventType
	OperationID string
	Collection  string
	EntityID    string
	Kind        store.OpKind
	// Reason describes a failure, or names an override on success.
	Reason string
	// Overridden marks a success whose observable result differs from
	// the requested write (a conflict resolved in the server's favor).
	Overridden bool
	// Terminal is true when a failure parked the operation; false when
	// it was rescheduled for retry.
	Terminal bool
	Run      *SyncRun
	Online   bool
	At       time.Time
}

// SyncRun summarizes one drain pass over the queue. Ephemeral: reported
// via events and status queries, never persisted.
type SyncRun struct {
	StartedAt      time.Time
	Duration       time.Duration
	ItemsAttempted int
	ItemsSucceeded int
	ItemsFailed    int
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind starts losing events (counted, logged).
const subscriberBuffer = 256

// subscription is one registered observer.
type subscription struct {
	ch      chan Event
	dropped int
}

// Notifier fans events out to subscribers, preserving emission order per
// subscriber. Events for a given operation are published in the order its
// state machine transitions occur because all publishing happens from the
// operation's processing goroutine.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	logger *slog.Logger
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		subs:   make(map[int]*subscription),
		logger: logger,
	}
}

// Subscribe registers an observer and returns its event channel plus a
// cancel function. The channel is closed on cancel.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	sub := &subscription{ch: make(chan Event, subscriberBuffer)}
	n.subs[id] = sub

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		if s, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(s.ch)
		}
	}

	return sub.ch, cancel
}

// Publish delivers an event to every subscriber. Delivery never blocks
// the engine: a full subscriber loses the event and the loss is counted.
func (n *Notifier) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++

			if sub.dropped == 1 {
				n.logger.Warn("slow event subscriber, dropping events",
					slog.String("type", string(ev.Type)))
			}
		}
	}
}
