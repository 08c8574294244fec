// Package resolve decides the surviving value when a queued local
// mutation and the server's current entity state diverge. Policies are
// assigned per collection at registration time; given the same two
// states and policy, resolution always produces the same outcome.
package resolve

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Policy selects how conflicts are resolved for a collection.
type Policy string

// Conflict resolution policies as configured per collection.
const (
	ServerWins Policy = "server_wins"
	ClientWins Policy = "client_wins"
	Merge      Policy = "merge"
	Manual     Policy = "manual"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case ServerWins, ClientWins, Merge, Manual:
		return true
	default:
		return false
	}
}

// Action is what the sync coordinator must do with the operation after
// resolution.
type Action string

const (
	// AcceptServer: adopt the server state, remove the operation from the
	// queue, and report the override to observers.
	AcceptServer Action = "accept_server"
	// Resend: re-issue the operation with the outcome's payload. Forced
	// resends drop the version precondition entirely.
	Resend Action = "resend"
	// ManualReview: park the operation as failed with the server state
	// attached for a human-facing reconciliation flow.
	ManualReview Action = "manual_review"
)

// Survivor names which side a field comparator picked.
type Survivor int

// Comparator outcomes for a field changed on both sides.
const (
	SurvivorServer Survivor = iota
	SurvivorLocal
)

// FieldComparator breaks the tie for a field changed on both sides under
// the Merge policy. It must be pure: no wall clock, no randomness.
type FieldComparator func(field string, local, server any) Survivor

// serverWinsOnCollision is the default comparator: a field changed on
// both sides keeps the server's value.
func serverWinsOnCollision(string, any, any) Survivor {
	return SurvivorServer
}

// Outcome is the resolver's decision for one conflict.
type Outcome struct {
	Action Action
	// State is the entity representation to adopt locally (AcceptServer,
	// and the optimistic expectation after a merge resend).
	State json.RawMessage
	// Payload is the body to re-issue for Resend outcomes.
	Payload json.RawMessage
	// Force marks a resend that must ignore the server's version marker.
	Force bool
	// Overridden is true when any requested field was discarded in favor
	// of the server — the UI-observable result differs from what was
	// requested and must be reported, not hidden.
	Overridden bool
}

// Resolver maps collections to policies and applies them. Construct once
// at the composition root and share by reference.
type Resolver struct {
	policies   map[string]Policy
	comparator FieldComparator
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithComparator overrides the Merge policy's per-field tie-break rule.
func WithComparator(cmp FieldComparator) Option {
	return func(r *Resolver) {
		r.comparator = cmp
	}
}

// NewResolver creates a Resolver for the given per-collection policies.
func NewResolver(policies map[string]Policy, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Resolver{
		policies:   policies,
		comparator: serverWinsOnCollision,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Policy returns the configured policy for a collection, defaulting to
// ServerWins for unregistered collections.
func (r *Resolver) Policy(collection string) Policy {
	if p, ok := r.policies[collection]; ok {
		return p
	}

	return ServerWins
}

// Resolve decides the surviving value for a conflict between a local
// payload and the server's current entity state.
func (r *Resolver) Resolve(collection string, localPayload, serverState json.RawMessage) (*Outcome, error) {
	policy := r.Policy(collection)

	r.logger.Info("resolving conflict",
		slog.String("collection", collection),
		slog.String("policy", string(policy)),
	)

	switch policy {
	case ServerWins:
		return &Outcome{
			Action:     AcceptServer,
			State:      serverState,
			Overridden: true,
		}, nil
	case ClientWins:
		return &Outcome{
			Action:  Resend,
			Payload: localPayload,
			Force:   true,
		}, nil
	case Merge:
		return r.merge(localPayload, serverState)
	case Manual:
		return &Outcome{Action: ManualReview, State: serverState}, nil
	default:
		return nil, fmt.Errorf("resolve: unknown policy %q for collection %q", policy, collection)
	}
}

// merge computes the field-level union of the local payload and the
// server state. Fields only the client changed survive; fields changed
// on both sides are decided by the comparator (default: server). When no
// local field survives, the outcome degrades to AcceptServer.
func (r *Resolver) merge(localPayload, serverState json.RawMessage) (*Outcome, error) {
	var local, server map[string]any

	if err := json.Unmarshal(localPayload, &local); err != nil {
		return nil, fmt.Errorf("resolve: unmarshal local payload: %w", err)
	}

	if err := json.Unmarshal(serverState, &server); err != nil {
		return nil, fmt.Errorf("resolve: unmarshal server state: %w", err)
	}

	surviving := map[string]any{}
	overridden := false

	for field, localValue := range local {
		serverValue, present := server[field]
		if !present || equalJSONValue(localValue, serverValue) {
			surviving[field] = localValue
			continue
		}

		if r.comparator(field, localValue, serverValue) == SurvivorLocal {
			surviving[field] = localValue
		} else {
			overridden = true
		}
	}

	merged := make(map[string]any, len(server)+len(surviving))
	for k, v := range server {
		merged[k] = v
	}

	for k, v := range surviving {
		merged[k] = v
	}

	state, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("resolve: marshal merged state: %w", err)
	}

	if len(surviving) == 0 {
		return &Outcome{
			Action:     AcceptServer,
			State:      serverState,
			Overridden: overridden,
		}, nil
	}

	payload, err := json.Marshal(surviving)
	if err != nil {
		return nil, fmt.Errorf("resolve: marshal merged payload: %w", err)
	}

	return &Outcome{
		Action:     Resend,
		State:      state,
		Payload:    payload,
		Overridden: overridden,
	}, nil
}

// equalJSONValue compares two decoded JSON values by re-marshaling, which
// is stable because encoding/json sorts map keys.
func equalJSONValue(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)

	return errA == nil && errB == nil && string(ab) == string(bb)
}
