package api

import (
	"context"
	"reflect"
)

// Filter selects flow instances from a store. Zero-valued fields mean
// "no filter"; set fields form a conjunction.
type Filter struct {
	Status       Status
	DefinitionID string
	Version      string
	ParentFlowID string

	// CurrentStates matches by set membership: an instance matches if
	// its current state (or, for parallel flows, its set of active
	// region states) contains every listed name.
	CurrentStates []string
}

// Matches reports whether the instance satisfies the filter. Stores
// that cannot push all predicates into their query language apply
// this after the fact.
func (f Filter) Matches(inst *FlowInstance) bool {
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if f.Version != "" && inst.Version != f.Version {
		return false
	}
	if f.ParentFlowID != "" && inst.ParentFlowID != f.ParentFlowID {
		return false
	}
	for _, s := range f.CurrentStates {
		if !inst.CurrentState.Contains(s) {
			return false
		}
	}
	return true
}

// FlowStore is the persistence contract the engine consumes. Returned
// instances must be snapshots independent of the stored
// representation, and Save must atomically replace the prior value.
//
// Idempotency keys are write-once from the engine's point of view and
// share the instance data's durability.
type FlowStore interface {
	// Save creates or overwrites the instance by flow id.
	Save(ctx context.Context, inst *FlowInstance) error

	// Get returns a snapshot, or ErrFlowNotFound.
	Get(ctx context.Context, flowID string) (*FlowInstance, error)

	// Delete removes the instance. Deleting an absent id is a no-op.
	Delete(ctx context.Context, flowID string) error

	// Exists reports whether the flow id is stored.
	Exists(ctx context.Context, flowID string) (bool, error)

	// List returns snapshots matching the filter.
	List(ctx context.Context, filter Filter) ([]*FlowInstance, error)

	// HasIdempotencyKey reports whether the key is bound.
	HasIdempotencyKey(ctx context.Context, key string) (bool, error)

	// SaveIdempotencyKey binds key to a flow id.
	SaveIdempotencyKey(ctx context.Context, key, flowID string) error

	// FlowIDByIdempotencyKey resolves a bound key, or returns
	// ErrIdempotencyKeyNotFound.
	FlowIDByIdempotencyKey(ctx context.Context, key string) (string, error)
}

// ContextQueryStore is an optional store extension returning all flows
// whose context matches the given key/value map exactly.
type ContextQueryStore interface {
	QueryByContext(ctx context.Context, match map[string]any) ([]*FlowInstance, error)
}

// ContextMatches reports whether the instance context carries every
// key in match with a deeply equal value. Shared by store
// implementations of ContextQueryStore.
func ContextMatches(inst *FlowInstance, match map[string]any) bool {
	for k, want := range match {
		got, ok := inst.Context[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
