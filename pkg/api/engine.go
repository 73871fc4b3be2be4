package api

import (
	"context"
	"time"
)

// StartOptions controls Engine.Start.
type StartOptions struct {
	// FlowID, if non-empty, is used instead of a generated id.
	FlowID string

	// Context seeds the instance's mutable context.
	Context map[string]any

	// IdempotencyKey, if non-empty, binds this start: a later Start
	// with the same key returns the already created flow.
	IdempotencyKey string

	// ParentFlowID links a sub-flow back to its parent. Set by
	// StartSubFlow; callers normally leave it empty.
	ParentFlowID string
}

// ExecuteOptions controls Engine.Execute.
type ExecuteOptions struct {
	// Event to deliver.
	Event string

	// Data is shallow-merged into the flow context before dispatch.
	Data map[string]any

	// IdempotencyKey, if non-empty, makes the event a no-op on replay.
	IdempotencyKey string

	// TargetRegion, for parallel flows, restricts dispatch to the
	// zero-based region index instead of broadcasting.
	TargetRegion *int
}

// ExecuteResult is returned by every Execute call that passed its
// operational preconditions. Execution failures are captured here,
// never raised.
type ExecuteResult struct {
	Success bool

	// State is a snapshot of the instance after the operation.
	State *FlowInstance

	// Transition describes the step taken. For idempotent replays it
	// records From == To == the current state.
	Transition *HistoryEntry

	// Compensated is true when a failure ran at least one recorded
	// compensation.
	Compensated bool

	// Err is the execution error on failure.
	Err error

	// Attempts is the number of transition attempts made, retries
	// included.
	Attempts int
}

// MiddlewareContext is handed to each middleware. FlowState is a
// snapshot taken when Execute was entered; in-flight context
// mutations become visible only after next returns.
type MiddlewareContext struct {
	FlowID    string
	Event     string
	FlowState *FlowInstance
	Options   ExecuteOptions
	StartTime time.Time
}

// NextFunc advances the middleware chain; at the tail it runs the
// core execute step.
type NextFunc func(ctx context.Context) (*ExecuteResult, error)

// Middleware wraps event execution. Registration order determines
// nesting: the first registered middleware is outermost. A middleware
// may short-circuit by not calling next.
type Middleware func(ctx context.Context, mc *MiddlewareContext, next NextFunc) (*ExecuteResult, error)

// Engine drives flow instances of a single definition against a
// FlowStore. The engine assumes a single writer per flow id; callers
// running concurrent operations on one flow must serialize them.
type Engine interface {
	// Definition returns the definition this engine runs.
	Definition() *FlowDefinition

	// Start creates a new flow instance, or returns the instance
	// bound to the start idempotency key.
	Start(ctx context.Context, opts StartOptions) (*FlowInstance, error)

	// Execute drives the instance one event forward through the
	// middleware chain and the state machine.
	Execute(ctx context.Context, flowID string, opts ExecuteOptions) (*ExecuteResult, error)

	// Pause moves an active flow to paused.
	Pause(ctx context.Context, flowID string) (*FlowInstance, error)

	// Resume moves a paused flow back to active.
	Resume(ctx context.Context, flowID string) (*FlowInstance, error)

	// Cancel force-fails a non-completed flow, optionally running its
	// compensation stack first.
	Cancel(ctx context.Context, flowID string, compensate bool) (*FlowInstance, error)

	// GetFlow returns a read-only snapshot.
	GetFlow(ctx context.Context, flowID string) (*FlowInstance, error)

	// ListFlows returns snapshots matching the filter.
	ListFlows(ctx context.Context, filter Filter) ([]*FlowInstance, error)

	// PossibleTransitions returns the deduplicated event names
	// available from the current state or states.
	PossibleTransitions(ctx context.Context, flowID string) ([]string, error)

	// RecordCompensation pushes an undo action onto the flow's
	// compensation stack, labelled with the current state.
	RecordCompensation(ctx context.Context, flowID string, action CompensationFunc, description string) error

	// RecordNamedCompensation records a compensation registered in the
	// engine's CompensationRegistry, so durable stores can serialize a
	// reconstructable reference.
	RecordNamedCompensation(ctx context.Context, flowID string, name string, description string) error

	// StartSubFlow creates a child instance of def linked back to the
	// parent. The parent's context is copied by value when opts carries
	// no context of its own.
	StartSubFlow(ctx context.Context, parentFlowID string, def *FlowDefinition, opts StartOptions) (*FlowInstance, error)

	// WaitForSubFlow polls until the child reaches a terminal status,
	// then updates the parent's sub-flow record. A zero timeout waits
	// until ctx is done.
	WaitForSubFlow(ctx context.Context, parentFlowID, subFlowID string, timeout time.Duration) (*FlowInstance, error)

	// Delete removes the flow and, best-effort, its sub-flows.
	Delete(ctx context.Context, flowID string) error

	// Use appends a middleware and returns the engine for chaining.
	Use(mw Middleware) Engine

	// ClearMiddleware empties the middleware chain.
	ClearMiddleware()
}
