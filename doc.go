// Package vuo provides a durable, embeddable workflow engine built
// around a hierarchical/parallel state-machine model.
//
// A flow is described declaratively as states and event-labelled
// transitions with optional guards, actions, retry policies and
// validations. The engine runs long-lived flow instances, advancing
// each in response to externally delivered events and persisting
// every observable step through a pluggable store.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. FlowBuilder
//  3. FlowStore
//  4. Middleware
//  5. Compensations
//
// # Engine
//
// An Engine runs instances of a single FlowDefinition. It provides
// APIs to:
//   - start flows (optionally idempotently)
//   - deliver events, with per-transition retry
//   - pause, resume and cancel flows
//   - record saga compensations and roll them back on failure
//   - start sub-flows and wait for their completion
//   - query flows and their possible transitions
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Redis
//
// Any other backend plugs in through the FlowStore interface.
//
// The engine assumes a single writer per flow id: at most one
// Start/Execute/Pause/Resume/Cancel at a time per flow. Callers that
// deliver events concurrently serialize them externally, or rely on
// execute idempotency keys to make concurrent retries of the same
// event collapse into one transition.
//
// # FlowBuilder
//
// FlowBuilder provides the declarative API used to define flows:
//
//	order := vuo.NewFlow("order").Version("1.0").Initial("pending")
//	order.State("pending").
//	    On("APPROVE", "approved", vuo.WithGuard(underLimit)).
//	    On("APPROVE", "manager-review")
//	order.FinalState("approved")
//	order.State("manager-review").On("SIGN_OFF", "approved")
//
//	eng, err := vuo.NewInMemoryEngine(order.MustDefinition())
//
// State kinds cover atomic and final states, compound states that
// descend into a nested initial sub-state, and parallel states whose
// regions advance independently (broadcast or per-region dispatch).
//
// # Middleware
//
// Each Execute call runs through an onion of middlewares:
//
//	eng.Use(func(ctx context.Context, mc *vuo.MiddlewareContext, next vuo.NextFunc) (*vuo.ExecuteResult, error) {
//	    // before
//	    res, err := next(ctx)
//	    // after
//	    return res, err
//	})
//
// The first registered middleware is outermost; a middleware may
// short-circuit by not calling next.
//
// # Compensations
//
// Forward steps pair with undo actions recorded via
// RecordCompensation. When a transition fails past its retries, the
// recorded actions run in reverse order and the flow is marked
// failed. Durable stores persist compensations by registered name;
// see CompensationRegistry.
package vuo
