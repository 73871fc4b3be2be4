package vuo

import (
	"fmt"

	"github.com/petrijr/vuo/pkg/api"
)

// FlowBuilder provides a fluent API for defining flows:
//
//	order := vuo.NewFlow("order").Version("1.0").Initial("pending")
//	order.State("pending").
//	    On("APPROVE", "approved", vuo.WithGuard(smallOrder)).
//	    On("APPROVE", "manager-review", vuo.WithGuard(largeOrder))
//	order.FinalState("approved")
//	order.FinalState("manager-review")
//
//	def, err := order.Definition()
//
// Structural mistakes (duplicate or empty flow and state names, an
// empty event on a state's transition, a nil validation predicate)
// panic at build time; semantic validation (dangling references) is
// run by Definition. Nil guards, actions and hooks are accepted and
// mean "none".
type FlowBuilder struct {
	def api.FlowDefinition
}

// NewFlow creates a new flow definition builder with the given id.
func NewFlow(id string) *FlowBuilder {
	if id == "" {
		panic("vuo: flow id must not be empty")
	}
	return &FlowBuilder{
		def: api.FlowDefinition{
			ID:     id,
			States: make(map[string]*api.StateNode),
		},
	}
}

// Version sets the definition version.
func (b *FlowBuilder) Version(v string) *FlowBuilder {
	b.def.Version = v
	return b
}

// Initial names the initial state.
func (b *FlowBuilder) Initial(name string) *FlowBuilder {
	b.def.InitialState = name
	return b
}

// OnError registers the hook invoked after a transition exhausts its
// retries.
func (b *FlowBuilder) OnError(h api.ErrorHook) *FlowBuilder {
	b.def.OnError = h
	return b
}

// GlobalOn adds a transition to the global table keyed by source
// state.
func (b *FlowBuilder) GlobalOn(from, event, to string, opts ...TransitionOption) *FlowBuilder {
	t := api.Transition{Event: event, To: to}
	for _, opt := range opts {
		opt(&t)
	}
	if b.def.GlobalTransitions == nil {
		b.def.GlobalTransitions = make(map[string][]api.Transition)
	}
	b.def.GlobalTransitions[from] = append(b.def.GlobalTransitions[from], t)
	return b
}

func (b *FlowBuilder) addState(name string, kind api.StateKind) *api.StateNode {
	if name == "" {
		panic("vuo: state name must not be empty")
	}
	if _, ok := b.def.States[name]; ok {
		panic(fmt.Sprintf("vuo: state %q defined twice", name))
	}
	node := &api.StateNode{Name: name, Kind: kind}
	b.def.States[name] = node
	return node
}

// State adds an atomic state and returns its builder.
func (b *FlowBuilder) State(name string) *StateBuilder {
	return &StateBuilder{flow: b, node: b.addState(name, api.StateAtomic)}
}

// FinalState adds a final state and returns its builder.
func (b *FlowBuilder) FinalState(name string) *StateBuilder {
	return &StateBuilder{flow: b, node: b.addState(name, api.StateFinal)}
}

// Compound adds a compound state over the named child states.
func (b *FlowBuilder) Compound(name, initialSubState string, children ...string) *StateBuilder {
	node := b.addState(name, api.StateCompound)
	node.InitialSubState = initialSubState
	node.ChildStates = children
	return &StateBuilder{flow: b, node: node}
}

// Parallel adds a parallel state and returns its builder, on which
// regions are declared.
func (b *FlowBuilder) Parallel(name string) *ParallelBuilder {
	return &ParallelBuilder{flow: b, node: b.addState(name, api.StateParallel)}
}

// Definition validates and returns the built definition.
func (b *FlowBuilder) Definition() (*api.FlowDefinition, error) {
	def := b.def
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// MustDefinition is like Definition but panics on error. Useful for
// initialization in main().
func (b *FlowBuilder) MustDefinition() *api.FlowDefinition {
	def, err := b.Definition()
	if err != nil {
		panic(err)
	}
	return def
}

// StateBuilder configures a single atomic, final or compound state.
type StateBuilder struct {
	flow *FlowBuilder
	node *api.StateNode
}

// On adds a transition out of this state.
func (s *StateBuilder) On(event, to string, opts ...TransitionOption) *StateBuilder {
	if event == "" {
		panic(fmt.Sprintf("vuo: state %q has a transition with an empty event", s.node.Name))
	}
	t := api.Transition{Event: event, To: to}
	for _, opt := range opts {
		opt(&t)
	}
	s.node.Transitions = append(s.node.Transitions, t)
	return s
}

// OnEntry sets the entry hook.
func (s *StateBuilder) OnEntry(h api.HookFunc) *StateBuilder {
	s.node.OnEntry = h
	return s
}

// OnExit sets the exit hook.
func (s *StateBuilder) OnExit(h api.HookFunc) *StateBuilder {
	s.node.OnExit = h
	return s
}

// Validate attaches a validation predicate checked before the state
// is entered.
func (s *StateBuilder) Validate(pred api.ValidationFunc, errorMessage string) *StateBuilder {
	if pred == nil {
		panic(fmt.Sprintf("vuo: state %q has a nil validation predicate", s.node.Name))
	}
	s.node.Validation = &api.Validation{Predicate: pred, ErrorMessage: errorMessage}
	return s
}

// MarkFinal marks an atomic or compound state as completing the flow.
func (s *StateBuilder) MarkFinal() *StateBuilder {
	s.node.Final = true
	return s
}

// Flow returns the parent builder for continued chaining.
func (s *StateBuilder) Flow() *FlowBuilder { return s.flow }

// ParallelBuilder configures a parallel state and its regions.
type ParallelBuilder struct {
	flow *FlowBuilder
	node *api.StateNode
}

// Region declares one region: its name, initial state and member
// states.
func (p *ParallelBuilder) Region(name, initialState string, states ...string) *ParallelBuilder {
	p.node.Regions = append(p.node.Regions, api.Region{
		Name:         name,
		InitialState: initialState,
		States:       states,
	})
	return p
}

// On adds a transition out of the parallel state itself.
func (p *ParallelBuilder) On(event, to string, opts ...TransitionOption) *ParallelBuilder {
	t := api.Transition{Event: event, To: to}
	for _, opt := range opts {
		opt(&t)
	}
	p.node.Transitions = append(p.node.Transitions, t)
	return p
}

// OnEntry sets the entry hook of the parallel state.
func (p *ParallelBuilder) OnEntry(h api.HookFunc) *ParallelBuilder {
	p.node.OnEntry = h
	return p
}

// OnExit sets the exit hook of the parallel state.
func (p *ParallelBuilder) OnExit(h api.HookFunc) *ParallelBuilder {
	p.node.OnExit = h
	return p
}

// Flow returns the parent builder for continued chaining.
func (p *ParallelBuilder) Flow() *FlowBuilder { return p.flow }

// TransitionOption decorates a transition being added.
type TransitionOption func(*api.Transition)

// WithGuard attaches a guard to the transition.
func WithGuard(g api.GuardFunc) TransitionOption {
	return func(t *api.Transition) { t.Guard = g }
}

// WithAction attaches an action to the transition.
func WithAction(a api.ActionFunc) TransitionOption {
	return func(t *api.Transition) { t.Action = a }
}

// WithRetry attaches a retry policy to the transition.
func WithRetry(p api.RetryPolicy) TransitionOption {
	// Make a copy so callers can mutate theirs after the call.
	return func(t *api.Transition) {
		r := p
		t.Retry = &r
	}
}
