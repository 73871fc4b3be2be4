package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validDefinition() *FlowDefinition {
	return &FlowDefinition{
		ID:           "order",
		InitialState: "pending",
		States: map[string]*StateNode{
			"pending": {
				Name: "pending", Kind: StateAtomic,
				Transitions: []Transition{{Event: "APPROVE", To: "approved"}},
			},
			"approved": {Name: "approved", Kind: StateFinal},
		},
	}
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	require.NoError(t, validDefinition().Validate())
}

func TestValidateRejectsMissingInitialState(t *testing.T) {
	def := validDefinition()
	def.InitialState = "nope"
	require.Error(t, def.Validate())
}

func TestValidateRejectsDanglingTransitionTarget(t *testing.T) {
	def := validDefinition()
	def.States["pending"].Transitions = append(def.States["pending"].Transitions,
		Transition{Event: "REJECT", To: "nope"})
	require.Error(t, def.Validate())
}

func TestValidateRejectsUnknownRegionStates(t *testing.T) {
	def := validDefinition()
	def.States["par"] = &StateNode{
		Name: "par", Kind: StateParallel,
		Regions: []Region{{Name: "r1", InitialState: "nope"}},
	}
	require.Error(t, def.Validate())
}

func TestValidateRejectsParallelWithoutRegions(t *testing.T) {
	def := validDefinition()
	def.States["par"] = &StateNode{Name: "par", Kind: StateParallel}
	require.Error(t, def.Validate())
}

func TestValidateRejectsUnknownCompoundChildren(t *testing.T) {
	def := validDefinition()
	def.States["comp"] = &StateNode{
		Name: "comp", Kind: StateCompound,
		InitialSubState: "pending",
		ChildStates:     []string{"pending", "nope"},
	}
	require.Error(t, def.Validate())
}

func TestValidateRejectsCompoundCycle(t *testing.T) {
	def := validDefinition()
	def.States["a"] = &StateNode{Name: "a", Kind: StateCompound, InitialSubState: "b"}
	def.States["b"] = &StateNode{Name: "b", Kind: StateCompound, InitialSubState: "a"}
	require.Error(t, def.Validate())
}

func TestValidateRejectsUnknownGlobalSource(t *testing.T) {
	def := validDefinition()
	def.GlobalTransitions = map[string][]Transition{
		"nope": {{Event: "X", To: "approved"}},
	}
	require.Error(t, def.Validate())
}

func TestTransitionsFromOrdersLocalBeforeGlobal(t *testing.T) {
	def := validDefinition()
	def.GlobalTransitions = map[string][]Transition{
		"pending": {{Event: "ABORT", To: "approved"}},
	}

	ts := def.TransitionsFrom("pending")
	require.Len(t, ts, 2)
	require.Equal(t, "APPROVE", ts[0].Event)
	require.Equal(t, "ABORT", ts[1].Event)
}

func TestRetryPolicyDelays(t *testing.T) {
	linear := RetryPolicy{MaxAttempts: 3, Backoff: BackoffLinear, Delay: 10 * time.Millisecond}
	require.Equal(t, 10*time.Millisecond, linear.DelayFor(0))
	require.Equal(t, 20*time.Millisecond, linear.DelayFor(1))
	require.Equal(t, 30*time.Millisecond, linear.DelayFor(2))

	exp := RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential, Delay: 10 * time.Millisecond}
	require.Equal(t, 10*time.Millisecond, exp.DelayFor(0))
	require.Equal(t, 20*time.Millisecond, exp.DelayFor(1))
	require.Equal(t, 40*time.Millisecond, exp.DelayFor(2))

	def := DefaultRetryPolicy()
	require.Equal(t, 0, def.MaxAttempts)
	require.Equal(t, BackoffLinear, def.Backoff)
	require.Equal(t, time.Second, def.Delay)
}

func TestIsFinalMarkers(t *testing.T) {
	require.True(t, (&StateNode{Kind: StateFinal}).IsFinal())
	require.True(t, (&StateNode{Kind: StateAtomic, Final: true}).IsFinal())
	require.True(t, (&StateNode{Kind: StateCompound, Final: true}).IsFinal())
	require.False(t, (&StateNode{Kind: StateAtomic}).IsFinal())
	require.False(t, (&StateNode{Kind: StateParallel, Final: true}).IsFinal())
}

func TestCompensationRegistryResolve(t *testing.T) {
	reg := NewCompensationRegistry()
	reg.Register("release", func(ctx context.Context, data map[string]any) error { return nil })

	entries := []CompensationEntry{
		{ActionName: "release"},
		{ActionName: "unknown"},
		{}, // anonymous, nothing to resolve
	}
	missing := reg.Resolve(entries)

	require.Equal(t, []string{"unknown"}, missing)
	require.NotNil(t, entries[0].Action)
	require.Nil(t, entries[1].Action)
	require.Nil(t, entries[2].Action)
}
