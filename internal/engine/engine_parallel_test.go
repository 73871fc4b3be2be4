package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/petrijr/vuo/pkg/api"
)

// shippingDefinition starts in a parallel state with two regions:
// packing (pack -> packed) and billing (bill -> billed).
func shippingDefinition() *api.FlowDefinition {
	return &api.FlowDefinition{
		ID:           "shipping",
		InitialState: "processing",
		States: map[string]*api.StateNode{
			"processing": {
				Name: "processing",
				Kind: api.StateParallel,
				Regions: []api.Region{
					{Name: "packing", InitialState: "pack", States: []string{"pack", "packed"}},
					{Name: "billing", InitialState: "bill", States: []string{"bill", "billed"}},
				},
			},
			"pack": {
				Name: "pack", Kind: api.StateAtomic,
				Transitions: []api.Transition{{Event: "FINISH_R1", To: "packed"}},
			},
			"packed": {Name: "packed", Kind: api.StateFinal},
			"bill": {
				Name: "bill", Kind: api.StateAtomic,
				Transitions: []api.Transition{{Event: "FINISH_R2", To: "billed"}},
			},
			"billed": {Name: "billed", Kind: api.StateFinal},
		},
	}
}

func newShippingEngine(t *testing.T) api.Engine {
	t.Helper()
	eng, err := NewInMemoryEngine(shippingDefinition())
	if err != nil {
		t.Fatalf("NewInMemoryEngine failed: %v", err)
	}
	return eng
}

func TestParallelStartActivatesAllRegions(t *testing.T) {
	ctx := context.Background()
	eng := newShippingEngine(t)

	inst, err := eng.Start(ctx, api.StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !inst.CurrentState.IsParallel() {
		t.Fatalf("expected a parallel state, got %+v", inst.CurrentState)
	}
	regions := inst.CurrentState.Regions()
	if len(regions) != 2 || regions[0] != "pack" || regions[1] != "bill" {
		t.Fatalf("unexpected regions: %v", regions)
	}
}

func TestParallelCompletionRequiresAllRegionsFinal(t *testing.T) {
	ctx := context.Background()
	eng := newShippingEngine(t)

	inst, _ := eng.Start(ctx, api.StartOptions{})

	res, err := eng.Execute(ctx, inst.FlowID, api.ExecuteOptions{Event: "FINISH_R1"})
	if err != nil || !res.Success {
		t.Fatalf("FINISH_R1 failed: res=%+v err=%v", res, err)
	}
	if res.State.Status != api.StatusActive {
		t.Fatalf("one final region must not complete the flow, got %q", res.State.Status)
	}
	regions := res.State.CurrentState.Regions()
	if regions[0] != "packed" || regions[1] != "bill" {
		t.Fatalf("unexpected regions after FINISH_R1: %v", regions)
	}

	res, err = eng.Execute(ctx, inst.FlowID, api.ExecuteOptions{Event: "FINISH_R2"})
	if err != nil || !res.Success {
		t.Fatalf("FINISH_R2 failed: res=%+v err=%v", res, err)
	}
	if res.State.Status != api.StatusCompleted {
		t.Fatalf("all regions final must complete the flow, got %q", res.State.Status)
	}
}

func TestParallelHistoryRecordsRegionLists(t *testing.T) {
	ctx := context.Background()
	eng := newShippingEngine(t)

	inst, _ := eng.Start(ctx, api.StartOptions{})
	res, err := eng.Execute(ctx, inst.FlowID, api.ExecuteOptions{Event: "FINISH_R1"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	rec := res.State.History[0]
	if !rec.From.IsParallel() || !rec.To.IsParallel() {
		t.Fatalf("parallel history must record region lists: %+v", rec)
	}
	from, to := rec.From.Regions(), rec.To.Regions()
	if from[0] != "pack" || to[0] != "packed" || to[1] != "bill" {
		t.Fatalf("unexpected history record: from=%v to=%v", from, to)
	}
}

func TestParallelRegionCountIsStable(t *testing.T) {
	ctx := context.Background()
	eng := newShippingEngine(t)

	inst, _ := eng.Start(ctx, api.StartOptions{})
	for _, event := range []string{"FINISH_R1", "FINISH_R2"} {
		res, err := eng.Execute(ctx, inst.FlowID, api.ExecuteOptions{Event: event})
		if err != nil {
			t.Fatalf("Execute(%s) failed: %v", event, err)
		}
		if got := len(res.State.CurrentState.Regions()); got != 2 {
			t.Fatalf("region count changed to %d after %s", got, event)
		}
	}
}

func TestParallelTargetRegionDispatch(t *testing.T) {
	ctx := context.Background()
	eng := newShippingEngine(t)

	inst, _ := eng.Start(ctx, api.StartOptions{})

	one := 1
	res, err := eng.Execute(ctx, inst.FlowID, api.ExecuteOptions{Event: "FINISH_R2", TargetRegion: &one})
	if err != nil || !res.Success {
		t.Fatalf("targeted dispatch failed: res=%+v err=%v", res, err)
	}
	regions := res.State.CurrentState.Regions()
	if regions[0] != "pack" || regions[1] != "billed" {
		t.Fatalf("only region 1 should have moved: %v", regions)
	}
}

func TestParallelInvalidRegionTriggersFailure(t *testing.T) {
	ctx := context.Background()
	eng := newShippingEngine(t)

	inst, _ := eng.Start(ctx, api.StartOptions{})

	five := 5
	res, err := eng.Execute(ctx, inst.FlowID, api.ExecuteOptions{Event: "FINISH_R1", TargetRegion: &five})
	if err != nil {
		t.Fatalf("execution errors must be captured: %v", err)
	}
	if res.Success || !errors.Is(res.Err, api.ErrInvalidRegion) {
		t.Fatalf("expected ErrInvalidRegion, got %+v", res)
	}
	if res.State.Status != api.StatusFailed {
		t.Fatalf("expected failed, got %q", res.State.Status)
	}
}

func TestParallelBroadcastNoRegionAccepted(t *testing.T) {
	ctx := context.Background()
	eng := newShippingEngine(t)

	inst, _ := eng.Start(ctx, api.StartOptions{})

	res, err := eng.Execute(ctx, inst.FlowID, api.ExecuteOptions{Event: "NOPE"})
	if err != nil {
		t.Fatalf("execution errors must be captured: %v", err)
	}
	if res.Success || !errors.Is(res.Err, api.ErrNoRegionAccepted) {
		t.Fatalf("expected ErrNoRegionAccepted, got %+v", res)
	}
	if res.State.Status != api.StatusFailed {
		t.Fatalf("expected failed, got %q", res.State.Status)
	}
}

func TestParallelBroadcastSilentlySkipsFailingRegions(t *testing.T) {
	ctx := context.Background()

	// Both regions know DONE, but region 1's guard rejects it.
	def := shippingDefinition()
	def.States["pack"].Transitions = []api.Transition{{Event: "DONE", To: "packed"}}
	def.States["bill"].Transitions = []api.Transition{{
		Event: "DONE", To: "billed",
		Guard: func(ctx context.Context, data map[string]any) (bool, error) { return false, nil },
	}}
	eng, err := NewInMemoryEngine(def)
	if err != nil {
		t.Fatalf("NewInMemoryEngine failed: %v", err)
	}

	inst, _ := eng.Start(ctx, api.StartOptions{})
	res, err := eng.Execute(ctx, inst.FlowID, api.ExecuteOptions{Event: "DONE"})
	if err != nil || !res.Success {
		t.Fatalf("accepting region must win: res=%+v err=%v", res, err)
	}
	regions := res.State.CurrentState.Regions()
	if regions[0] != "packed" || regions[1] != "bill" {
		t.Fatalf("unexpected regions: %v", regions)
	}
}

func TestTransitionIntoParallelStateFansOut(t *testing.T) {
	ctx := context.Background()

	def := shippingDefinition()
	def.States["draft"] = &api.StateNode{
		Name: "draft", Kind: api.StateAtomic,
		Transitions: []api.Transition{{Event: "SUBMIT", To: "processing"}},
	}
	def.InitialState = "draft"
	eng, err := NewInMemoryEngine(def)
	if err != nil {
		t.Fatalf("NewInMemoryEngine failed: %v", err)
	}

	inst, _ := eng.Start(ctx, api.StartOptions{})
	res, err := eng.Execute(ctx, inst.FlowID, api.ExecuteOptions{Event: "SUBMIT"})
	if err != nil || !res.Success {
		t.Fatalf("SUBMIT failed: res=%+v err=%v", res, err)
	}
	if !res.State.CurrentState.IsParallel() {
		t.Fatalf("expected fan-out into regions, got %+v", res.State.CurrentState)
	}
	regions := res.State.CurrentState.Regions()
	if len(regions) != 2 || regions[0] != "pack" || regions[1] != "bill" {
		t.Fatalf("unexpected regions: %v", regions)
	}
}

func TestNestedParallelIsRejected(t *testing.T) {
	ctx := context.Background()

	// Region transition targeting the parallel state itself.
	def := shippingDefinition()
	def.States["pack"].Transitions = append(def.States["pack"].Transitions,
		api.Transition{Event: "LOOP", To: "processing"})
	eng, err := NewInMemoryEngine(def)
	if err != nil {
		t.Fatalf("NewInMemoryEngine failed: %v", err)
	}

	inst, _ := eng.Start(ctx, api.StartOptions{})
	res, err := eng.Execute(ctx, inst.FlowID, api.ExecuteOptions{Event: "LOOP"})
	if err != nil {
		t.Fatalf("execution errors must be captured: %v", err)
	}
	if res.Success || !errors.Is(res.Err, api.ErrNestedParallel) {
		t.Fatalf("expected ErrNestedParallel, got %+v", res)
	}
	if res.State.Status != api.StatusFailed {
		t.Fatalf("expected failed, got %q", res.State.Status)
	}
}
