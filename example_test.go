package vuo_test

import (
	"context"
	"fmt"

	"github.com/petrijr/vuo"
)

// Example shows the complete lifecycle of a small approval flow:
// define, start, deliver an event, inspect the result.
func Example() {
	ctx := context.Background()

	order := vuo.NewFlow("order").Version("1.0").Initial("pending")
	order.State("pending").
		On("APPROVE", "approved", vuo.WithGuard(func(ctx context.Context, data map[string]any) (bool, error) {
			amount, _ := data["amount"].(int)
			return amount < 10000, nil
		})).
		On("APPROVE", "manager-review")
	order.FinalState("approved")
	order.State("manager-review").On("SIGN_OFF", "approved")

	eng, err := vuo.NewInMemoryEngine(order.MustDefinition())
	if err != nil {
		fmt.Println("engine:", err)
		return
	}

	inst, err := eng.Start(ctx, vuo.StartOptions{Context: map[string]any{"amount": 500}})
	if err != nil {
		fmt.Println("start:", err)
		return
	}

	res, err := eng.Execute(ctx, inst.FlowID, vuo.ExecuteOptions{Event: "APPROVE"})
	if err != nil {
		fmt.Println("execute:", err)
		return
	}

	fmt.Println(res.State.CurrentState.String(), res.State.Status)
	// Output: approved completed
}

// Example_saga records compensations alongside forward steps; when a
// later step fails, they run in reverse order.
func Example_saga() {
	ctx := context.Background()

	booking := vuo.NewFlow("booking").Initial("new")
	booking.State("new").On("RESERVE", "reserved")
	booking.State("reserved").On("CONFIRM", "confirmed", vuo.WithAction(
		func(ctx context.Context, data map[string]any) error {
			return fmt.Errorf("payment declined")
		}))
	booking.FinalState("confirmed")

	eng, _ := vuo.NewInMemoryEngine(booking.MustDefinition())

	inst, _ := eng.Start(ctx, vuo.StartOptions{})
	_, _ = eng.Execute(ctx, inst.FlowID, vuo.ExecuteOptions{Event: "RESERVE"})
	_ = eng.RecordCompensation(ctx, inst.FlowID, func(ctx context.Context, data map[string]any) error {
		fmt.Println("releasing reservation")
		return nil
	}, "release reservation")

	res, _ := eng.Execute(ctx, inst.FlowID, vuo.ExecuteOptions{Event: "CONFIRM"})
	fmt.Println(res.Compensated, res.State.Status)
	// Output:
	// releasing reservation
	// true failed
}
