package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/vuo/pkg/api"
)

// compensate runs the instance's recorded compensations in reverse
// order and marks it failed with the given reason. It reports whether
// any compensations existed. Entries are never popped; they stay on
// the instance for audit.
//
// Individual action failures are logged and skipped; only an
// infrastructure failure while entering the compensating status
// aborts the run.
func (e *engineImpl) compensate(ctx context.Context, inst *api.FlowInstance, reason string) bool {
	state := inst.CurrentState.String()

	if len(inst.Compensations) == 0 {
		inst.Status = api.StatusFailed
		inst.Error = &api.FlowError{Message: reason, State: state, Timestamp: time.Now()}
		return false
	}

	inst.Status = api.StatusCompensating
	if err := e.store.Save(ctx, inst); err != nil {
		inst.Status = api.StatusFailed
		inst.Error = &api.FlowError{
			Message:   fmt.Sprintf("Compensation failed: %v", err),
			State:     state,
			Timestamp: time.Now(),
		}
		return false
	}

	for i := len(inst.Compensations) - 1; i >= 0; i-- {
		entry := inst.Compensations[i]
		if entry.Action == nil {
			// Loaded from a durable store without a registered action.
			e.logger.Warn("compensation action unavailable",
				"flow_id", inst.FlowID,
				"action", entry.ActionName,
				"recorded_in", entry.StateLabel,
			)
			continue
		}
		err := entry.Action(ctx, inst.Context)
		e.observer.OnCompensation(ctx, inst, entry, err)
		if err != nil {
			e.logger.Warn("compensation action failed",
				"flow_id", inst.FlowID,
				"description", entry.Description,
				"recorded_in", entry.StateLabel,
				"error", err,
			)
		}
	}

	inst.Status = api.StatusFailed
	inst.Error = &api.FlowError{
		Message:   reason + " (compensated)",
		State:     state,
		Timestamp: time.Now(),
	}
	return true
}
