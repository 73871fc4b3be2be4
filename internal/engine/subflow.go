package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/petrijr/vuo/pkg/api"
)

// subFlowPollInterval is the cadence at which WaitForSubFlow polls
// the store.
const subFlowPollInterval = 100 * time.Millisecond

// StartSubFlow creates a child instance of def against the same
// store and links it back to the parent. The child gets its own copy
// of the parent's context unless opts carries one.
func (e *engineImpl) StartSubFlow(ctx context.Context, parentFlowID string, def *api.FlowDefinition, opts api.StartOptions) (*api.FlowInstance, error) {
	parent, err := e.store.Get(ctx, parentFlowID)
	if err != nil {
		return nil, err
	}

	child, err := New(def, Config{
		Store:    e.store,
		Observer: e.observer,
		Logger:   e.logger,
		Registry: e.registry,
	})
	if err != nil {
		return nil, err
	}

	if opts.Context == nil {
		opts.Context = deepcopy.Copy(parent.Context).(map[string]any)
	}
	opts.ParentFlowID = parent.FlowID

	childInst, err := child.Start(ctx, opts)
	if err != nil {
		return nil, err
	}

	parent.SubFlows = append(parent.SubFlows, api.SubFlowRef{
		SubFlowID:      childInst.FlowID,
		DefinitionID:   def.ID,
		StartedInState: parent.CurrentState.String(),
		Status:         childInst.Status,
		StartedAt:      time.Now(),
	})
	parent.UpdatedAt = time.Now()
	if err := e.store.Save(ctx, parent); err != nil {
		return nil, err
	}
	return childInst, nil
}

// WaitForSubFlow polls until the child reaches a terminal status,
// then mirrors that status onto the parent's sub-flow record. With a
// positive timeout it returns ErrWaitTimeout when the budget elapses.
func (e *engineImpl) WaitForSubFlow(ctx context.Context, parentFlowID, subFlowID string, timeout time.Duration) (*api.FlowInstance, error) {
	if parentFlowID == subFlowID {
		return nil, fmt.Errorf("flow %s cannot wait on itself", parentFlowID)
	}
	parent, err := e.store.Get(ctx, parentFlowID)
	if err != nil {
		return nil, err
	}
	if !hasSubFlow(parent, subFlowID) {
		return nil, fmt.Errorf("%w: sub-flow %s is not recorded on flow %s", api.ErrFlowNotFound, subFlowID, parentFlowID)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(subFlowPollInterval)
	defer ticker.Stop()

	for {
		child, err := e.store.Get(ctx, subFlowID)
		if err != nil {
			return nil, err
		}
		if child.Status.Terminal() {
			if err := e.completeSubFlow(ctx, parentFlowID, child); err != nil {
				return nil, err
			}
			return child, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("%w: sub-flow %s after %s", api.ErrWaitTimeout, subFlowID, timeout)
		case <-ticker.C:
		}
	}
}

// completeSubFlow updates the parent's matching sub-flow record with
// the child's terminal status.
func (e *engineImpl) completeSubFlow(ctx context.Context, parentFlowID string, child *api.FlowInstance) error {
	parent, err := e.store.Get(ctx, parentFlowID)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range parent.SubFlows {
		if parent.SubFlows[i].SubFlowID != child.FlowID {
			continue
		}
		parent.SubFlows[i].Status = child.Status
		parent.SubFlows[i].CompletedAt = &now
		if child.Status == api.StatusCompleted {
			parent.SubFlows[i].Result = child.Context
		}
		break
	}
	parent.UpdatedAt = now
	return e.store.Save(ctx, parent)
}

func hasSubFlow(parent *api.FlowInstance, subFlowID string) bool {
	for _, ref := range parent.SubFlows {
		if ref.SubFlowID == subFlowID {
			return true
		}
	}
	return false
}

// Delete removes the flow and, best-effort, every sub-flow it lists.
// Errors deleting sub-flows are logged and swallowed.
func (e *engineImpl) Delete(ctx context.Context, flowID string) error {
	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return err
	}
	for _, ref := range inst.SubFlows {
		if err := e.Delete(ctx, ref.SubFlowID); err != nil {
			e.logger.Debug("sub-flow delete skipped",
				"flow_id", flowID,
				"sub_flow_id", ref.SubFlowID,
				"error", err,
			)
		}
	}
	return e.store.Delete(ctx, flowID)
}
