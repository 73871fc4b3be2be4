package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/vuo/pkg/api"
)

// EncodeInstance serializes a flow instance to JSON. The current
// state (and the from/to of each history record) is written as either
// a string or a list of strings depending on whether the flow is in a
// parallel state; compensation entries carry only their registered
// action name, never the callable itself.
func EncodeInstance(inst *api.FlowInstance) ([]byte, error) {
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("encoding flow %s: %w", inst.FlowID, err)
	}
	return data, nil
}

// DecodeInstance deserializes a flow instance and resolves its named
// compensation actions through the registry. Entries whose name is
// not registered (or that were recorded as anonymous closures) come
// back with a nil Action; the engine logs and skips those during
// compensation.
func DecodeInstance(data []byte, registry *api.CompensationRegistry) (*api.FlowInstance, error) {
	var inst api.FlowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decoding flow instance: %w", err)
	}
	if registry != nil {
		registry.Resolve(inst.Compensations)
	}
	return &inst, nil
}
