package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a flow instance.
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StateRef is the current position of a flow: either a single state
// name or an ordered list of names, one per active parallel region.
// It serializes as a JSON string or a JSON array accordingly.
type StateRef struct {
	Names    []string
	Parallel bool
}

// SingleState builds a non-parallel reference.
func SingleState(name string) StateRef {
	return StateRef{Names: []string{name}}
}

// ParallelState builds a reference with one entry per region, in
// region declaration order.
func ParallelState(names ...string) StateRef {
	return StateRef{Names: append([]string(nil), names...), Parallel: true}
}

// IsZero reports whether the reference is unset.
func (r StateRef) IsZero() bool { return len(r.Names) == 0 }

// IsParallel reports whether the reference tracks parallel regions.
func (r StateRef) IsParallel() bool { return r.Parallel }

// Single returns the state name of a non-parallel reference.
func (r StateRef) Single() string {
	if len(r.Names) == 0 {
		return ""
	}
	return r.Names[0]
}

// Regions returns a copy of the per-region state names.
func (r StateRef) Regions() []string {
	return append([]string(nil), r.Names...)
}

// Contains reports whether name is the current state or one of the
// active region states.
func (r StateRef) Contains(name string) bool {
	for _, n := range r.Names {
		if n == name {
			return true
		}
	}
	return false
}

// WithRegion returns a copy with the i-th region entry replaced.
func (r StateRef) WithRegion(i int, name string) StateRef {
	names := append([]string(nil), r.Names...)
	names[i] = name
	return StateRef{Names: names, Parallel: r.Parallel}
}

// Equal reports deep equality.
func (r StateRef) Equal(o StateRef) bool {
	if r.Parallel != o.Parallel || len(r.Names) != len(o.Names) {
		return false
	}
	for i := range r.Names {
		if r.Names[i] != o.Names[i] {
			return false
		}
	}
	return true
}

// String renders the single name, or the comma-joined region states.
func (r StateRef) String() string {
	if r.Parallel {
		return strings.Join(r.Names, ",")
	}
	return r.Single()
}

// MarshalJSON writes a string for single references and an array for
// parallel ones.
func (r StateRef) MarshalJSON() ([]byte, error) {
	if r.Parallel {
		return json.Marshal(r.Names)
	}
	return json.Marshal(r.Single())
}

// UnmarshalJSON accepts either layout.
func (r *StateRef) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = SingleState(single)
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("state ref must be a string or a list of strings: %w", err)
	}
	*r = ParallelState(names...)
	return nil
}

// HistoryEntry records one successful transition.
type HistoryEntry struct {
	From      StateRef  `json:"from"`
	To        StateRef  `json:"to"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// CompensationEntry is one recorded undo action. Action is the live
// callable; ActionName, when set, names a registered compensation so
// durable stores can reconstruct the callable after a restart.
type CompensationEntry struct {
	StateLabel  string           `json:"state_label"`
	Action      CompensationFunc `json:"-"`
	ActionName  string           `json:"action_name,omitempty"`
	Description string           `json:"description,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// SubFlowRef links a parent flow to a child instance it started.
type SubFlowRef struct {
	SubFlowID      string         `json:"sub_flow_id"`
	DefinitionID   string         `json:"definition_id"`
	StartedInState string         `json:"started_in_state"`
	Status         Status         `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
}

// FlowError describes why a flow failed.
type FlowError struct {
	Message   string    `json:"message"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// FlowInstance is one live execution of a definition. Instances are
// owned by the store; values handed out by an engine or store are
// snapshots, and History and Compensations are append-only.
type FlowInstance struct {
	FlowID        string              `json:"flow_id"`
	DefinitionID  string              `json:"definition_id"`
	Version       string              `json:"version"`
	CurrentState  StateRef            `json:"current_state"`
	Context       map[string]any      `json:"context"`
	Status        Status              `json:"status"`
	History       []HistoryEntry      `json:"history"`
	Compensations []CompensationEntry `json:"compensations"`
	SubFlows      []SubFlowRef        `json:"sub_flows"`
	ParentFlowID  string              `json:"parent_flow_id,omitempty"`
	Error         *FlowError          `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}
