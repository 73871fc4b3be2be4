package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/petrijr/vuo/pkg/api"
)

// MemoryStore is the goroutine-safe in-memory reference FlowStore.
// It stores deep copies on writes and returns deep copies on reads,
// so external mutation of a snapshot can never corrupt stored state.
// Compensation callables survive only for the process lifetime; flows
// do not survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string]*api.FlowInstance
	keys  map[string]string
}

// Ensure MemoryStore implements the store contracts.
var (
	_ api.FlowStore         = (*MemoryStore)(nil)
	_ api.ContextQueryStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows: make(map[string]*api.FlowInstance),
		keys:  make(map[string]string),
	}
}

func cloneInstance(inst *api.FlowInstance) *api.FlowInstance {
	return deepcopy.Copy(inst).(*api.FlowInstance)
}

func (s *MemoryStore) Save(ctx context.Context, inst *api.FlowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flows[inst.FlowID] = cloneInstance(inst)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, flowID string) (*api.FlowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrFlowNotFound, flowID)
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) Delete(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flows, flowID)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, flowID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.flows[flowID]
	return ok, nil
}

func (s *MemoryStore) List(ctx context.Context, filter api.Filter) ([]*api.FlowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowInstance
	for _, inst := range s.flows {
		if filter.Matches(inst) {
			result = append(result, cloneInstance(inst))
		}
	}
	return result, nil
}

func (s *MemoryStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.keys[key]
	return ok, nil
}

func (s *MemoryStore) SaveIdempotencyKey(ctx context.Context, key, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[key] = flowID
	return nil
}

func (s *MemoryStore) FlowIDByIdempotencyKey(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flowID, ok := s.keys[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", api.ErrIdempotencyKeyNotFound, key)
	}
	return flowID, nil
}

func (s *MemoryStore) QueryByContext(ctx context.Context, match map[string]any) ([]*api.FlowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowInstance
	for _, inst := range s.flows {
		if api.ContextMatches(inst, match) {
			result = append(result, cloneInstance(inst))
		}
	}
	return result, nil
}
