package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/vuo/pkg/api"
)

func sampleInstance(id string) *api.FlowInstance {
	now := time.Now()
	return &api.FlowInstance{
		FlowID:       id,
		DefinitionID: "order",
		Version:      "1.0",
		CurrentState: api.SingleState("pending"),
		Context:      map[string]any{"orderId": "12345", "amount": 100},
		Status:       api.StatusActive,
		History: []api.HistoryEntry{
			{From: api.SingleState("new"), To: api.SingleState("pending"), Event: "CREATE", Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inst := sampleInstance("flow-1")
	require.NoError(t, store.Save(ctx, inst))

	got, err := store.Get(ctx, "flow-1")
	require.NoError(t, err)
	require.Equal(t, inst.FlowID, got.FlowID)
	require.Equal(t, inst.Context, got.Context)
	require.Equal(t, inst.CurrentState, got.CurrentState)
	require.Len(t, got.History, 1)

	// Save(Get(x)) is a no-op.
	require.NoError(t, store.Save(ctx, got))
	again, err := store.Get(ctx, "flow-1")
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, api.ErrFlowNotFound)
}

func TestMemoryStoreSnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inst := sampleInstance("flow-1")
	require.NoError(t, store.Save(ctx, inst))

	// Mutating the saved value must not affect the stored copy.
	inst.Context["orderId"] = "mutated"
	inst.History = append(inst.History, api.HistoryEntry{Event: "BOGUS"})

	got, err := store.Get(ctx, "flow-1")
	require.NoError(t, err)
	require.Equal(t, "12345", got.Context["orderId"])
	require.Len(t, got.History, 1)

	// Mutating a returned snapshot must not affect the stored copy.
	got.Context["orderId"] = "also mutated"
	fresh, err := store.Get(ctx, "flow-1")
	require.NoError(t, err)
	require.Equal(t, "12345", fresh.Context["orderId"])
}

func TestMemoryStoreSnapshotsKeepCompensationCallables(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ran := false
	inst := sampleInstance("flow-1")
	inst.Compensations = []api.CompensationEntry{{
		StateLabel: "pending",
		Action: func(ctx context.Context, data map[string]any) error {
			ran = true
			return nil
		},
		Timestamp: time.Now(),
	}}
	require.NoError(t, store.Save(ctx, inst))

	got, err := store.Get(ctx, "flow-1")
	require.NoError(t, err)
	require.NotNil(t, got.Compensations[0].Action)
	require.NoError(t, got.Compensations[0].Action(ctx, got.Context))
	require.True(t, ran)
}

func TestMemoryStoreDeleteAndExists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Save(ctx, sampleInstance("flow-1")))

	ok, err := store.Exists(ctx, "flow-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Delete(ctx, "flow-1"))
	// Deleting an absent id is a no-op.
	require.NoError(t, store.Delete(ctx, "flow-1"))

	ok, err = store.Exists(ctx, "flow-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	active := sampleInstance("flow-1")
	require.NoError(t, store.Save(ctx, active))

	failed := sampleInstance("flow-2")
	failed.Status = api.StatusFailed
	require.NoError(t, store.Save(ctx, failed))

	parallel := sampleInstance("flow-3")
	parallel.CurrentState = api.ParallelState("pack", "bill")
	require.NoError(t, store.Save(ctx, parallel))

	child := sampleInstance("flow-4")
	child.ParentFlowID = "flow-1"
	require.NoError(t, store.Save(ctx, child))

	all, err := store.List(ctx, api.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	byStatus, err := store.List(ctx, api.Filter{Status: api.StatusFailed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, "flow-2", byStatus[0].FlowID)

	// Set membership: a parallel flow matches any of its region states.
	byState, err := store.List(ctx, api.Filter{CurrentStates: []string{"pack"}})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	require.Equal(t, "flow-3", byState[0].FlowID)

	// A list-valued filter requires every state to be present.
	both, err := store.List(ctx, api.Filter{CurrentStates: []string{"pack", "bill"}})
	require.NoError(t, err)
	require.Len(t, both, 1)
	missing, err := store.List(ctx, api.Filter{CurrentStates: []string{"pack", "nope"}})
	require.NoError(t, err)
	require.Empty(t, missing)

	byParent, err := store.List(ctx, api.Filter{ParentFlowID: "flow-1"})
	require.NoError(t, err)
	require.Len(t, byParent, 1)
	require.Equal(t, "flow-4", byParent[0].FlowID)
}

func TestMemoryStoreIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	has, err := store.HasIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	require.False(t, has)

	_, err = store.FlowIDByIdempotencyKey(ctx, "k1")
	require.True(t, errors.Is(err, api.ErrIdempotencyKeyNotFound))

	require.NoError(t, store.SaveIdempotencyKey(ctx, "k1", "flow-1"))

	has, err = store.HasIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	require.True(t, has)

	id, err := store.FlowIDByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "flow-1", id)
}

func TestMemoryStoreQueryByContext(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Save(ctx, sampleInstance("flow-1")))
	other := sampleInstance("flow-2")
	other.Context = map[string]any{"orderId": "99999"}
	require.NoError(t, store.Save(ctx, other))

	matches, err := store.QueryByContext(ctx, map[string]any{"orderId": "12345"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "flow-1", matches[0].FlowID)

	none, err := store.QueryByContext(ctx, map[string]any{"orderId": "12345", "amount": 999})
	require.NoError(t, err)
	require.Empty(t, none)
}
