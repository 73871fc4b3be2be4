package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/vuo/internal/persistence"
	"github.com/petrijr/vuo/pkg/api"
)

// engineImpl drives instances of a single flow definition against a
// FlowStore. It assumes a single writer per flow id; see the api
// package docs.
type engineImpl struct {
	def      *api.FlowDefinition
	store    api.FlowStore
	observer api.Observer
	logger   *slog.Logger
	registry *api.CompensationRegistry
	machine  *stateMachine

	mwMu        sync.Mutex
	middlewares []api.Middleware

	// keyMu makes the check-and-bind of an idempotency key atomic
	// within this process, so concurrent retries of the same event
	// collapse into one transition.
	keyMu sync.Mutex

	// keys is a lookaside of idempotency keys this process has seen
	// bound, so hot retries skip the store round-trip. The store stays
	// the source of truth.
	keys *cache.Cache
}

// Config describes how to construct an engine. Store is required;
// everything else has a default.
type Config struct {
	Store    api.FlowStore
	Observer api.Observer
	Logger   *slog.Logger
	Registry *api.CompensationRegistry
}

// New validates the definition and returns an engine for it.
func New(def *api.FlowDefinition, cfg Config) (api.Engine, error) {
	if def == nil {
		return nil, errors.New("flow definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, errors.New("flow store is required")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = api.NewCompensationRegistry()
	}
	return &engineImpl{
		def:      def,
		store:    cfg.Store,
		observer: obs,
		logger:   logger,
		registry: registry,
		machine:  newStateMachine(def),
		keys:     cache.New(cache.NoExpiration, 10*time.Minute),
	}, nil
}

// NewInMemoryEngine returns an engine backed by the in-memory store.
func NewInMemoryEngine(def *api.FlowDefinition) (api.Engine, error) {
	return New(def, Config{Store: persistence.NewMemoryStore()})
}

// NewSQLiteEngine returns an engine that persists flows in a SQLite
// database. The caller is responsible for importing a SQLite driver,
// for example "modernc.org/sqlite".
func NewSQLiteEngine(def *api.FlowDefinition, db *sql.DB) (api.Engine, error) {
	registry := api.NewCompensationRegistry()
	store, err := persistence.NewSQLiteStore(db, registry)
	if err != nil {
		return nil, err
	}
	return New(def, Config{Store: store, Registry: registry})
}

// NewRedisEngine returns an engine that persists flows in Redis.
func NewRedisEngine(def *api.FlowDefinition, client *redis.Client) (api.Engine, error) {
	registry := api.NewCompensationRegistry()
	return New(def, Config{
		Store:    persistence.NewRedisStore(client, "vuo:", registry),
		Registry: registry,
	})
}

func (e *engineImpl) Definition() *api.FlowDefinition { return e.def }

func (e *engineImpl) Start(ctx context.Context, opts api.StartOptions) (*api.FlowInstance, error) {
	if opts.IdempotencyKey != "" {
		id, err := e.store.FlowIDByIdempotencyKey(ctx, opts.IdempotencyKey)
		if err == nil {
			return e.store.Get(ctx, id)
		}
		if !errors.Is(err, api.ErrIdempotencyKeyNotFound) {
			return nil, err
		}
	}

	flowID := opts.FlowID
	if flowID == "" {
		flowID = uuid.NewString()
	}
	exists, err := e.store.Exists(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", api.ErrDuplicateFlow, flowID)
	}
	if opts.IdempotencyKey != "" {
		if err := e.store.SaveIdempotencyKey(ctx, opts.IdempotencyKey, flowID); err != nil {
			return nil, err
		}
		e.keys.SetDefault(opts.IdempotencyKey, flowID)
	}

	data := opts.Context
	if data == nil {
		data = make(map[string]any)
	}
	now := time.Now()
	inst := &api.FlowInstance{
		FlowID:       flowID,
		DefinitionID: e.def.ID,
		Version:      e.def.Version,
		Context:      data,
		Status:       api.StatusActive,
		ParentFlowID: opts.ParentFlowID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.observer.OnFlowStart(ctx, inst)

	entryErr := e.enterInitial(ctx, inst)
	if entryErr != nil {
		inst.Status = api.StatusFailed
		inst.Error = &api.FlowError{
			Message:   entryErr.Error(),
			State:     inst.CurrentState.String(),
			Timestamp: time.Now(),
		}
		e.observer.OnFlowFailed(ctx, inst, entryErr)
	} else if e.machine.allFinal(inst.CurrentState) {
		inst.Status = api.StatusCompleted
		e.observer.OnFlowCompleted(ctx, inst)
	}

	inst.UpdatedAt = time.Now()
	if err := e.store.Save(ctx, inst); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, flowID)
}

// enterInitial resolves the definition's initial state into the
// instance's current state and runs the entry hooks: sequentially for
// a single initial state, concurrently across regions for a parallel
// one.
func (e *engineImpl) enterInitial(ctx context.Context, inst *api.FlowInstance) error {
	initial := e.def.State(e.def.InitialState)
	if initial.Kind != api.StateParallel {
		inst.CurrentState = api.SingleState(e.def.InitialState)
		inner, err := e.machine.enterState(ctx, e.def.InitialState, inst.Context)
		inst.CurrentState = api.SingleState(inner)
		return err
	}

	names := make([]string, len(initial.Regions))
	for i, r := range initial.Regions {
		names[i] = r.InitialState
	}
	inst.CurrentState = api.ParallelState(names...)

	if initial.OnEntry != nil {
		if err := initial.OnEntry(ctx, inst.Context); err != nil {
			return &api.HookError{Stage: "entry", State: initial.Name, Err: err}
		}
	}
	entered, err := e.enterRegions(ctx, initial, inst.Context)
	if err != nil {
		return err
	}
	inst.CurrentState = api.ParallelState(entered...)
	return nil
}

// enterRegions runs each region's initial entry concurrently and
// returns the entered state names in region declaration order. Hooks
// sharing the flow context must synchronize their own access or use
// disjoint keys.
func (e *engineImpl) enterRegions(ctx context.Context, node *api.StateNode, data map[string]any) ([]string, error) {
	names := make([]string, len(node.Regions))
	errs := make([]error, len(node.Regions))
	var wg sync.WaitGroup
	for i, r := range node.Regions {
		wg.Add(1)
		go func(i int, initial string) {
			defer wg.Done()
			names[i], errs[i] = e.machine.enterState(ctx, initial, data)
		}(i, r.InitialState)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (e *engineImpl) Execute(ctx context.Context, flowID string, opts api.ExecuteOptions) (*api.ExecuteResult, error) {
	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if opts.IdempotencyKey != "" {
		bound, err := e.claimKey(ctx, opts.IdempotencyKey, flowID)
		if err != nil {
			return nil, err
		}
		if bound {
			// Replay: a bound key always yields a no-op success carrying
			// the current state.
			return &api.ExecuteResult{
				Success: true,
				State:   inst,
				Transition: &api.HistoryEntry{
					From:      inst.CurrentState,
					To:        inst.CurrentState,
					Event:     opts.Event,
					Timestamp: time.Now(),
				},
			}, nil
		}
	}

	mc := &api.MiddlewareContext{
		FlowID:    flowID,
		Event:     opts.Event,
		FlowState: inst,
		Options:   opts,
		StartTime: time.Now(),
	}
	res, err := e.buildChain(mc, e.coreStep(flowID, opts))(ctx)
	if err != nil {
		if isOperational(err) {
			return nil, err
		}
		// Failures raised by middleware take the same compensation path
		// as state machine failures.
		fresh, getErr := e.store.Get(ctx, flowID)
		if getErr != nil {
			return nil, getErr
		}
		return e.failWith(ctx, fresh, err, 0)
	}
	return res, nil
}

// isOperational reports whether err must be raised to the caller
// instead of driving the compensation path.
func isOperational(err error) bool {
	return errors.Is(err, api.ErrFlowNotFound) ||
		errors.Is(err, api.ErrFlowNotActive) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// coreStep is the terminus of the middleware chain. It re-fetches the
// instance so the active-status check sees the latest persisted state
// even when middlewares suspended before calling next.
func (e *engineImpl) coreStep(flowID string, opts api.ExecuteOptions) api.NextFunc {
	return func(ctx context.Context) (*api.ExecuteResult, error) {
		inst, err := e.store.Get(ctx, flowID)
		if err != nil {
			return nil, err
		}
		if inst.Status != api.StatusActive {
			return nil, fmt.Errorf("%w: flow %s is %s", api.ErrFlowNotActive, flowID, inst.Status)
		}

		if inst.Context == nil {
			inst.Context = make(map[string]any)
		}
		for k, v := range opts.Data {
			inst.Context[k] = v
		}

		started := time.Now()
		from := inst.CurrentState

		var to api.StateRef
		var attempts int
		var execErr error
		if from.IsParallel() {
			to, attempts, execErr = e.dispatchParallel(ctx, inst, opts)
		} else {
			outcome := e.machine.ExecuteTransition(ctx, from.Single(), opts.Event, inst.Context)
			attempts = outcome.Attempts
			if outcome.Err != nil {
				execErr = outcome.Err
			} else {
				to, execErr = e.expandTarget(ctx, outcome.To, inst.Context)
			}
		}
		duration := time.Since(started)

		if execErr != nil {
			if isOperational(execErr) {
				return nil, execErr
			}
			e.observer.OnTransition(ctx, inst, from, from, opts.Event, execErr, duration)
			return e.failWith(ctx, inst, execErr, attempts)
		}

		rec := api.HistoryEntry{From: from, To: to, Event: opts.Event, Timestamp: time.Now()}
		inst.History = append(inst.History, rec)
		inst.CurrentState = to
		if e.machine.allFinal(to) {
			inst.Status = api.StatusCompleted
		}
		inst.UpdatedAt = time.Now()
		if err := e.store.Save(ctx, inst); err != nil {
			return nil, err
		}
		e.observer.OnTransition(ctx, inst, from, to, opts.Event, nil, duration)
		if inst.Status == api.StatusCompleted {
			e.observer.OnFlowCompleted(ctx, inst)
		}

		return &api.ExecuteResult{
			Success:    true,
			State:      e.snapshotOr(ctx, inst),
			Transition: &rec,
			Attempts:   attempts,
		}, nil
	}
}

// expandTarget turns a transition target into the resulting state
// reference. A parallel target fans out into its regions, whose
// initial states are entered concurrently.
func (e *engineImpl) expandTarget(ctx context.Context, target string, data map[string]any) (api.StateRef, error) {
	node := e.def.State(target)
	if node.Kind != api.StateParallel {
		return api.SingleState(target), nil
	}
	names, err := e.enterRegions(ctx, node, data)
	if err != nil {
		return api.StateRef{}, err
	}
	return api.ParallelState(names...), nil
}

// dispatchParallel delivers one event to a flow whose current state is
// a set of parallel regions, either to a single indexed region or as
// a broadcast.
func (e *engineImpl) dispatchParallel(ctx context.Context, inst *api.FlowInstance, opts api.ExecuteOptions) (api.StateRef, int, error) {
	regions := inst.CurrentState.Regions()

	if opts.TargetRegion != nil {
		i := *opts.TargetRegion
		if i < 0 || i >= len(regions) {
			return api.StateRef{}, 1, fmt.Errorf("%w: index %d with %d regions", api.ErrInvalidRegion, i, len(regions))
		}
		outcome := e.machine.ExecuteTransition(ctx, regions[i], opts.Event, inst.Context)
		if outcome.Err != nil {
			return api.StateRef{}, outcome.Attempts, outcome.Err
		}
		if e.def.State(outcome.To).Kind == api.StateParallel {
			return api.StateRef{}, outcome.Attempts, fmt.Errorf("%w: region %d targets %q", api.ErrNestedParallel, i, outcome.To)
		}
		return inst.CurrentState.WithRegion(i, outcome.To), outcome.Attempts, nil
	}

	// Broadcast: every region attempts the event concurrently. A region
	// that fails for any reason did not accept; its entry is unchanged.
	outcomes := make([]transitionOutcome, len(regions))
	var wg sync.WaitGroup
	for i := range regions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = e.machine.ExecuteTransition(ctx, regions[i], opts.Event, inst.Context)
		}(i)
	}
	wg.Wait()

	next := append([]string(nil), regions...)
	attempts := 1
	accepted := false
	for i, o := range outcomes {
		if o.Attempts > attempts {
			attempts = o.Attempts
		}
		if o.Err != nil {
			continue
		}
		if e.def.State(o.To).Kind == api.StateParallel {
			return api.StateRef{}, attempts, fmt.Errorf("%w: region %d targets %q", api.ErrNestedParallel, i, o.To)
		}
		next[i] = o.To
		accepted = true
	}
	if !accepted {
		return api.StateRef{}, attempts, fmt.Errorf("%w: event %q", api.ErrNoRegionAccepted, opts.Event)
	}
	return api.ParallelState(next...), attempts, nil
}

// failWith runs the compensation procedure against the in-hand
// instance (so context mutations from the failed path are kept),
// persists the failed instance and wraps everything into a result.
func (e *engineImpl) failWith(ctx context.Context, inst *api.FlowInstance, execErr error, attempts int) (*api.ExecuteResult, error) {
	didCompensate := e.compensate(ctx, inst, execErr.Error())
	inst.UpdatedAt = time.Now()
	if err := e.store.Save(ctx, inst); err != nil {
		e.logger.Error("persisting failed flow", "flow_id", inst.FlowID, "error", err)
	}
	e.observer.OnFlowFailed(ctx, inst, execErr)
	return &api.ExecuteResult{
		Success:     false,
		State:       e.snapshotOr(ctx, inst),
		Compensated: didCompensate,
		Err:         execErr,
		Attempts:    attempts,
	}, nil
}

func (e *engineImpl) Pause(ctx context.Context, flowID string) (*api.FlowInstance, error) {
	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if inst.Status != api.StatusActive {
		return nil, fmt.Errorf("%w: cannot pause flow %s in status %s", api.ErrFlowNotActive, flowID, inst.Status)
	}
	inst.Status = api.StatusPaused
	inst.UpdatedAt = time.Now()
	if err := e.store.Save(ctx, inst); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, flowID)
}

func (e *engineImpl) Resume(ctx context.Context, flowID string) (*api.FlowInstance, error) {
	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if inst.Status != api.StatusPaused {
		return nil, fmt.Errorf("%w: cannot resume flow %s in status %s", api.ErrFlowNotActive, flowID, inst.Status)
	}
	inst.Status = api.StatusActive
	inst.UpdatedAt = time.Now()
	if err := e.store.Save(ctx, inst); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, flowID)
}

func (e *engineImpl) Cancel(ctx context.Context, flowID string, compensate bool) (*api.FlowInstance, error) {
	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if inst.Status == api.StatusCompleted {
		return nil, fmt.Errorf("%w: cannot cancel completed flow %s", api.ErrFlowNotActive, flowID)
	}

	const reason = "Flow cancelled by user"
	cancelErr := errors.New(reason)
	if compensate {
		e.compensate(ctx, inst, reason)
	} else {
		inst.Status = api.StatusFailed
		inst.Error = &api.FlowError{
			Message:   reason,
			State:     inst.CurrentState.String(),
			Timestamp: time.Now(),
		}
	}
	inst.UpdatedAt = time.Now()
	if err := e.store.Save(ctx, inst); err != nil {
		return nil, err
	}
	e.observer.OnFlowFailed(ctx, inst, cancelErr)
	return e.store.Get(ctx, flowID)
}

func (e *engineImpl) GetFlow(ctx context.Context, flowID string) (*api.FlowInstance, error) {
	return e.store.Get(ctx, flowID)
}

func (e *engineImpl) ListFlows(ctx context.Context, filter api.Filter) ([]*api.FlowInstance, error) {
	return e.store.List(ctx, filter)
}

func (e *engineImpl) PossibleTransitions(ctx context.Context, flowID string) ([]string, error) {
	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return e.machine.possibleEvents(inst.CurrentState.Regions()), nil
}

func (e *engineImpl) RecordCompensation(ctx context.Context, flowID string, action api.CompensationFunc, description string) error {
	return e.recordCompensation(ctx, flowID, action, "", description)
}

func (e *engineImpl) RecordNamedCompensation(ctx context.Context, flowID string, name string, description string) error {
	fn, ok := e.registry.Get(name)
	if !ok {
		return fmt.Errorf("compensation %q is not registered", name)
	}
	return e.recordCompensation(ctx, flowID, fn, name, description)
}

func (e *engineImpl) recordCompensation(ctx context.Context, flowID string, action api.CompensationFunc, name, description string) error {
	if action == nil {
		return errors.New("compensation action is required")
	}
	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return err
	}
	inst.Compensations = append(inst.Compensations, api.CompensationEntry{
		StateLabel:  inst.CurrentState.String(),
		Action:      action,
		ActionName:  name,
		Description: description,
		Timestamp:   time.Now(),
	})
	inst.UpdatedAt = time.Now()
	return e.store.Save(ctx, inst)
}

// snapshotOr re-reads the instance from the store, falling back to
// the in-hand value when the read fails.
func (e *engineImpl) snapshotOr(ctx context.Context, inst *api.FlowInstance) *api.FlowInstance {
	snap, err := e.store.Get(ctx, inst.FlowID)
	if err != nil {
		return inst
	}
	return snap
}

// claimKey reports whether key was already bound; if not, it binds
// the key to flowID before returning. The check-and-bind is atomic
// within this process.
func (e *engineImpl) claimKey(ctx context.Context, key, flowID string) (bool, error) {
	e.keyMu.Lock()
	defer e.keyMu.Unlock()

	if _, ok := e.keys.Get(key); ok {
		return true, nil
	}
	has, err := e.store.HasIdempotencyKey(ctx, key)
	if err != nil {
		return false, err
	}
	if has {
		e.keys.SetDefault(key, struct{}{})
		return true, nil
	}
	if err := e.store.SaveIdempotencyKey(ctx, key, flowID); err != nil {
		return false, err
	}
	e.keys.SetDefault(key, flowID)
	return false, nil
}
