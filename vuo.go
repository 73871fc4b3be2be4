package vuo

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/vuo/internal/engine"
	"github.com/petrijr/vuo/internal/persistence"
	"github.com/petrijr/vuo/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	FlowDefinition       = api.FlowDefinition
	FlowInstance         = api.FlowInstance
	FlowStore            = api.FlowStore
	Filter               = api.Filter
	StateNode            = api.StateNode
	StateKind            = api.StateKind
	StateRef             = api.StateRef
	Region               = api.Region
	Transition           = api.Transition
	RetryPolicy          = api.RetryPolicy
	Validation           = api.Validation
	Status               = api.Status
	GuardFunc            = api.GuardFunc
	ActionFunc           = api.ActionFunc
	HookFunc             = api.HookFunc
	ValidationFunc       = api.ValidationFunc
	CompensationFunc     = api.CompensationFunc
	ErrorHook            = api.ErrorHook
	CompensationRegistry = api.CompensationRegistry
	StartOptions         = api.StartOptions
	ExecuteOptions       = api.ExecuteOptions
	ExecuteResult        = api.ExecuteResult
	Middleware           = api.Middleware
	MiddlewareContext    = api.MiddlewareContext
	NextFunc             = api.NextFunc
	HistoryEntry         = api.HistoryEntry
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	ZapObserver          = api.ZapObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver      = api.NewLoggingObserver
	NewZapObserver          = api.NewZapObserver
	NewCompositeObserver    = api.NewCompositeObserver
	NewCompensationRegistry = api.NewCompensationRegistry
	SingleState             = api.SingleState
	ParallelState           = api.ParallelState
)

// Re-export status and kind values for convenience.

const (
	StatusActive       = api.StatusActive
	StatusPaused       = api.StatusPaused
	StatusCompensating = api.StatusCompensating
	StatusCompleted    = api.StatusCompleted
	StatusFailed       = api.StatusFailed

	StateAtomic   = api.StateAtomic
	StateFinal    = api.StateFinal
	StateParallel = api.StateParallel
	StateCompound = api.StateCompound

	BackoffLinear      = api.BackoffLinear
	BackoffExponential = api.BackoffExponential
)

// Engine constructors
// These wrap the internal/engine package so external callers never
// need to import internal packages. Each engine runs instances of a
// single definition; sub-flows of other definitions get their own
// engine on the same store via StartSubFlow.

// NewInMemoryEngine returns an Engine backed by the in-memory store.
func NewInMemoryEngine(def *FlowDefinition) (Engine, error) {
	return engine.NewInMemoryEngine(def)
}

// NewSQLiteEngine returns an Engine that persists flow instances in a
// SQLite database.
func NewSQLiteEngine(def *FlowDefinition, db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(def, db)
}

// NewRedisEngine returns an Engine that persists flow instances in
// Redis.
func NewRedisEngine(def *FlowDefinition, client *redis.Client) (Engine, error) {
	return engine.NewRedisEngine(def, client)
}

// EngineConfig mirrors the internal engine configuration for callers
// that bring their own store, observer, logger or compensation
// registry.
type EngineConfig = engine.Config

// NewEngineWithConfig creates an Engine from an explicit
// configuration.
func NewEngineWithConfig(def *FlowDefinition, cfg EngineConfig) (Engine, error) {
	return engine.New(def, cfg)
}

// NewMemoryStore returns the in-memory reference FlowStore, for use
// with NewEngineWithConfig or tests of custom stores.
func NewMemoryStore() FlowStore {
	return persistence.NewMemoryStore()
}

// NewSQLiteStore returns a SQLite-backed FlowStore resolving named
// compensations through registry.
func NewSQLiteStore(db *sql.DB, registry *CompensationRegistry) (FlowStore, error) {
	return persistence.NewSQLiteStore(db, registry)
}

// NewRedisStore returns a Redis-backed FlowStore with the given key
// prefix.
func NewRedisStore(client *redis.Client, prefix string, registry *CompensationRegistry) FlowStore {
	return persistence.NewRedisStore(client, prefix, registry)
}
