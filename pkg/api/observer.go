package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives callbacks from the flow engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should
// be done asynchronously so as not to delay flow execution.
type Observer interface {
	// OnFlowStart is called once when an instance is created, before
	// its initial entry hooks run.
	OnFlowStart(ctx context.Context, inst *FlowInstance)

	// OnTransition is called after every dispatched event, for both
	// successes and failures (err != nil).
	OnTransition(ctx context.Context, inst *FlowInstance, from, to StateRef, event string, err error, duration time.Duration)

	// OnFlowCompleted is called when an instance reaches
	// StatusCompleted.
	OnFlowCompleted(ctx context.Context, inst *FlowInstance)

	// OnFlowFailed is called when an instance transitions to
	// StatusFailed.
	OnFlowFailed(ctx context.Context, inst *FlowInstance, err error)

	// OnCompensation is called after each executed compensation
	// action, with the action's error if it failed.
	OnCompensation(ctx context.Context, inst *FlowInstance, entry CompensationEntry, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnFlowStart(ctx context.Context, inst *FlowInstance) {}
func (NoopObserver) OnTransition(ctx context.Context, inst *FlowInstance, from, to StateRef, event string, err error, d time.Duration) {
}
func (NoopObserver) OnFlowCompleted(ctx context.Context, inst *FlowInstance)            {}
func (NoopObserver) OnFlowFailed(ctx context.Context, inst *FlowInstance, err error)    {}
func (NoopObserver) OnCompensation(ctx context.Context, inst *FlowInstance, entry CompensationEntry, err error) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to
// each non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnFlowStart(ctx context.Context, inst *FlowInstance) {
	for _, o := range c.observers {
		o.OnFlowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, inst *FlowInstance, from, to StateRef, event string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTransition(ctx, inst, from, to, event, err, d)
	}
}

func (c *CompositeObserver) OnFlowCompleted(ctx context.Context, inst *FlowInstance) {
	for _, o := range c.observers {
		o.OnFlowCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnFlowFailed(ctx context.Context, inst *FlowInstance, err error) {
	for _, o := range c.observers {
		o.OnFlowFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnCompensation(ctx context.Context, inst *FlowInstance, entry CompensationEntry, err error) {
	for _, o := range c.observers {
		o.OnCompensation(ctx, inst, entry, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs flow lifecycle
// events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnFlowStart(ctx context.Context, inst *FlowInstance) {
	o.Logger.InfoContext(ctx, "flow_start",
		slog.String("definition", inst.DefinitionID),
		slog.String("flow_id", inst.FlowID),
		slog.String("state", inst.CurrentState.String()),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, inst *FlowInstance, from, to StateRef, event string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "flow_transition",
		slog.String("flow_id", inst.FlowID),
		slog.String("event", event),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnFlowCompleted(ctx context.Context, inst *FlowInstance) {
	o.Logger.InfoContext(ctx, "flow_completed",
		slog.String("flow_id", inst.FlowID),
		slog.String("state", inst.CurrentState.String()),
	)
}

func (o *LoggingObserver) OnFlowFailed(ctx context.Context, inst *FlowInstance, err error) {
	o.Logger.ErrorContext(ctx, "flow_failed",
		slog.String("flow_id", inst.FlowID),
		slog.String("state", inst.CurrentState.String()),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnCompensation(ctx context.Context, inst *FlowInstance, entry CompensationEntry, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "flow_compensation",
		slog.String("flow_id", inst.FlowID),
		slog.String("recorded_in", entry.StateLabel),
		slog.String("description", entry.Description),
		slog.Any("error", err),
	)
}

// ZapObserver is a LoggingObserver equivalent for codebases already
// wired to go.uber.org/zap.
type ZapObserver struct {
	Logger *zap.Logger
}

// NewZapObserver creates an Observer that logs through the given zap
// logger. If logger is nil, zap.NewNop() is used.
func NewZapObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapObserver{Logger: logger}
}

func (o *ZapObserver) OnFlowStart(ctx context.Context, inst *FlowInstance) {
	o.Logger.Info("flow_start",
		zap.String("definition", inst.DefinitionID),
		zap.String("flow_id", inst.FlowID),
		zap.String("state", inst.CurrentState.String()),
	)
}

func (o *ZapObserver) OnTransition(ctx context.Context, inst *FlowInstance, from, to StateRef, event string, err error, d time.Duration) {
	fields := []zap.Field{
		zap.String("flow_id", inst.FlowID),
		zap.String("event", event),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Duration("duration", d),
	}
	if err != nil {
		o.Logger.Error("flow_transition", append(fields, zap.Error(err))...)
		return
	}
	o.Logger.Debug("flow_transition", fields...)
}

func (o *ZapObserver) OnFlowCompleted(ctx context.Context, inst *FlowInstance) {
	o.Logger.Info("flow_completed",
		zap.String("flow_id", inst.FlowID),
		zap.String("state", inst.CurrentState.String()),
	)
}

func (o *ZapObserver) OnFlowFailed(ctx context.Context, inst *FlowInstance, err error) {
	o.Logger.Error("flow_failed",
		zap.String("flow_id", inst.FlowID),
		zap.String("state", inst.CurrentState.String()),
		zap.Error(err),
	)
}

func (o *ZapObserver) OnCompensation(ctx context.Context, inst *FlowInstance, entry CompensationEntry, err error) {
	fields := []zap.Field{
		zap.String("flow_id", inst.FlowID),
		zap.String("recorded_in", entry.StateLabel),
		zap.String("description", entry.Description),
	}
	if err != nil {
		o.Logger.Warn("flow_compensation", append(fields, zap.Error(err))...)
		return
	}
	o.Logger.Info("flow_compensation", fields...)
}

// BasicMetrics collects simple counters and aggregate transition
// durations. It implements Observer, and can be combined with
// LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	flowsStarted      atomic.Int64
	flowsCompleted    atomic.Int64
	flowsFailed       atomic.Int64
	transitions       atomic.Int64
	compensations     atomic.Int64
	totalTransitionNs atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	FlowsStarted   int64
	FlowsCompleted int64
	FlowsFailed    int64
	ActiveFlows    int64

	Transitions       int64
	Compensations     int64
	AvgTransitionTime time.Duration
}

func (m *BasicMetrics) OnFlowStart(ctx context.Context, inst *FlowInstance) {
	m.flowsStarted.Add(1)
}

func (m *BasicMetrics) OnFlowCompleted(ctx context.Context, inst *FlowInstance) {
	m.flowsCompleted.Add(1)
}

func (m *BasicMetrics) OnFlowFailed(ctx context.Context, inst *FlowInstance, err error) {
	m.flowsFailed.Add(1)
}

func (m *BasicMetrics) OnTransition(ctx context.Context, inst *FlowInstance, from, to StateRef, event string, err error, d time.Duration) {
	// Only successful transitions count toward the average.
	if err == nil {
		m.transitions.Add(1)
		m.totalTransitionNs.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnCompensation(ctx context.Context, inst *FlowInstance, entry CompensationEntry, err error) {
	m.compensations.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.flowsStarted.Load()
	completed := m.flowsCompleted.Load()
	failed := m.flowsFailed.Load()
	transitions := m.transitions.Load()
	totalNs := m.totalTransitionNs.Load()

	var avg time.Duration
	if transitions > 0 {
		avg = time.Duration(totalNs / transitions)
	}

	return BasicMetricsSnapshot{
		FlowsStarted:      started,
		FlowsCompleted:    completed,
		FlowsFailed:       failed,
		ActiveFlows:       started - completed - failed,
		Transitions:       transitions,
		Compensations:     m.compensations.Load(),
		AvgTransitionTime: avg,
	}
}
