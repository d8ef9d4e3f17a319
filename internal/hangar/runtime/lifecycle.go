package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hangar/common/trace"
	"github.com/bdobrica/Hangar/internal/hangar/audit"
	"github.com/bdobrica/Hangar/internal/hangar/catalog"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

const (
	DefaultLogTail = 100
	MaxLogTail     = 5000
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	MaxHours       int
	BackendTimeout time.Duration
	StopGrace      time.Duration
	Now            func() time.Time
	Notifier       audit.Notifier
}

// Manager performs stop, extend and ensure-running on existing runtimes.
type Manager struct {
	driver
	catalog  catalog.Catalog
	maxHours int
}

// NewManager creates a Manager.
func NewManager(b Backend, s *store.Store, c catalog.Catalog, cfg ManagerConfig) *Manager {
	if cfg.MaxHours <= 0 {
		cfg.MaxHours = DefaultMaxHours
	}
	return &Manager{
		driver:   newDriver(b, s, cfg.Notifier, cfg.Now, cfg.BackendTimeout, cfg.StopGrace),
		catalog:  c,
		maxHours: cfg.MaxHours,
	}
}

// StopResult reports the outcome of Stop.
type StopResult struct {
	Refund int64
	// NoOp is set when the runtime had already left RUNNING.
	NoOp   bool
	Status store.RuntimeStatus
}

// Stop tears the runtime down on the backend, then moves it to STOPPED and
// credits the proportional refund in one ledger transaction.
//
// Stopping a runtime that is no longer RUNNING succeeds without effect. If
// the backend teardown fails the runtime stays RUNNING and a
// *RetryableError is returned.
func (m *Manager) Stop(ctx context.Context, runtimeID string) (*StopResult, error) {
	ctx, traceID := trace.Ensure(ctx)
	log := slog.With("trace_id", traceID, "runtime_id", runtimeID)

	rt, err := m.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return nil, err
	}
	if rt.Status != store.StatusRunning {
		return &StopResult{NoOp: true, Status: rt.Status}, nil
	}

	if err := m.teardown(ctx, rt.BackendID.String); err != nil {
		log.Warn("backend teardown failed, runtime left RUNNING", "err", err)
		return nil, &RetryableError{Op: "stop " + runtimeID, Err: err}
	}

	at := m.now().UTC()
	refund, err := m.store.SettleStop(ctx, runtimeID, at, refundAt, "Refund for unused time")
	if errors.Is(err, store.ErrStateConflict) {
		// A concurrent stop or sweep settled it first.
		current, getErr := m.store.GetRuntime(ctx, runtimeID)
		if getErr != nil {
			return nil, getErr
		}
		return &StopResult{NoOp: true, Status: current.Status}, nil
	}
	if err != nil {
		return nil, m.checkIntegrity(ctx, err, rt.UserID, runtimeID)
	}

	log.Info("runtime stopped", "refund", refund)
	m.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRuntimeStopped,
		UserID:  rt.UserID,
		Target:  runtimeID,
		Message: fmt.Sprintf("stopped by user, refunded %d credits", refund),
	})
	return &StopResult{Refund: refund, Status: store.StatusStopped}, nil
}

func refundAt(rt *store.Runtime, at time.Time) int64 {
	return Refund(rt.CreditsCharged, rt.CreatedAt, rt.PaidUntil, at)
}

// ExtendResult reports the outcome of Extend.
type ExtendResult struct {
	NewExpiry      time.Time
	CreditsCharged int64
}

// Extend buys additional hours for a RUNNING runtime. The debit, the new
// paid-until and the USAGE entry commit together.
func (m *Manager) Extend(ctx context.Context, runtimeID string, hours int) (*ExtendResult, error) {
	ctx, traceID := trace.Ensure(ctx)
	log := slog.With("trace_id", traceID, "runtime_id", runtimeID)

	if err := validateHours(hours, m.maxHours); err != nil {
		return nil, err
	}
	rt, err := m.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return nil, err
	}
	if rt.Status != store.StatusRunning {
		return nil, fmt.Errorf("extend runtime %s in status %s: %w", runtimeID, rt.Status, store.ErrStateConflict)
	}
	tmpl, ok := m.catalog.Lookup(rt.AgentSlug)
	if !ok {
		return nil, fmt.Errorf("%w: %q", catalog.ErrUnknownAgent, rt.AgentSlug)
	}

	// Do not sell time on a resource that no longer exists.
	if err := m.call(ctx, 0, func(ctx context.Context) error {
		_, err := m.backend.Inspect(ctx, rt.BackendID.String)
		return err
	}); err != nil {
		if errors.Is(err, ErrNotFound) {
			m.markFailed(ctx, rt, "backend resource missing")
			return nil, fmt.Errorf("extend runtime %s: backend resource missing: %w", runtimeID, store.ErrStateConflict)
		}
		return nil, &RetryableError{Op: "extend " + runtimeID, Err: err}
	}

	cost := int64(hours) * tmpl.CreditsPerHour
	desc := fmt.Sprintf("Extend %s by %dh", rt.AgentSlug, hours)
	updated, charged, err := m.store.ApplyExtension(ctx, runtimeID, time.Duration(hours)*time.Hour, cost, desc)
	if err != nil {
		return nil, m.checkIntegrity(ctx, err, rt.UserID, runtimeID)
	}

	log.Info("runtime extended", "hours", hours, "credits", charged, "paid_until", updated.PaidUntil)
	m.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRuntimeExtended,
		UserID:  rt.UserID,
		Target:  runtimeID,
		Message: fmt.Sprintf("extended by %dh for %d credits, now paid until %s", hours, charged, updated.PaidUntil.Format(time.RFC3339)),
	})
	return &ExtendResult{NewExpiry: updated.PaidUntil, CreditsCharged: charged}, nil
}

// EnsureAction is what EnsureRunning had to do.
type EnsureAction string

const (
	EnsureNone      EnsureAction = "none"
	EnsureUnpaused  EnsureAction = "unpaused"
	EnsureRestarted EnsureAction = "started"
)

// EnsureRunning heals backend drift for a RUNNING runtime: a paused resource
// is unpaused, a stopped one started, a running one left alone.
func (m *Manager) EnsureRunning(ctx context.Context, runtimeID string) (EnsureAction, error) {
	ctx, traceID := trace.Ensure(ctx)
	log := slog.With("trace_id", traceID, "runtime_id", runtimeID)

	rt, err := m.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return EnsureNone, err
	}
	if rt.Status != store.StatusRunning {
		return EnsureNone, fmt.Errorf("ensure running %s in status %s: %w", runtimeID, rt.Status, store.ErrStateConflict)
	}
	backendID := rt.BackendID.String

	var state State
	err = m.call(ctx, 0, func(ctx context.Context) error {
		s, err := m.backend.Inspect(ctx, backendID)
		state = s
		return err
	})
	if errors.Is(err, ErrNotFound) {
		m.markFailed(ctx, rt, "backend resource missing")
		return EnsureNone, fmt.Errorf("ensure running %s: backend resource missing: %w", runtimeID, store.ErrStateConflict)
	}
	if err != nil {
		return EnsureNone, &RetryableError{Op: "ensure running " + runtimeID, Err: err}
	}

	var action EnsureAction
	switch {
	case state.Paused:
		action = EnsureUnpaused
		err = m.call(ctx, 0, func(ctx context.Context) error { return m.backend.Unpause(ctx, backendID) })
	case !state.Running:
		action = EnsureRestarted
		err = m.call(ctx, 0, func(ctx context.Context) error { return m.backend.Start(ctx, backendID) })
	default:
		return EnsureNone, nil
	}
	if err != nil {
		return EnsureNone, &RetryableError{Op: "ensure running " + runtimeID, Err: err}
	}

	log.Info("runtime healed", "action", action, "backend_status", state.Status)
	m.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRuntimeHealed,
		UserID:  rt.UserID,
		Target:  runtimeID,
		Message: fmt.Sprintf("backend was %q, %s", state.Status, action),
	})
	return action, nil
}

// GetLogs returns the last tail lines of the runtime's output. tail <= 0
// selects DefaultLogTail.
func (m *Manager) GetLogs(ctx context.Context, runtimeID string, tail int) (string, error) {
	if tail <= 0 {
		tail = DefaultLogTail
	}
	if tail > MaxLogTail {
		tail = MaxLogTail
	}
	rt, err := m.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return "", err
	}
	if !rt.BackendID.Valid {
		return "", fmt.Errorf("runtime %s has no backend resource: %w", runtimeID, ErrNotFound)
	}

	var out string
	err = m.call(ctx, 0, func(ctx context.Context) error {
		logs, err := m.backend.Logs(ctx, rt.BackendID.String, tail)
		out = logs
		return err
	})
	if err != nil {
		return "", fmt.Errorf("logs for runtime %s: %w", runtimeID, err)
	}
	return out, nil
}

// markFailed moves a runtime whose resource vanished to ERROR.
func (d driver) markFailed(ctx context.Context, rt *store.Runtime, reason string) {
	err := d.store.FailRuntime(ctx, rt.ID, reason)
	if errors.Is(err, store.ErrStateConflict) {
		return
	}
	if err != nil {
		slog.Error("failed to mark runtime failed", "runtime_id", rt.ID, "err", err)
		return
	}
	slog.Warn("runtime failed", "runtime_id", rt.ID, "reason", reason)
	d.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRuntimeFailed,
		UserID:  rt.UserID,
		Target:  rt.ID,
		Message: reason,
	})
}
