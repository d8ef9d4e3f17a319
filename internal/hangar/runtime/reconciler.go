package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hangar/common/trace"
	"github.com/bdobrica/Hangar/internal/hangar/audit"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

// DefaultOrphanGrace protects resources that were just created and whose
// runtime row may not be committed yet.
const DefaultOrphanGrace = 10 * time.Minute

// ReconcilerConfig configures the sweeps.
type ReconcilerConfig struct {
	// Interval is how often Run sweeps. Defaults to 5m.
	Interval time.Duration
	// OrphanGrace skips resources younger than this. Defaults to
	// DefaultOrphanGrace.
	OrphanGrace    time.Duration
	BackendTimeout time.Duration
	StopGrace      time.Duration
	Now            func() time.Time
	Notifier       audit.Notifier
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	// Examined is the number of candidates looked at.
	Examined int `json:"examined"`
	// Processed were acted on (expired, removed or marked failed).
	Processed int `json:"processed"`
	// Skipped were left for a later pass: too young, raced, or the backend
	// did not answer in time.
	Skipped int `json:"skipped"`
	// Failed could not be handled.
	Failed int `json:"failed"`
}

// Reconciler keeps the ledger and the backend in agreement. Every sweep is
// safe to run concurrently with itself and with live requests: backend calls
// tolerate missing resources and ledger writes are gated on status.
type Reconciler struct {
	driver
	interval    time.Duration
	orphanGrace time.Duration
}

// NewReconciler creates a new Reconciler.
func NewReconciler(b Backend, s *store.Store, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = DefaultOrphanGrace
	}
	return &Reconciler{
		driver:      newDriver(b, s, cfg.Notifier, cfg.Now, cfg.BackendTimeout, cfg.StopGrace),
		interval:    cfg.Interval,
		orphanGrace: cfg.OrphanGrace,
	}
}

// Run sweeps on every tick. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("reconciler starting", "interval", r.interval, "orphan_grace", r.orphanGrace)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			r.SweepAll(ctx)
		}
	}
}

// SweepAll runs the expiry, drift and orphan sweeps once, logging failures.
func (r *Reconciler) SweepAll(ctx context.Context) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	sweeps := []struct {
		name string
		fn   func(context.Context) (SweepResult, error)
	}{
		{"expiry", r.RunExpirySweep},
		{"drift", r.RunDriftSweep},
		{"orphan", r.RunOrphanSweep},
	}
	for _, s := range sweeps {
		res, err := s.fn(ctx)
		if err != nil {
			slog.Error("sweep failed", "sweep", s.name, "trace_id", trace.FromContext(ctx), "err", err)
			continue
		}
		if res.Processed > 0 || res.Failed > 0 {
			slog.Info("sweep finished", "sweep", s.name, "trace_id", trace.FromContext(ctx),
				"examined", res.Examined, "processed", res.Processed,
				"skipped", res.Skipped, "failed", res.Failed)
		}
	}
}

// RunExpirySweep ends every RUNNING runtime whose paid window has passed.
// The resource is torn down first; on success the runtime becomes EXPIRED
// without a refund. A backend that does not answer leaves the runtime
// RUNNING for the next pass; a definitive backend failure moves it to ERROR.
// A ledger integrity violation aborts the sweep.
func (r *Reconciler) RunExpirySweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now().UTC()
	expired, err := r.store.ListExpiredRuntimes(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list expired runtimes: %w", err)
	}

	for _, rt := range expired {
		res.Examined++
		log := slog.With("runtime_id", rt.ID, "trace_id", trace.FromContext(ctx))

		if err := r.teardown(ctx, rt.BackendID.String); err != nil {
			if IsRetryable(err) {
				log.Warn("expiry teardown inconclusive, will retry", "err", err)
				if nerr := r.store.NoteRuntimeError(ctx, rt.ID, err.Error()); nerr != nil {
					log.Warn("failed to note runtime error", "err", nerr)
				}
				res.Skipped++
				continue
			}
			r.markFailed(ctx, rt, "expiry teardown failed: "+err.Error())
			res.Failed++
			continue
		}

		err := r.store.EndRuntime(ctx, rt.ID, store.StatusExpired, now)
		if errors.Is(err, store.ErrStateConflict) {
			res.Skipped++
			continue
		}
		if errors.Is(err, store.ErrLedgerIntegrity) {
			res.Failed++
			return res, r.checkIntegrity(ctx, fmt.Errorf("expire runtime %s: %w", rt.ID, err), rt.UserID, rt.ID)
		}
		if err != nil {
			log.Error("failed to expire runtime", "err", err)
			res.Failed++
			continue
		}

		res.Processed++
		log.Info("runtime expired", "paid_until", rt.PaidUntil)
		r.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindRuntimeExpired,
			UserID:  rt.UserID,
			Target:  rt.ID,
			Message: fmt.Sprintf("%s expired (paid until %s)", rt.AgentSlug, rt.PaidUntil.Format(time.RFC3339)),
		})
	}
	return res, nil
}

// RunOrphanSweep force-removes managed resources that no RUNNING runtime
// owns: resources without a row, and resources of runtimes that already
// ended. Resources younger than the grace window are skipped. It never
// writes to the ledger.
func (r *Reconciler) RunOrphanSweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var resources []ResourceInfo
	err := r.call(ctx, 0, func(ctx context.Context) error {
		list, err := r.backend.List(ctx)
		resources = list
		return err
	})
	if err != nil {
		return res, fmt.Errorf("list backend resources: %w", err)
	}

	now := r.now()
	for _, info := range resources {
		res.Examined++
		log := slog.With("backend_id", info.ID, "name", info.Name, "trace_id", trace.FromContext(ctx))

		if created := info.CreatedAt(); !created.IsZero() && now.Sub(created) < r.orphanGrace {
			res.Skipped++
			continue
		}

		rt, err := r.store.GetRuntimeByBackendID(ctx, info.ID)
		reason := "no runtime record"
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			log.Error("failed to look up runtime", "err", err)
			res.Failed++
			continue
		case rt.Status == store.StatusRunning:
			continue
		default:
			reason = fmt.Sprintf("runtime %s is %s", rt.ID, rt.Status)
		}

		if err := r.call(ctx, 0, func(ctx context.Context) error {
			return IgnoreNotFound(r.backend.Remove(ctx, info.ID, true))
		}); err != nil {
			log.Warn("failed to remove orphan", "err", err)
			res.Failed++
			continue
		}

		res.Processed++
		log.Info("removed orphaned resource", "reason", reason)
		r.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindOrphanRemoved,
			UserID:  info.Labels[LabelUserID],
			Target:  info.Name,
			Message: "removed orphaned resource: " + reason,
		})
	}
	return res, nil
}

// RunDriftSweep moves RUNNING runtimes whose backend resource has vanished
// to ERROR.
func (r *Reconciler) RunDriftSweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	running, err := r.store.ListRunningRuntimes(ctx)
	if err != nil {
		return res, fmt.Errorf("list running runtimes: %w", err)
	}
	if len(running) == 0 {
		return res, nil
	}

	var resources []ResourceInfo
	if err := r.call(ctx, 0, func(ctx context.Context) error {
		list, err := r.backend.List(ctx)
		resources = list
		return err
	}); err != nil {
		return res, fmt.Errorf("list backend resources: %w", err)
	}
	present := make(map[string]bool, len(resources))
	for _, info := range resources {
		present[info.ID] = true
	}

	for _, rt := range running {
		res.Examined++
		if present[rt.BackendID.String] {
			continue
		}
		// Confirm before failing: the listing may have been filtered.
		err := r.call(ctx, 0, func(ctx context.Context) error {
			_, err := r.backend.Inspect(ctx, rt.BackendID.String)
			return err
		})
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrNotFound):
			r.markFailed(ctx, rt, "backend resource missing")
			res.Processed++
		default:
			res.Skipped++
		}
	}
	return res, nil
}
