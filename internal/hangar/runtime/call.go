package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bdobrica/Hangar/internal/hangar/audit"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

const (
	DefaultBackendTimeout = 30 * time.Second
	DefaultPullTimeout    = 5 * time.Minute
	DefaultStopGrace      = 10 * time.Second
)

// driver bundles what every lifecycle component needs to talk to the
// backend and the ledger.
type driver struct {
	backend  Backend
	store    *store.Store
	notifier audit.Notifier
	now      func() time.Time
	timeout  time.Duration
	grace    time.Duration
}

func newDriver(b Backend, s *store.Store, n audit.Notifier, now func() time.Time, timeout, grace time.Duration) driver {
	if n == nil {
		n = audit.Log{}
	}
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return driver{backend: b, store: s, notifier: n, now: now, timeout: timeout, grace: grace}
}

// call bounds one backend call with the configured timeout.
func (d driver) call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// teardown stops and removes a resource. Missing resources count as
// already torn down.
func (d driver) teardown(ctx context.Context, backendID string) error {
	if backendID == "" {
		return nil
	}
	// Stop can take up to the grace period before the daemon kills the
	// container.
	err := d.call(ctx, d.timeout+d.grace, func(ctx context.Context) error {
		return IgnoreNotFound(d.backend.Stop(ctx, backendID, d.grace))
	})
	if err != nil {
		return err
	}
	return d.call(ctx, 0, func(ctx context.Context) error {
		return IgnoreNotFound(d.backend.Remove(ctx, backendID, true))
	})
}

// discard removes a resource that will never be recorded, without letting a
// cancelled request context abort the cleanup.
func (d driver) discard(ctx context.Context, backendID string) {
	ctx = context.WithoutCancel(ctx)
	err := d.call(ctx, 0, func(ctx context.Context) error {
		return IgnoreNotFound(d.backend.Remove(ctx, backendID, true))
	})
	if err != nil {
		slog.Warn("failed to discard backend resource; orphan sweep will retry",
			"backend_id", backendID, "err", err)
	}
}

// checkIntegrity alerts operators when err is a ledger integrity violation
// and returns err unchanged.
func (d driver) checkIntegrity(ctx context.Context, err error, userID, target string) error {
	if !errors.Is(err, store.ErrLedgerIntegrity) {
		return err
	}
	slog.Error("ledger integrity violation", "user_id", userID, "target", target, "err", err)
	d.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindLedgerIntegrity,
		UserID:  userID,
		Target:  target,
		Message: err.Error(),
	})
	return err
}
