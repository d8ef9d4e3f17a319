package runtime_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Hangar/internal/hangar/audit"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

func TestStop_ProportionalRefund(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 4)
	backendID := h.runtimeRow(t, handle.RuntimeID).BackendID.String

	h.clock.Advance(2 * time.Hour)
	res, err := h.mgr.Stop(context.Background(), handle.RuntimeID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Refund != 20 || res.NoOp {
		t.Errorf("unexpected result: %+v", res)
	}
	if got := h.balance(t, "alice"); got != 80 {
		t.Errorf("balance: got %d, want 80", got)
	}
	if _, ok := h.backend.container(backendID); ok {
		t.Errorf("backend resource still present")
	}
	rt := h.runtimeRow(t, handle.RuntimeID)
	if rt.Status != store.StatusStopped || !rt.StoppedAt.Time.Equal(h.clock.Now()) {
		t.Errorf("unexpected row: %+v", rt)
	}
}

func TestStop_TwiceRefundsOnce(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 4)
	h.clock.Advance(time.Hour)

	if _, err := h.mgr.Stop(context.Background(), handle.RuntimeID); err != nil {
		t.Fatal(err)
	}
	second, err := h.mgr.Stop(context.Background(), handle.RuntimeID)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !second.NoOp || second.Refund != 0 {
		t.Errorf("second stop should be a no-op: %+v", second)
	}
	n, _ := h.store.CountLedgerEntries(context.Background(), handle.RuntimeID, store.EntryRefund)
	if n != 1 {
		t.Errorf("refund entries: got %d, want 1", n)
	}
	if got := h.balance(t, "alice"); got != 90 {
		t.Errorf("balance: got %d, want 90", got)
	}
}

func TestStop_ConcurrentCallersRefundOnce(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 4)
	h.clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	results := make([]*runtime.StopResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.mgr.Stop(context.Background(), handle.RuntimeID)
			if err != nil {
				t.Errorf("Stop: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	var refunded int64
	for _, r := range results {
		if r != nil {
			refunded += r.Refund
		}
	}
	if refunded != 20 {
		t.Errorf("total refunded: got %d, want 20", refunded)
	}
	if got := h.balance(t, "alice"); got != 80 {
		t.Errorf("balance: got %d, want 80", got)
	}
}

func TestStop_BackendFailureLeavesRunning(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 4)
	h.backend.stopErr = runtime.ErrBackendUnavailable

	_, err := h.mgr.Stop(context.Background(), handle.RuntimeID)
	if !runtime.IsRetryable(err) {
		t.Fatalf("got %v, want retryable", err)
	}
	var retryable *runtime.RetryableError
	if !errors.As(err, &retryable) {
		t.Errorf("want *RetryableError, got %T", err)
	}
	if rt := h.runtimeRow(t, handle.RuntimeID); rt.Status != store.StatusRunning {
		t.Errorf("status: got %s, want RUNNING", rt.Status)
	}
	if got := h.balance(t, "alice"); got != 60 {
		t.Errorf("balance changed: %d", got)
	}

	// Retrying once the backend recovers settles it.
	h.backend.stopErr = nil
	res, err := h.mgr.Stop(context.Background(), handle.RuntimeID)
	if err != nil || res.Refund != 40 {
		t.Errorf("retry: %+v %v", res, err)
	}
}

func TestStop_MissingResourceStillSettles(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 4)
	rt := h.runtimeRow(t, handle.RuntimeID)
	if err := h.backend.Remove(context.Background(), rt.BackendID.String, true); err != nil {
		t.Fatal(err)
	}

	res, err := h.mgr.Stop(context.Background(), handle.RuntimeID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Refund != 40 {
		t.Errorf("refund: got %d, want 40", res.Refund)
	}
}

func TestStop_BypassNoRefund(t *testing.T) {
	h := newHarness(t)
	h.user(t, "ops", 0, true)
	handle := h.provision(t, "ops", "agent-zero", 4)
	h.clock.Advance(time.Hour)

	res, err := h.mgr.Stop(context.Background(), handle.RuntimeID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Refund != 0 || res.Status != store.StatusStopped {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestStop_UnknownRuntime(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Stop(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestExtend(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 2)

	res, err := h.mgr.Extend(context.Background(), handle.RuntimeID, 3)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if res.CreditsCharged != 30 {
		t.Errorf("charged: got %d, want 30", res.CreditsCharged)
	}
	if !res.NewExpiry.Equal(handle.PaidUntil.Add(3 * time.Hour)) {
		t.Errorf("new expiry: got %v", res.NewExpiry)
	}
	if got := h.balance(t, "alice"); got != 50 {
		t.Errorf("balance: got %d, want 50", got)
	}
	rt := h.runtimeRow(t, handle.RuntimeID)
	if rt.CreditsCharged != 50 {
		t.Errorf("credits_charged: got %d, want 50", rt.CreditsCharged)
	}
	if err := h.store.VerifyBalance(context.Background(), "alice"); err != nil {
		t.Error(err)
	}
}

func TestExtend_Errors(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 30, false)
	handle := h.provision(t, "alice", "agent-zero", 1)
	ctx := context.Background()

	if _, err := h.mgr.Extend(ctx, handle.RuntimeID, 0); !errors.Is(err, runtime.ErrInvalidHours) {
		t.Errorf("zero hours: %v", err)
	}
	if _, err := h.mgr.Extend(ctx, handle.RuntimeID, 5); !errors.Is(err, store.ErrInsufficientCredits) {
		t.Errorf("insufficient: %v", err)
	}

	h.backend.inspectErr = runtime.ErrBackendUnavailable
	if _, err := h.mgr.Extend(ctx, handle.RuntimeID, 1); !runtime.IsRetryable(err) {
		t.Errorf("unavailable backend: %v", err)
	}
	h.backend.inspectErr = nil
	if got := h.balance(t, "alice"); got != 20 {
		t.Errorf("balance after failed extends: got %d, want 20", got)
	}

	if _, err := h.mgr.Stop(ctx, handle.RuntimeID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Extend(ctx, handle.RuntimeID, 1); !errors.Is(err, store.ErrStateConflict) {
		t.Errorf("stopped runtime: %v", err)
	}
}

func TestExtend_ConcurrentAffordOnce(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 30, false)
	handle := h.provision(t, "alice", "agent-zero", 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.mgr.Extend(context.Background(), handle.RuntimeID, 2)
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrInsufficientCredits):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Errorf("ok=%d insufficient=%d", ok, insufficient)
	}
	if got := h.balance(t, "alice"); got != 0 {
		t.Errorf("balance: got %d, want 0", got)
	}
}

func TestExtend_MissingResourceFailsRuntime(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 1)
	rt := h.runtimeRow(t, handle.RuntimeID)
	h.backend.Remove(context.Background(), rt.BackendID.String, true)

	if _, err := h.mgr.Extend(context.Background(), handle.RuntimeID, 1); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("got %v", err)
	}
	if got := h.runtimeRow(t, handle.RuntimeID).Status; got != store.StatusError {
		t.Errorf("status: got %s, want ERROR", got)
	}
	if got := h.balance(t, "alice"); got != 90 {
		t.Errorf("balance: got %d, want 90", got)
	}
}

func TestEnsureRunning_AfterProvisionIsNoop(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 1)
	starts := h.backend.count("start")

	action, err := h.mgr.EnsureRunning(context.Background(), handle.RuntimeID)
	if err != nil {
		t.Fatal(err)
	}
	if action != runtime.EnsureNone {
		t.Errorf("action: got %s, want none", action)
	}
	if h.backend.count("start") != starts || h.backend.count("unpause") != 0 {
		t.Errorf("backend mutated on no-op")
	}
	if got := h.runtimeRow(t, handle.RuntimeID).Status; got != store.StatusRunning {
		t.Errorf("status: got %s", got)
	}
}

func TestEnsureRunning_Heals(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 1)
	backendID := h.runtimeRow(t, handle.RuntimeID).BackendID.String
	ctx := context.Background()

	c, _ := h.backend.container(backendID)
	h.backend.mu.Lock()
	c.paused = true
	h.backend.mu.Unlock()
	if action, err := h.mgr.EnsureRunning(ctx, handle.RuntimeID); err != nil || action != runtime.EnsureUnpaused {
		t.Errorf("paused: %s %v", action, err)
	}

	h.backend.Stop(ctx, backendID, 0)
	if action, err := h.mgr.EnsureRunning(ctx, handle.RuntimeID); err != nil || action != runtime.EnsureRestarted {
		t.Errorf("stopped: %s %v", action, err)
	}
	if c, _ := h.backend.container(backendID); !c.running {
		t.Errorf("container not running after heal")
	}

	h.backend.Remove(ctx, backendID, true)
	if _, err := h.mgr.EnsureRunning(ctx, handle.RuntimeID); !errors.Is(err, store.ErrStateConflict) {
		t.Errorf("missing: %v", err)
	}
	if got := h.runtimeRow(t, handle.RuntimeID).Status; got != store.StatusError {
		t.Errorf("status: got %s, want ERROR", got)
	}
}

func TestGetLogs(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 1)

	logs, err := h.mgr.GetLogs(context.Background(), handle.RuntimeID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(logs, "booted hangar-alice-agent-zero-") {
		t.Errorf("unexpected logs %q", logs)
	}
	if _, err := h.mgr.GetLogs(context.Background(), "missing", 10); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing runtime: %v", err)
	}
}

func TestExtend_LedgerIntegrityAlerts(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	handle := h.provision(t, "alice", "agent-zero", 1)
	mgr := runtime.NewManager(h.backend, h.store,
		repriced{Catalog: testCatalog(t), slug: "agent-zero", price: -10},
		runtime.ManagerConfig{Now: h.clock.Now, Notifier: h.events})

	_, err := mgr.Extend(context.Background(), handle.RuntimeID, 2)
	if !errors.Is(err, store.ErrLedgerIntegrity) {
		t.Fatalf("got %v, want ErrLedgerIntegrity", err)
	}
	if !h.events.has(audit.KindLedgerIntegrity) {
		t.Errorf("no integrity alert, got %v", h.events.kinds())
	}
	rt := h.runtimeRow(t, handle.RuntimeID)
	if rt.CreditsCharged != 10 || !rt.PaidUntil.Equal(handle.PaidUntil) {
		t.Errorf("runtime changed: %+v", rt)
	}
	if got := h.balance(t, "alice"); got != 90 {
		t.Errorf("balance: got %d, want 90", got)
	}
}
