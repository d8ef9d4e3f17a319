package runtime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/Hangar/internal/hangar/catalog"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

func newRunner(h *harness) *runtime.TaskRunner {
	return runtime.NewTaskRunner(h.prov, h.store, runtime.TaskRunnerConfig{
		PollInterval: 10 * time.Millisecond,
		Lease:        time.Minute,
		MaxAttempts:  2,
	})
}

func TestTaskRunner_Success(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	r := newRunner(h)
	ctx := context.Background()

	task, err := r.Enqueue(ctx, runtime.ProvisionRequest{
		UserID: "alice", Username: "alice", AgentSlug: "openclaw", Hours: 2,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ran, err := r.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("RunOnce: %v %v", ran, err)
	}
	if ran, _ := r.RunOnce(ctx); ran {
		t.Errorf("queue should be empty")
	}

	got, err := h.store.TakeProvisionTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.TaskSucceeded || !got.RuntimeID.Valid || got.Credential.String == "" {
		t.Errorf("unexpected task: %+v", got)
	}
	rt := h.runtimeRow(t, got.RuntimeID.String)
	if rt.TaskID.String != task.ID {
		t.Errorf("runtime not linked to task")
	}
	if h.balance(t, "alice") != 70 {
		t.Errorf("balance: got %d, want 70", h.balance(t, "alice"))
	}
}

func TestTaskRunner_EnqueueValidates(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	r := newRunner(h)
	ctx := context.Background()

	if _, err := r.Enqueue(ctx, runtime.ProvisionRequest{UserID: "alice", Username: "alice", AgentSlug: "nope", Hours: 1}); !errors.Is(err, catalog.ErrUnknownAgent) {
		t.Errorf("unknown agent: %v", err)
	}
	if _, err := r.Enqueue(ctx, runtime.ProvisionRequest{UserID: "ghost", Username: "ghost", AgentSlug: "agent-zero", Hours: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown user: %v", err)
	}
}

func TestTaskRunner_RetryableFailureRequeues(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	r := newRunner(h)
	ctx := context.Background()
	h.backend.createErr = runtime.ErrBackendUnavailable

	task, err := r.Enqueue(ctx, runtime.ProvisionRequest{UserID: "alice", Username: "alice", AgentSlug: "agent-zero", Hours: 1})
	if err != nil {
		t.Fatal(err)
	}

	r.RunOnce(ctx)
	got, _ := h.store.TakeProvisionTask(ctx, task.ID)
	if got.Status != store.TaskPending || got.Attempts != 1 {
		t.Fatalf("after first failure: %+v", got)
	}

	r.RunOnce(ctx)
	got, _ = h.store.TakeProvisionTask(ctx, task.ID)
	if got.Status != store.TaskFailed || got.Attempts != 2 {
		t.Fatalf("after max attempts: %+v", got)
	}
	if h.balance(t, "alice") != 100 {
		t.Errorf("balance changed")
	}
}

func TestTaskRunner_BusinessFailureIsFinal(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	r := newRunner(h)
	ctx := context.Background()

	task, err := r.Enqueue(ctx, runtime.ProvisionRequest{UserID: "alice", Username: "alice", AgentSlug: "agent-zero", Hours: 5})
	if err != nil {
		t.Fatal(err)
	}
	// Balance is spent elsewhere before the task runs.
	if err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Debit(ctx, "alice", 100); err != nil {
			return err
		}
		return tx.Append(ctx, &store.LedgerEntry{UserID: "alice", Type: store.EntryUsage, Amount: -100})
	}); err != nil {
		t.Fatal(err)
	}

	r.RunOnce(ctx)
	got, _ := h.store.TakeProvisionTask(ctx, task.ID)
	if got.Status != store.TaskFailed || got.Attempts != 1 {
		t.Errorf("unexpected task: %+v", got)
	}
	if h.backend.count("create") != 0 {
		t.Errorf("backend touched")
	}
}

func TestTaskRunner_Run(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	r := newRunner(h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := r.Enqueue(ctx, runtime.ProvisionRequest{UserID: "alice", Username: "alice", AgentSlug: "agent-zero", Hours: 1})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		got, err := h.store.TakeProvisionTask(context.Background(), task.ID)
		if err == nil && got.Status == store.TaskSucceeded {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestTaskRunner_RedeliveryKeepsCredential(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", 100, false)
	r := newRunner(h)
	ctx := context.Background()

	task, err := r.Enqueue(ctx, runtime.ProvisionRequest{
		UserID: "alice", Username: "alice", AgentSlug: "openclaw", Hours: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// An earlier delivery committed the runtime but never completed the task.
	first, err := h.prov.Provision(ctx, runtime.ProvisionRequest{
		UserID: "alice", Username: "alice", AgentSlug: "openclaw", Hours: 1, TaskID: task.ID,
	})
	if err != nil || first.Credential == "" {
		t.Fatalf("Provision: %+v %v", first, err)
	}

	if ran, err := r.RunOnce(ctx); err != nil || !ran {
		t.Fatalf("RunOnce: %v %v", ran, err)
	}
	got, err := h.store.TakeProvisionTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.TaskSucceeded || got.RuntimeID.String != first.RuntimeID {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Credential.String != first.Credential {
		t.Errorf("credential lost on redelivery")
	}
	if h.backend.count("create") != 1 || h.balance(t, "alice") != 85 {
		t.Errorf("redelivery provisioned again: creates=%d balance=%d", h.backend.count("create"), h.balance(t, "alice"))
	}
}
