package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hangar/common/trace"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

// TaskRunnerConfig configures a TaskRunner.
type TaskRunnerConfig struct {
	// PollInterval is how often Run looks for work. Defaults to 2s.
	PollInterval time.Duration
	// Lease is how long a claimed task is hidden from other runners.
	// Defaults to 10m, comfortably above a cold image pull.
	Lease time.Duration
	// MaxAttempts bounds retries of infrastructure failures. Defaults to 5.
	MaxAttempts int
}

// TaskRunner executes queued provisioning tasks with at-least-once
// delivery. Re-delivered tasks are idempotent through the runtime's task id.
type TaskRunner struct {
	provisioner *Provisioner
	store       *store.Store
	cfg         TaskRunnerConfig
}

// NewTaskRunner creates a TaskRunner.
func NewTaskRunner(p *Provisioner, s *store.Store, cfg TaskRunnerConfig) *TaskRunner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &TaskRunner{provisioner: p, store: s, cfg: cfg}
}

// Enqueue validates req and queues it. Validation failures are returned
// immediately rather than as a failed task.
func (r *TaskRunner) Enqueue(ctx context.Context, req ProvisionRequest) (*store.ProvisionTask, error) {
	if _, err := r.provisioner.Validate(req); err != nil {
		return nil, err
	}
	if _, err := r.store.GetUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	task := &store.ProvisionTask{
		ID:        req.TaskID,
		UserID:    req.UserID,
		AgentSlug: req.AgentSlug,
		Username:  req.Username,
		Hours:     int64(req.Hours),
	}
	if err := r.store.CreateProvisionTask(ctx, task); err != nil {
		return nil, err
	}
	slog.Info("provision task queued", "task_id", task.ID, "user_id", task.UserID,
		"agent", task.AgentSlug, "trace_id", trace.FromContext(ctx))
	return task, nil
}

// Run drains the queue on every tick. Blocks until ctx is cancelled.
func (r *TaskRunner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("task runner starting", "poll_interval", r.cfg.PollInterval, "lease", r.cfg.Lease)
	for {
		select {
		case <-ctx.Done():
			slog.Info("task runner stopping")
			return
		case <-ticker.C:
			for {
				ran, err := r.RunOnce(ctx)
				if err != nil {
					slog.Error("task runner: claim failed", "err", err)
				}
				if !ran || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// RunOnce claims and executes one task. It reports whether a task was run.
func (r *TaskRunner) RunOnce(ctx context.Context) (bool, error) {
	task, err := r.store.ClaimProvisionTask(ctx, r.cfg.Lease)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := slog.With("task_id", task.ID, "attempt", task.Attempts, "trace_id", trace.FromContext(ctx))

	handle, err := r.provisioner.Provision(ctx, ProvisionRequest{
		UserID:    task.UserID,
		Username:  task.Username,
		AgentSlug: task.AgentSlug,
		Hours:     int(task.Hours),
		TaskID:    task.ID,
	})
	if err != nil {
		retry := IsRetryable(err) && task.Attempts < r.cfg.MaxAttempts
		log.Warn("provision task failed", "retry", retry, "err", err)
		if ferr := r.store.FailProvisionTask(ctx, task.ID, err.Error(), retry); ferr != nil {
			return true, fmt.Errorf("record task failure: %w", ferr)
		}
		return true, nil
	}

	if err := r.store.CompleteProvisionTask(ctx, task.ID, handle.RuntimeID, handle.URL, handle.Credential); err != nil {
		// The lease will lapse and the task re-run; the task id makes
		// that a lookup instead of a second runtime.
		return true, fmt.Errorf("record task success: %w", err)
	}
	log.Info("provision task succeeded", "runtime_id", handle.RuntimeID)
	return true, nil
}
