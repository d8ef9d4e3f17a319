// Package runtime provisions, meters, and reconciles agent runtimes.
//
// A Backend is the container daemon (or a remote bridge in front of one).
// The Provisioner, Manager, and Reconciler drive it and keep the ledger in
// store consistent with what the backend actually runs.
package runtime

import (
	"context"
	"time"
)

// Backend is the uniform lifecycle contract both adapters implement.
//
// Adapters translate their native failures into ErrNotFound,
// ErrBackendUnavailable, and *CreateError. They impose no timeouts of their
// own; callers bound every call with the context.
type Backend interface {
	// Pull makes image available locally. Idempotent.
	Pull(ctx context.Context, image string) error

	// Create creates (but does not start) a resource and returns its id.
	Create(ctx context.Context, spec CreationSpec) (string, error)

	// Start starts a created or stopped resource.
	Start(ctx context.Context, id string) error

	// Stop stops a resource, killing it after grace.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Remove deletes a resource. Named volumes are kept.
	Remove(ctx context.Context, id string, force bool) error

	// Unpause resumes a paused resource.
	Unpause(ctx context.Context, id string) error

	// Inspect reports whether the resource is running or paused.
	Inspect(ctx context.Context, id string) (State, error)

	// Logs returns the last tail lines of combined stdout and stderr.
	Logs(ctx context.Context, id string, tail int) (string, error)

	// List returns every resource carrying the managed label.
	List(ctx context.Context) ([]ResourceInfo, error)
}
