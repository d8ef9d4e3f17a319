package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RuntimeStatus is the lifecycle status of a runtime.
type RuntimeStatus string

const (
	StatusRunning RuntimeStatus = "RUNNING"
	StatusStopped RuntimeStatus = "STOPPED"
	StatusExpired RuntimeStatus = "EXPIRED"
	StatusError   RuntimeStatus = "ERROR"
)

// Terminal reports whether no further lifecycle transitions are expected.
func (s RuntimeStatus) Terminal() bool {
	return s != StatusRunning
}

// Runtime is one provisioned agent instance.
type Runtime struct {
	ID        string
	UserID    string
	AgentSlug string
	BackendID sql.NullString
	Subdomain string
	URL       string
	// CredentialHash is the hex SHA-256 of the access credential. The
	// plaintext is handed to the caller once and never stored here.
	CredentialHash sql.NullString
	Status         RuntimeStatus
	CreditsCharged int64
	CreatedAt      time.Time
	PaidUntil      time.Time
	StoppedAt      sql.NullTime
	TaskID         sql.NullString
	LastError      sql.NullString
	UpdatedAt      time.Time
}

// Remaining returns the unexpired portion of the paid window at now.
func (r *Runtime) Remaining(now time.Time) time.Duration {
	if !now.Before(r.PaidUntil) {
		return 0
	}
	return r.PaidUntil.Sub(now)
}

const runtimeColumns = `id, user_id, agent_slug, backend_id, subdomain, url, credential_hash,
	status, credits_charged, created_at, paid_until, stopped_at, task_id, last_error, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuntime(sc rowScanner) (*Runtime, error) {
	rt := &Runtime{}
	var created, paidUntil, updated int64
	var stopped sql.NullInt64
	err := sc.Scan(
		&rt.ID, &rt.UserID, &rt.AgentSlug, &rt.BackendID, &rt.Subdomain, &rt.URL,
		&rt.CredentialHash, &rt.Status, &rt.CreditsCharged, &created, &paidUntil,
		&stopped, &rt.TaskID, &rt.LastError, &updated,
	)
	if err != nil {
		return nil, err
	}
	rt.CreatedAt = fromMillis(created)
	rt.PaidUntil = fromMillis(paidUntil)
	rt.StoppedAt = fromNullMillis(stopped)
	rt.UpdatedAt = fromMillis(updated)
	return rt, nil
}

func getRuntime(ctx context.Context, q queryer, where string, arg any) (*Runtime, error) {
	rt, err := scanRuntime(q.QueryRowContext(ctx,
		`SELECT `+runtimeColumns+` FROM runtimes WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runtime %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runtime: %w", err)
	}
	return rt, nil
}

func listRuntimes(ctx context.Context, q queryer, where string, args ...any) ([]*Runtime, error) {
	query := `SELECT ` + runtimeColumns + ` FROM runtimes`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runtimes: %w", err)
	}
	defer rows.Close()

	var out []*Runtime
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan runtime: %w", err)
		}
		out = append(out, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runtimes: %w", err)
	}
	return out, nil
}

// GetRuntime retrieves a runtime by ID.
func (s *Store) GetRuntime(ctx context.Context, id string) (*Runtime, error) {
	return getRuntime(ctx, s.db, "id = ?", id)
}

// GetRuntimeByBackendID retrieves the runtime bound to a backend resource.
func (s *Store) GetRuntimeByBackendID(ctx context.Context, backendID string) (*Runtime, error) {
	return getRuntime(ctx, s.db, "backend_id = ?", backendID)
}

// GetRuntimeByTaskID retrieves the runtime created by a provisioning task.
func (s *Store) GetRuntimeByTaskID(ctx context.Context, taskID string) (*Runtime, error) {
	return getRuntime(ctx, s.db, "task_id = ?", taskID)
}

// ListRuntimesByUser returns a user's runtimes, oldest first.
func (s *Store) ListRuntimesByUser(ctx context.Context, userID string) ([]*Runtime, error) {
	return listRuntimes(ctx, s.db, "user_id = ?", userID)
}

// ListRunningRuntimes returns all runtimes in RUNNING status.
func (s *Store) ListRunningRuntimes(ctx context.Context) ([]*Runtime, error) {
	return listRuntimes(ctx, s.db, "status = ?", StatusRunning)
}

// ListExpiredRuntimes returns RUNNING runtimes whose paid window ended
// strictly before now.
func (s *Store) ListExpiredRuntimes(ctx context.Context, now time.Time) ([]*Runtime, error) {
	return listRuntimes(ctx, s.db, "status = ? AND paid_until < ?", StatusRunning, toMillis(now))
}

// CountRuntimesByStatus returns the number of runtimes per status.
func (s *Store) CountRuntimesByStatus(ctx context.Context) (map[RuntimeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runtimes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runtimes: %w", err)
	}
	defer rows.Close()

	counts := map[RuntimeStatus]int{}
	for rows.Next() {
		var st RuntimeStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan runtime count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// EndRuntime moves a RUNNING runtime to a terminal status without touching
// credits. It returns ErrStateConflict when the runtime is no longer RUNNING.
func (s *Store) EndRuntime(ctx context.Context, id string, status RuntimeStatus, at time.Time) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.EndRuntime(ctx, id, status, at)
	})
}

// FailRuntime moves a RUNNING runtime to ERROR and records why.
func (s *Store) FailRuntime(ctx context.Context, id, reason string) error {
	now := s.now().UTC()
	ok, err := execOne(ctx, s.db, `
		UPDATE runtimes
		SET status = ?, last_error = ?, stopped_at = COALESCE(stopped_at, ?), updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusError, reason, toMillis(now), toMillis(now), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark runtime failed: %w", err)
	}
	if !ok {
		return s.conflictOrMissing(ctx, id)
	}
	return nil
}

// NoteRuntimeError records a non-fatal error against a runtime.
func (s *Store) NoteRuntimeError(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runtimes SET last_error = ?, updated_at = ? WHERE id = ?`,
		reason, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to record runtime error: %w", err)
	}
	return nil
}

func (s *Store) conflictOrMissing(ctx context.Context, id string) error {
	if _, err := s.GetRuntime(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("runtime %s: %w", id, ErrStateConflict)
}
