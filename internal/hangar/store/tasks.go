package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Hangar/common/crypto"
)

// TaskStatus is the state of an asynchronous provisioning task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// ProvisionTask is a queued provisioning request.
type ProvisionTask struct {
	ID        string
	UserID    string
	AgentSlug string
	Username  string
	Hours     int64
	Status    TaskStatus
	Attempts  int
	RuntimeID sql.NullString
	URL       sql.NullString
	// Credential is only populated on the first read after success.
	Credential        sql.NullString
	CredentialClaimed bool
	LastError         sql.NullString
	LeaseUntil        sql.NullTime
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const taskColumns = `id, user_id, agent_slug, username, hours, status, attempts, runtime_id, url,
	credential, credential_claimed, last_error, lease_until, created_at, updated_at`

func scanTask(sc rowScanner) (*ProvisionTask, error) {
	t := &ProvisionTask{}
	var lease sql.NullInt64
	var created, updated int64
	err := sc.Scan(
		&t.ID, &t.UserID, &t.AgentSlug, &t.Username, &t.Hours, &t.Status, &t.Attempts,
		&t.RuntimeID, &t.URL, &t.Credential, &t.CredentialClaimed, &t.LastError,
		&lease, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	t.LeaseUntil = fromNullMillis(lease)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func getTask(ctx context.Context, q queryer, id string) (*ProvisionTask, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM provision_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provision task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provision task: %w", err)
	}
	return t, nil
}

// CreateProvisionTask enqueues a pending task.
func (s *Store) CreateProvisionTask(ctx context.Context, t *ProvisionTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now().UTC()
	t.Status = TaskPending
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provision_tasks (id, user_id, agent_slug, username, hours, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, t.ID, t.UserID, t.AgentSlug, t.Username, t.Hours, t.Status, toMillis(now), toMillis(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("provision task %s: %w", t.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create provision task: %w", err)
	}
	return nil
}

// ClaimProvisionTask leases the oldest pending task, or a running task whose
// lease has lapsed, for the given duration. It returns ErrNotFound when
// nothing is claimable.
func (s *Store) ClaimProvisionTask(ctx context.Context, lease time.Duration) (*ProvisionTask, error) {
	var claimed *ProvisionTask
	err := s.WithTx(ctx, func(tx *Tx) error {
		now := toMillis(tx.now)
		var id string
		err := tx.tx.QueryRowContext(ctx, `
			SELECT id FROM provision_tasks
			WHERE status = ? OR (status = ? AND lease_until < ?)
			ORDER BY created_at, id
			LIMIT 1
		`, TaskPending, TaskRunning, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to select provision task: %w", err)
		}

		if _, err := execOne(ctx, tx.tx, `
			UPDATE provision_tasks
			SET status = ?, attempts = attempts + 1, lease_until = ?, updated_at = ?
			WHERE id = ?
		`, TaskRunning, now+lease.Milliseconds(), now, id); err != nil {
			return fmt.Errorf("failed to claim provision task: %w", err)
		}

		claimed, err = getTask(ctx, tx.tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteProvisionTask records a successful provision. An empty credential
// keeps whatever RecordTaskProvision already parked on the task.
func (s *Store) CompleteProvisionTask(ctx context.Context, id, runtimeID, url, credential string) error {
	rid := sql.NullString{String: runtimeID, Valid: runtimeID != ""}
	cred, err := s.sealCredential(id, credential)
	if err != nil {
		return err
	}
	ok, err := execOne(ctx, s.db, `
		UPDATE provision_tasks
		SET status = ?, runtime_id = ?, url = ?,
			credential = CASE WHEN credential_claimed = 0 THEN COALESCE(?, credential) END,
			last_error = NULL, lease_until = NULL, updated_at = ?
		WHERE id = ?
	`, TaskSucceeded, rid, url, cred, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to complete provision task: %w", err)
	}
	if !ok {
		return fmt.Errorf("provision task %s: %w", id, ErrNotFound)
	}
	return nil
}

// sealCredential prepares a task credential for storage, sealing it to the
// task id when a key is configured.
func (s *Store) sealCredential(taskID, credential string) (sql.NullString, error) {
	if credential == "" {
		return sql.NullString{}, nil
	}
	if s.sealer == nil {
		return sql.NullString{String: credential, Valid: true}, nil
	}
	sealed, err := s.sealer.Seal(credential, taskID)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to seal task credential: %w", err)
	}
	return sql.NullString{String: sealed, Valid: true}, nil
}

// FailProvisionTask records a failed attempt. A retryable failure puts the
// task back to pending; otherwise it fails permanently.
func (s *Store) FailProvisionTask(ctx context.Context, id, reason string, retry bool) error {
	status := TaskFailed
	if retry {
		status = TaskPending
	}
	ok, err := execOne(ctx, s.db, `
		UPDATE provision_tasks
		SET status = ?, last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ?
	`, status, reason, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to fail provision task: %w", err)
	}
	if !ok {
		return fmt.Errorf("provision task %s: %w", id, ErrNotFound)
	}
	return nil
}

// TakeProvisionTask returns a task. If it succeeded and carries an unclaimed
// credential, that credential is returned this once and erased from storage.
func (s *Store) TakeProvisionTask(ctx context.Context, id string) (*ProvisionTask, error) {
	var task *ProvisionTask
	err := s.WithTx(ctx, func(tx *Tx) error {
		t, err := getTask(ctx, tx.tx, id)
		if err != nil {
			return err
		}
		task = t
		if t.Status != TaskSucceeded {
			t.Credential = sql.NullString{}
			return nil
		}
		if !t.Credential.Valid {
			return nil
		}
		if crypto.IsSealed(t.Credential.String) {
			if s.sealer == nil {
				return fmt.Errorf("task %s credential is sealed but no key is configured", id)
			}
			plain, err := s.sealer.Open(t.Credential.String, id)
			if err != nil {
				return fmt.Errorf("failed to open task credential: %w", err)
			}
			t.Credential.String = plain
		}
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE provision_tasks
			SET credential = NULL, credential_claimed = 1, updated_at = ?
			WHERE id = ?
		`, toMillis(tx.now), id)
		if err != nil {
			return fmt.Errorf("failed to clear task credential: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}
