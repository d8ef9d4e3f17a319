package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	// EntryUsage debits credits for paid runtime time. Amount < 0.
	EntryUsage EntryType = "USAGE"
	// EntryRefund returns unused credits when a runtime is stopped. Amount > 0.
	EntryRefund EntryType = "REFUND"
	// EntryGrant is an operator top-up. Amount > 0.
	EntryGrant EntryType = "GRANT"
)

// LedgerEntry is one append-only credit movement.
type LedgerEntry struct {
	ID          string
	UserID      string
	Type        EntryType
	Amount      int64
	RuntimeID   sql.NullString
	Description string
	CreatedAt   time.Time
}

func (e *LedgerEntry) validate() error {
	switch e.Type {
	case EntryUsage:
		if e.Amount >= 0 {
			return fmt.Errorf("%w: usage amount must be negative, got %d", ErrLedgerIntegrity, e.Amount)
		}
	case EntryRefund, EntryGrant:
		if e.Amount <= 0 {
			return fmt.Errorf("%w: %s amount must be positive, got %d", ErrLedgerIntegrity, e.Type, e.Amount)
		}
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrLedgerIntegrity, e.Type)
	}
	return nil
}

// Tx is a ledger transaction. Balance changes and the entries that explain
// them are only ever written through a Tx so that they commit together.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Now is the timestamp stamped on every row written by the transaction.
func (t *Tx) Now() time.Time { return t.now }

// WithTx runs fn inside a transaction, committing when fn returns nil.
// Only the Tx may be used inside fn: the store holds a single connection.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, now: s.now().UTC()}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// User reads a user inside the transaction.
func (t *Tx) User(ctx context.Context, id string) (*User, error) {
	return getUser(ctx, t.tx, id)
}

// Runtime reads a runtime inside the transaction.
func (t *Tx) Runtime(ctx context.Context, id string) (*Runtime, error) {
	return getRuntime(ctx, t.tx, "id = ?", id)
}

// Debit lowers a balance by amount, failing with ErrInsufficientCredits
// rather than going below zero.
func (t *Tx) Debit(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit %d", ErrLedgerIntegrity, amount)
	}
	ok, err := execOne(ctx, t.tx,
		`UPDATE users SET balance = balance - ? WHERE id = ? AND balance >= ?`,
		amount, userID, amount)
	if isCheckViolation(err) {
		return fmt.Errorf("%w: balance check failed for %s", ErrLedgerIntegrity, userID)
	}
	if err != nil {
		return fmt.Errorf("failed to debit: %w", err)
	}
	if !ok {
		if _, err := t.User(ctx, userID); err != nil {
			return err
		}
		return fmt.Errorf("user %s: %w", userID, ErrInsufficientCredits)
	}
	return nil
}

// Credit raises a balance by amount.
func (t *Tx) Credit(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit %d", ErrLedgerIntegrity, amount)
	}
	ok, err := execOne(ctx, t.tx, `UPDATE users SET balance = balance + ? WHERE id = ?`, amount, userID)
	if err != nil {
		return fmt.Errorf("failed to credit: %w", err)
	}
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// Append writes a ledger entry.
func (t *Tx) Append(ctx context.Context, e *LedgerEntry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = t.now
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, runtime_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Type, e.Amount, e.RuntimeID, e.Description, toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// InsertRuntime writes a new runtime row.
func (t *Tx) InsertRuntime(ctx context.Context, rt *Runtime) error {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	rt.UpdatedAt = t.now
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO runtimes (id, user_id, agent_slug, backend_id, subdomain, url, credential_hash,
			status, credits_charged, created_at, paid_until, stopped_at, task_id, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rt.ID, rt.UserID, rt.AgentSlug, rt.BackendID, rt.Subdomain, rt.URL, rt.CredentialHash,
		rt.Status, rt.CreditsCharged, toMillis(rt.CreatedAt), toMillis(rt.PaidUntil),
		nullMillis(rt.StoppedAt), rt.TaskID, rt.LastError, toMillis(rt.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("runtime %s: %w", rt.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert runtime: %w", err)
	}
	return nil
}

// EndRuntime moves a RUNNING runtime to status. Losing a race to another
// transition yields ErrStateConflict.
func (t *Tx) EndRuntime(ctx context.Context, id string, status RuntimeStatus, at time.Time) error {
	if status == StatusRunning {
		return fmt.Errorf("%w: cannot end a runtime into %s", ErrLedgerIntegrity, status)
	}
	ok, err := execOne(ctx, t.tx, `
		UPDATE runtimes SET status = ?, stopped_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, status, toMillis(at), toMillis(t.now), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to end runtime: %w", err)
	}
	if !ok {
		return t.conflictOrMissing(ctx, id)
	}
	return nil
}

// ExtendRuntime advances paid_until and adds to credits_charged of a
// RUNNING runtime.
func (t *Tx) ExtendRuntime(ctx context.Context, id string, by time.Duration, credits int64) error {
	ok, err := execOne(ctx, t.tx, `
		UPDATE runtimes
		SET paid_until = paid_until + ?, credits_charged = credits_charged + ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, by.Milliseconds(), credits, toMillis(t.now), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to extend runtime: %w", err)
	}
	if !ok {
		return t.conflictOrMissing(ctx, id)
	}
	return nil
}

func (t *Tx) conflictOrMissing(ctx context.Context, id string) error {
	if _, err := t.Runtime(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("runtime %s: %w", id, ErrStateConflict)
}

// RecordProvision debits the user for a new runtime, inserts it and appends
// the USAGE entry in one transaction. Bypass users are not charged and
// rt.CreditsCharged is reset to zero for them.
func (s *Store) RecordProvision(ctx context.Context, rt *Runtime, description string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.recordProvision(ctx, rt, description)
	})
}

// RecordTaskProvision is RecordProvision for a runtime created by the queued
// task rt.TaskID. The credential, if any, is parked on the task in the same
// transaction so that a redelivered task can still hand it out once.
func (s *Store) RecordTaskProvision(ctx context.Context, rt *Runtime, description, credential string) error {
	if !rt.TaskID.Valid {
		return fmt.Errorf("record task provision: runtime has no task id")
	}
	cred, err := s.sealCredential(rt.TaskID.String, credential)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.recordProvision(ctx, rt, description); err != nil {
			return err
		}
		if !cred.Valid {
			return nil
		}
		_, err := tx.tx.ExecContext(ctx, `
			UPDATE provision_tasks SET credential = ?, updated_at = ?
			WHERE id = ? AND credential_claimed = 0
		`, cred, toMillis(tx.now), rt.TaskID.String)
		if err != nil {
			return fmt.Errorf("failed to store task credential: %w", err)
		}
		return nil
	})
}

func (t *Tx) recordProvision(ctx context.Context, rt *Runtime, description string) error {
	if rt.CreditsCharged < 0 {
		return fmt.Errorf("%w: negative charge %d for runtime", ErrLedgerIntegrity, rt.CreditsCharged)
	}
	user, err := t.User(ctx, rt.UserID)
	if err != nil {
		return err
	}
	if user.Bypass {
		rt.CreditsCharged = 0
	}
	if rt.CreditsCharged > 0 {
		if err := t.Debit(ctx, rt.UserID, rt.CreditsCharged); err != nil {
			return err
		}
	}
	rt.Status = StatusRunning
	if err := t.InsertRuntime(ctx, rt); err != nil {
		return err
	}
	if rt.CreditsCharged == 0 {
		return nil
	}
	return t.Append(ctx, &LedgerEntry{
		UserID:      rt.UserID,
		Type:        EntryUsage,
		Amount:      -rt.CreditsCharged,
		RuntimeID:   sql.NullString{String: rt.ID, Valid: true},
		Description: description,
	})
}

// RefundFunc computes the refund owed for stopping rt at the given time.
type RefundFunc func(rt *Runtime, at time.Time) int64

// SettleStop flips a RUNNING runtime to STOPPED and, unless the owner is a
// bypass account, credits the refund computed by refund. Both happen in one
// transaction. It returns the refunded amount.
func (s *Store) SettleStop(ctx context.Context, id string, at time.Time, refund RefundFunc, description string) (int64, error) {
	var amount int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		rt, err := tx.Runtime(ctx, id)
		if err != nil {
			return err
		}
		if rt.Status != StatusRunning {
			return fmt.Errorf("runtime %s is %s: %w", id, rt.Status, ErrStateConflict)
		}
		user, err := tx.User(ctx, rt.UserID)
		if err != nil {
			return err
		}
		if err := tx.EndRuntime(ctx, id, StatusStopped, at); err != nil {
			return err
		}
		if user.Bypass || refund == nil {
			return nil
		}

		amount = refund(rt, at)
		if amount < 0 || amount > rt.CreditsCharged {
			return fmt.Errorf("%w: refund %d outside [0, %d]", ErrLedgerIntegrity, amount, rt.CreditsCharged)
		}
		if amount == 0 {
			return nil
		}
		if err := tx.Credit(ctx, rt.UserID, amount); err != nil {
			return err
		}
		return tx.Append(ctx, &LedgerEntry{
			UserID:      rt.UserID,
			Type:        EntryRefund,
			Amount:      amount,
			RuntimeID:   sql.NullString{String: rt.ID, Valid: true},
			Description: description,
		})
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// ApplyExtension debits cost, advances paid_until by `by` and appends the
// USAGE entry in one transaction. It returns the updated runtime and the
// amount actually charged (zero for bypass accounts).
func (s *Store) ApplyExtension(ctx context.Context, id string, by time.Duration, cost int64, description string) (*Runtime, int64, error) {
	if cost < 0 {
		return nil, 0, fmt.Errorf("%w: negative extension cost %d", ErrLedgerIntegrity, cost)
	}
	var (
		updated *Runtime
		charged int64
	)
	err := s.WithTx(ctx, func(tx *Tx) error {
		rt, err := tx.Runtime(ctx, id)
		if err != nil {
			return err
		}
		if rt.Status != StatusRunning {
			return fmt.Errorf("runtime %s is %s: %w", id, rt.Status, ErrStateConflict)
		}
		user, err := tx.User(ctx, rt.UserID)
		if err != nil {
			return err
		}
		if !user.Bypass {
			charged = cost
		}
		if charged > 0 {
			if err := tx.Debit(ctx, rt.UserID, charged); err != nil {
				return err
			}
		}
		if err := tx.ExtendRuntime(ctx, id, by, charged); err != nil {
			return err
		}
		if charged > 0 {
			if err := tx.Append(ctx, &LedgerEntry{
				UserID:      rt.UserID,
				Type:        EntryUsage,
				Amount:      -charged,
				RuntimeID:   sql.NullString{String: rt.ID, Valid: true},
				Description: description,
			}); err != nil {
				return err
			}
		}
		updated, err = tx.Runtime(ctx, id)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return updated, charged, nil
}

// GrantCredits tops up a user's balance.
func (s *Store) GrantCredits(ctx context.Context, userID string, amount int64, description string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Credit(ctx, userID, amount); err != nil {
			return err
		}
		return tx.Append(ctx, &LedgerEntry{
			UserID:      userID,
			Type:        EntryGrant,
			Amount:      amount,
			Description: description,
		})
	})
}

// VerifyBalance checks that opening balance plus the sum of the user's
// ledger entries equals the stored balance.
func (s *Store) VerifyBalance(ctx context.Context, userID string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		user, err := tx.User(ctx, userID)
		if err != nil {
			return err
		}
		var sum int64
		if err := tx.tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ?`, userID,
		).Scan(&sum); err != nil {
			return fmt.Errorf("failed to sum ledger: %w", err)
		}
		if user.OpeningBalance+sum != user.Balance {
			return fmt.Errorf("%w: user %s balance %d, opening %d + ledger %d = %d",
				ErrLedgerIntegrity, userID, user.Balance, user.OpeningBalance, sum, user.OpeningBalance+sum)
		}
		return nil
	})
}

// ListLedgerEntries returns a user's most recent entries, newest first.
// A non-positive limit returns all entries.
func (s *Store) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	query := `
		SELECT id, user_id, type, amount, runtime_id, description, created_at
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		e := &LedgerEntry{}
		var created int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.RuntimeID, &e.Description, &created); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// CountLedgerEntries returns the number of entries linked to a runtime.
func (s *Store) CountLedgerEntries(ctx context.Context, runtimeID string, typ EntryType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE runtime_id = ? AND type = ?`, runtimeID, typ,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return n, nil
}
