package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is an account that owns runtimes and a credit balance.
type User struct {
	ID       string
	Username string
	Balance  int64
	// OpeningBalance is the balance the user was created with. Together with
	// the ledger it must always reproduce Balance.
	OpeningBalance int64
	// Bypass accounts are never charged or refunded.
	Bypass    bool
	CreatedAt time.Time
}

// CreateUser inserts a user whose balance starts at OpeningBalance.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.OpeningBalance < 0 {
		return fmt.Errorf("%w: negative opening balance", ErrLedgerIntegrity)
	}
	u.CreatedAt = s.now().UTC()
	u.Balance = u.OpeningBalance

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, balance, opening_balance, bypass, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.Balance, u.OpeningBalance, u.Bypass, toMillis(u.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return getUser(ctx, s.db, id)
}

func getUser(ctx context.Context, q queryer, id string) (*User, error) {
	u := &User{}
	var created int64
	err := q.QueryRowContext(ctx, `
		SELECT id, username, balance, opening_balance, bypass, created_at
		FROM users
		WHERE id = ?
	`, id).Scan(&u.ID, &u.Username, &u.Balance, &u.OpeningBalance, &u.Bypass, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = fromMillis(created)
	return u, nil
}

// ListUsers returns all users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, balance, opening_balance, bypass, created_at
		FROM users
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		var created int64
		if err := rows.Scan(&u.ID, &u.Username, &u.Balance, &u.OpeningBalance, &u.Bypass, &created); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.CreatedAt = fromMillis(created)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// SetBypass toggles the bypass flag of a user.
func (s *Store) SetBypass(ctx context.Context, id string, bypass bool) error {
	ok, err := execOne(ctx, s.db, `UPDATE users SET bypass = ? WHERE id = ?`, bypass, id)
	if err != nil {
		return fmt.Errorf("failed to set bypass: %w", err)
	}
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}
