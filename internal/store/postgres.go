// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
)

// pgxPool is the subset of *pgxpool.Pool used by PostgresStore.
// Satisfied by pgxmock.PgxPoolIface in unit tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore is the durable store for users and blogs.
type PostgresStore struct {
	pool pgxPool
}

// NewPostgresStore creates a connection pool and pings it until the database answers,
// backing off between attempts so the service can start alongside its database.
// Call once at startup; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings the database.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const userColumns = "id, username, email, password_hash, bio, otp_verified, is_admin, created_at, updated_at"

// scanUser reads one users row in userColumns order.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Bio, &u.OTPVerified, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user. The caller generates the UUID v7 and password hash.
// Returns a *DuplicateError (matching ErrDuplicate) when username or email is taken.
func (s *PostgresStore) CreateUser(ctx context.Context, u NewUser) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, bio, otp_verified, is_admin)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Bio, u.OTPVerified, u.IsAdmin)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return &DuplicateError{Constraint: pgErr.ConstraintName}
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// FindUserByEmail fetches a user by (lower-cased) email for login.
// Returns ErrNotFound if no row matches.
func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("fetching user by email: %w", err)
	}
	return u, err
}

// FindUserByID fetches a user by primary key.
// Returns ErrNotFound if no row matches, e.g. the account was deleted after a token was issued.
func (s *PostgresStore) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("fetching user by id: %w", err)
	}
	return u, err
}

// CountByUsername returns how many users hold username (0 or 1).
func (s *PostgresStore) CountByUsername(ctx context.Context, username string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM users WHERE username = $1", username).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting username: %w", err)
	}
	return n, nil
}

// CountByEmail returns how many users hold email (0 or 1).
func (s *PostgresStore) CountByEmail(ctx context.Context, email string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM users WHERE email = $1", email).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting email: %w", err)
	}
	return n, nil
}

// SetOTPVerified marks the user as verified. Idempotent.
// Returns ErrNotFound if the user no longer exists.
func (s *PostgresStore) SetOTPVerified(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET otp_verified = TRUE, updated_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("setting otp_verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePassword replaces the stored password hash.
// Returns ErrNotFound if the user no longer exists.
func (s *PostgresStore) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1", id, passwordHash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
