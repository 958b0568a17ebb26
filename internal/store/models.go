// models.go -- Shared domain types for the store package.
// Used by both Postgres (users, blogs) and Redis (session records, rate limits).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a user or blog row does not exist.
// Callers use errors.Is rather than comparing against pgx.ErrNoRows.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by CreateUser when a unique constraint (username or email) rejects the insert.
// This is the durable backstop for the application-level uniqueness checks.
var ErrDuplicate = errors.New("duplicate value")

// Unique constraints on the users table, as named in migrations/001_create_users.sql.
const (
	ConstraintUsersUsername = "users_username_key"
	ConstraintUsersEmail    = "users_email_key"
)

// DuplicateError reports which unique constraint rejected an insert.
// It matches ErrDuplicate under errors.Is.
type DuplicateError struct {
	Constraint string
}

func (e *DuplicateError) Error() string {
	return ErrDuplicate.Error() + ": " + e.Constraint
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// Field names the user-facing column behind Constraint, or "" for an unknown constraint.
func (e *DuplicateError) Field() string {
	switch e.Constraint {
	case ConstraintUsersUsername:
		return "username"
	case ConstraintUsersEmail:
		return "email"
	}
	return ""
}

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// User represents a row in the users table.
// Nullable columns are pointers; nil means SQL NULL.
type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	Bio          *string
	OTPVerified  bool
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewUser holds the columns supplied on insert. Timestamps are set by the database.
type NewUser struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	Bio          *string
	OTPVerified  bool
	IsAdmin      bool
}

// Blog represents a row in the blogs table joined with its author's username.
// Author is empty when the author account was deleted.
type Blog struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Image     string     `json:"image"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Author    string     `json:"author,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Session is the server-side session record stored in Redis as JSON.
// Key is the Redis lookup key (hash of the raw cookie value) and is never serialized.
// OTPCode is empty when no code is pending.
type Session struct {
	Key          string        `json:"-"`
	IP           string        `json:"ip"`
	Token        string        `json:"token,omitempty"`
	CSRFToken    string        `json:"csrf_token"`
	OTPCode      string        `json:"otp_code,omitempty"`
	OTPPurpose   string        `json:"otp_purpose,omitempty"`
	OTPExpiresAt time.Time     `json:"otp_expires_at"`
	MaxAge       time.Duration `json:"max_age"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ClearOTP drops any pending code so it cannot be replayed.
func (s *Session) ClearOTP() {
	s.OTPCode = ""
	s.OTPPurpose = ""
	s.OTPExpiresAt = time.Time{}
}

// RateLimit defines the policy for a rate-limited action.
// All three fields required, zero values disable the respective behaviour.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // rolling window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is hit
}
