package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockStore returns a PostgresStore backed by pgxmock and registers expectation checks.
func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return &PostgresStore{pool: mock}, mock
}

var userRowColumns = []string{"id", "username", "email", "password_hash", "bio", "otp_verified", "is_admin", "created_at", "updated_at"}

func TestCreateUser(t *testing.T) {
	ctx := context.Background()
	id := uuid.Must(uuid.NewV7())
	nu := NewUser{ID: id, Username: "alice", Email: "alice@x.com", PasswordHash: "$argon2id$..."}

	t.Run("inserts the row", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO users`).
			WithArgs(id, "alice", "alice@x.com", "$argon2id$...", (*string)(nil), false, false).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.CreateUser(ctx, nu))
	})

	t.Run("unique violation maps to ErrDuplicate with constraint name", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO users`).
			WithArgs(id, "alice", "alice@x.com", "$argon2id$...", (*string)(nil), false, false).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: ConstraintUsersEmail})

		err := s.CreateUser(ctx, nu)
		require.ErrorIs(t, err, ErrDuplicate)
		var de *DuplicateError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, ConstraintUsersEmail, de.Constraint)
		assert.Equal(t, "email", de.Field())
	})

	t.Run("other errors are wrapped, not ErrDuplicate", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO users`).
			WithArgs(id, "alice", "alice@x.com", "$argon2id$...", (*string)(nil), false, false).
			WillReturnError(errors.New("connection refused"))

		err := s.CreateUser(ctx, nu)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDuplicate)
		assert.Contains(t, err.Error(), "inserting user")
	})
}

func TestDuplicateErrorField(t *testing.T) {
	tests := []struct {
		constraint string
		want       string
	}{
		{ConstraintUsersUsername, "username"},
		{ConstraintUsersEmail, "email"},
		{"blogs_title_key", ""},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &DuplicateError{Constraint: tt.constraint})
			assert.ErrorIs(t, err, ErrDuplicate)
			var de *DuplicateError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.want, de.Field())
		})
	}
}

func TestFindUserByEmail(t *testing.T) {
	ctx := context.Background()
	id := uuid.Must(uuid.NewV7())
	now := time.Now()
	bio := "hello"

	t.Run("returns the matching user", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM users WHERE email = \$1`).
			WithArgs("alice@x.com").
			WillReturnRows(pgxmock.NewRows(userRowColumns).
				AddRow(id, "alice", "alice@x.com", "hash", &bio, true, false, now, now))

		u, err := s.FindUserByEmail(ctx, "alice@x.com")
		require.NoError(t, err)
		assert.Equal(t, id, u.ID)
		assert.Equal(t, "alice", u.Username)
		require.NotNil(t, u.Bio)
		assert.Equal(t, "hello", *u.Bio)
		assert.True(t, u.OTPVerified)
	})

	t.Run("no rows returns ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM users WHERE email = \$1`).WithArgs("ghost@x.com").WillReturnError(pgx.ErrNoRows)

		u, err := s.FindUserByEmail(ctx, "ghost@x.com")
		assert.Nil(t, u)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("query error is wrapped", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM users WHERE email = \$1`).WithArgs("alice@x.com").WillReturnError(errors.New("boom"))

		_, err := s.FindUserByEmail(ctx, "alice@x.com")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestFindUserByID(t *testing.T) {
	ctx := context.Background()
	id := uuid.Must(uuid.NewV7())

	t.Run("deleted user returns ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM users WHERE id = \$1`).WithArgs(id).WillReturnError(pgx.ErrNoRows)

		_, err := s.FindUserByID(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCountQueries(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		pattern string
		arg     string
		call    func(s *PostgresStore) (int, error)
		count   int
		err     error
	}{
		{
			name:    "username taken",
			pattern: `SELECT COUNT\(\*\) FROM users WHERE username = \$1`,
			arg:     "alice",
			call:    func(s *PostgresStore) (int, error) { return s.CountByUsername(ctx, "alice") },
			count:   1,
		},
		{
			name:    "email free",
			pattern: `SELECT COUNT\(\*\) FROM users WHERE email = \$1`,
			arg:     "new@x.com",
			call:    func(s *PostgresStore) (int, error) { return s.CountByEmail(ctx, "new@x.com") },
			count:   0,
		},
		{
			name:    "storage error surfaces",
			pattern: `SELECT COUNT\(\*\) FROM users WHERE email = \$1`,
			arg:     "new@x.com",
			call:    func(s *PostgresStore) (int, error) { return s.CountByEmail(ctx, "new@x.com") },
			err:     errors.New("connection reset"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			exp := mock.ExpectQuery(tt.pattern).WithArgs(tt.arg)
			if tt.err != nil {
				exp.WillReturnError(tt.err)
			} else {
				exp.WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(tt.count))
			}

			n, err := tt.call(s)
			if tt.err != nil {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.count, n)
		})
	}
}

func TestSetOTPVerified(t *testing.T) {
	ctx := context.Background()
	id := uuid.Must(uuid.NewV7())

	t.Run("updates the flag", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE users SET otp_verified = TRUE`).WithArgs(id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		assert.NoError(t, s.SetOTPVerified(ctx, id))
	})

	t.Run("missing user returns ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE users SET otp_verified = TRUE`).WithArgs(id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		assert.ErrorIs(t, s.SetOTPVerified(ctx, id), ErrNotFound)
	})
}

func TestUpdatePassword(t *testing.T) {
	ctx := context.Background()
	id := uuid.Must(uuid.NewV7())

	t.Run("replaces the hash", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE users SET password_hash = \$2`).WithArgs(id, "newhash").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		assert.NoError(t, s.UpdatePassword(ctx, id, "newhash"))
	})

	t.Run("missing user returns ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE users SET password_hash = \$2`).WithArgs(id, "newhash").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		assert.ErrorIs(t, s.UpdatePassword(ctx, id, "newhash"), ErrNotFound)
	})
}

var blogRowColumns = []string{"id", "title", "content", "image", "user_id", "username", "created_at", "updated_at"}

func TestListBlogs(t *testing.T) {
	ctx := context.Background()
	author := uuid.Must(uuid.NewV7())
	now := time.Now()

	t.Run("returns the page in order", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM blogs b LEFT JOIN users u .* LIMIT \$1 OFFSET \$2`).
			WithArgs(6, 6).
			WillReturnRows(pgxmock.NewRows(blogRowColumns).
				AddRow(int64(8), "Second post", "body", "img.png", &author, "alice", now, now).
				AddRow(int64(7), "First post", "body", "img.png", (*uuid.UUID)(nil), "", now, now))

		blogs, err := s.ListBlogs(ctx, 6, 6)
		require.NoError(t, err)
		require.Len(t, blogs, 2)
		assert.Equal(t, "Second post", blogs[0].Title)
		assert.Equal(t, "alice", blogs[0].Author)
		assert.Nil(t, blogs[1].UserID)
	})
}

func TestGetBlogByTitle(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("matches case-insensitively with escaped wildcards", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`WHERE b.title ILIKE \$1`).
			WithArgs(`100\% go`).
			WillReturnRows(pgxmock.NewRows(blogRowColumns).
				AddRow(int64(1), "100% Go", "body", "", (*uuid.UUID)(nil), "", now, now))

		b, err := s.GetBlogByTitle(ctx, "100% go")
		require.NoError(t, err)
		assert.Equal(t, "100% Go", b.Title)
	})

	t.Run("no match returns ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`WHERE b.title ILIKE \$1`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

		_, err := s.GetBlogByTitle(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("partial title is not widened to a substring match", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`WHERE b.title ILIKE \$1`).WithArgs("hello").WillReturnError(pgx.ErrNoRows)

		_, err := s.GetBlogByTitle(ctx, "hello")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\%b\_c\\d`, escapeLike(`a%b_c\d`))
	assert.Equal(t, "plain title", escapeLike("plain title"))
}
