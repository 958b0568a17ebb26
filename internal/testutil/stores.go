// stores.go
//
// Shared in-memory mocks of the store, session, rate limit, mail and blog interfaces.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/manublog/manu/internal/store"
)

// MockUserStore implements auth.UserStore for tests.

// Always stateful...users live in a map and username/email uniqueness is enforced
// under a mutex, like the real unique constraints.
// Use *Err fields to inject errors for specific operations.
type MockUserStore struct {
	// Error injection...zero value means no error
	CreateUserErr     error
	FindByEmailErr    error
	FindByIDErr       error
	CountErr          error
	SetVerifiedErr    error
	UpdatePasswordErr error

	mu    sync.Mutex
	users map[uuid.UUID]*store.User
}

// NewMockUserStore returns a MockUserStore seeded with users.
func NewMockUserStore(users ...*store.User) *MockUserStore {
	m := &MockUserStore{users: make(map[uuid.UUID]*store.User)}
	for _, u := range users {
		cp := *u
		m.users[u.ID] = &cp
	}
	return m
}

func (m *MockUserStore) lookup(match func(*store.User) bool) *store.User {
	for _, u := range m.users {
		if match(u) {
			cp := *u
			return &cp
		}
	}
	return nil
}

func (m *MockUserStore) CreateUser(_ context.Context, nu store.NewUser) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users == nil {
		m.users = make(map[uuid.UUID]*store.User)
	}
	for _, u := range m.users {
		if u.Username == nu.Username {
			return &store.DuplicateError{Constraint: store.ConstraintUsersUsername}
		}
		if u.Email == nu.Email {
			return &store.DuplicateError{Constraint: store.ConstraintUsersEmail}
		}
	}
	now := time.Now()
	m.users[nu.ID] = &store.User{
		ID:           nu.ID,
		Username:     nu.Username,
		Email:        nu.Email,
		PasswordHash: nu.PasswordHash,
		Bio:          nu.Bio,
		OTPVerified:  nu.OTPVerified,
		IsAdmin:      nu.IsAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

func (m *MockUserStore) FindUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.FindByEmailErr != nil {
		return nil, m.FindByEmailErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.lookup(func(u *store.User) bool { return u.Email == email }); u != nil {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (m *MockUserStore) FindUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.FindByIDErr != nil {
		return nil, m.FindByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MockUserStore) CountByUsername(_ context.Context, username string) (int, error) {
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookup(func(u *store.User) bool { return u.Username == username }) != nil {
		return 1, nil
	}
	return 0, nil
}

func (m *MockUserStore) CountByEmail(_ context.Context, email string) (int, error) {
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookup(func(u *store.User) bool { return u.Email == email }) != nil {
		return 1, nil
	}
	return 0, nil
}

func (m *MockUserStore) SetOTPVerified(_ context.Context, id uuid.UUID) error {
	if m.SetVerifiedErr != nil {
		return m.SetVerifiedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.OTPVerified = true
	return nil
}

func (m *MockUserStore) UpdatePassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	if m.UpdatePasswordErr != nil {
		return m.UpdatePasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

// Users returns a snapshot of every stored user.
func (m *MockUserStore) Users() []store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out
}

// CheckHealth always succeeds.
func (m *MockUserStore) CheckHealth(context.Context) error { return nil }

// MockSessionStore implements auth.SessionStore for tests.
// Records are copied in and out so callers can't mutate stored state by accident.
type MockSessionStore struct {
	GetErr    error
	SaveErr   error
	TouchErr  error
	DeleteErr error
	HealthErr error

	mu       sync.Mutex
	sessions map[string]store.Session
	ttls     map[string]time.Duration
}

// NewMockSessionStore returns an empty MockSessionStore.
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{
		sessions: make(map[string]store.Session),
		ttls:     make(map[string]time.Duration),
	}
}

func (m *MockSessionStore) GetSession(_ context.Context, key string) (*store.Session, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	s.Key = key
	return &s, nil
}

func (m *MockSessionStore) SaveSession(_ context.Context, key string, sess *store.Session, ttl time.Duration) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key] = *sess
	m.ttls[key] = ttl
	return nil
}

func (m *MockSessionStore) TouchSession(_ context.Context, key string, ttl time.Duration) error {
	if m.TouchErr != nil {
		return m.TouchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return store.ErrCacheMiss
	}
	m.ttls[key] = ttl
	return nil
}

func (m *MockSessionStore) DeleteSession(_ context.Context, key string) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	delete(m.ttls, key)
	return nil
}

// Peek returns the stored record for key without going through GetSession's error injection.
func (m *MockSessionStore) Peek(key string) (store.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// TTL returns the last TTL written for key.
func (m *MockSessionStore) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[key]
}

// Len returns the number of stored records.
func (m *MockSessionStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CheckHealth returns HealthErr.
func (m *MockSessionStore) CheckHealth(context.Context) error { return m.HealthErr }

// MockRateLimiter implements auth.RateLimiter for tests.
// With Max > 0, each key is allowed Max calls and rejected with
// store.ErrRateLimitExceeded afterward.
type MockRateLimiter struct {
	AllowErr error
	Max      int

	mu     sync.Mutex
	counts map[string]int
	Keys   []string
}

func (m *MockRateLimiter) Allow(_ context.Context, key string, _ store.RateLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Keys = append(m.Keys, key)
	if m.AllowErr != nil {
		return m.AllowErr
	}
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[key]++
	if m.Max > 0 && m.counts[key] > m.Max {
		return store.ErrRateLimitExceeded
	}
	return nil
}

// SentOTP is one captured SendOTP call.
type SentOTP struct {
	To        string
	Code      string
	Purpose   string
	ExpiresIn time.Duration
}

// MockMailer implements mail.Mailer for tests, capturing every code it is asked to send.
type MockMailer struct {
	SendErr error

	mu   sync.Mutex
	Sent []SentOTP
}

func (m *MockMailer) SendOTP(_ context.Context, to, code, purpose string, expiresIn time.Duration) (string, error) {
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentOTP{To: to, Code: code, Purpose: purpose, ExpiresIn: expiresIn})
	return fmt.Sprintf("delivery-%d", len(m.Sent)), nil
}

// LastCode returns the most recently sent code, or "" if none.
func (m *MockMailer) LastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return ""
	}
	return m.Sent[len(m.Sent)-1].Code
}

// Count returns how many codes were sent.
func (m *MockMailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// MockBlogStore implements blog.Store for tests.
// Blogs are listed newest first; title lookup is a case-insensitive exact match.
type MockBlogStore struct {
	ListErr  error
	CountErr error
	GetErr   error

	Blogs []store.Blog
}

func (m *MockBlogStore) sorted() []store.Blog {
	out := append([]store.Blog(nil), m.Blogs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MockBlogStore) ListBlogs(_ context.Context, limit, offset int) ([]store.Blog, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	all := m.sorted()
	if offset >= len(all) {
		return []store.Blog{}, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (m *MockBlogStore) CountBlogs(context.Context) (int, error) {
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	return len(m.Blogs), nil
}

func (m *MockBlogStore) GetBlogByTitle(_ context.Context, title string) (*store.Blog, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	for _, b := range m.sorted() {
		if strings.EqualFold(b.Title, title) {
			return &b, nil
		}
	}
	return nil, store.ErrNotFound
}
