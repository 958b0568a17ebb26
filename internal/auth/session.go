// session.go

// Server-side session records and the session cookie.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/manublog/manu/internal/store"
)

// SessionCookieName is the cookie holding the raw session id.
const SessionCookieName = "manu_session"

// AnonymousSessionTTL is the max-age of a session before anyone logs in on it.
const AnonymousSessionTTL = time.Hour

// ErrNoSession is returned by Load when the request carries no usable session.
var ErrNoSession = errors.New("no session")

// SessionStore persists session records. Satisfied by *store.RedisStore.
type SessionStore interface {
	GetSession(ctx context.Context, key string) (*store.Session, error)
	SaveSession(ctx context.Context, key string, sess *store.Session, ttl time.Duration) error
	TouchSession(ctx context.Context, key string, ttl time.Duration) error
	DeleteSession(ctx context.Context, key string) error
}

// Handle pairs the raw cookie value with its record. Rec.Key is the storage key.
type Handle struct {
	ID  string
	Rec *store.Session
}

// Clone returns a copy whose record can be mutated without touching h.
func (h *Handle) Clone() *Handle {
	rec := *h.Rec
	return &Handle{ID: h.ID, Rec: &rec}
}

// SessionManager creates, loads, rotates and destroys session records.
type SessionManager struct {
	store  SessionStore
	secure bool
	now    func() time.Time
}

// NewSessionManager creates a SessionManager. secure sets the cookie's Secure flag.
func NewSessionManager(s SessionStore, secure bool) *SessionManager {
	return &SessionManager{store: s, secure: secure, now: time.Now}
}

// randomToken returns 256 random bits, base64url encoded.
func randomToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating token with rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// keyFor derives the storage key from a raw session id: base64url(sha256(id)).
// The raw id only ever lives in the cookie.
func keyFor(raw string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return "", ErrNoSession
	}
	sum := sha256.Sum256(decoded)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// newHandle builds an unsaved handle with fresh id and CSRF token.
func (m *SessionManager) newHandle(rec store.Session) (*Handle, error) {
	raw, err := randomToken()
	if err != nil {
		return nil, err
	}
	key, err := keyFor(raw)
	if err != nil {
		return nil, err
	}
	csrf, err := randomToken()
	if err != nil {
		return nil, err
	}
	rec.Key = key
	rec.CSRFToken = csrf
	rec.CreatedAt = m.now().UTC()
	return &Handle{ID: raw, Rec: &rec}, nil
}

// Load reads the session cookie and fetches its record.
// Returns ErrNoSession when there is no cookie, it is malformed, or the record expired.
func (m *SessionManager) Load(ctx context.Context, r *http.Request) (*Handle, error) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || c.Value == "" {
		return nil, ErrNoSession
	}
	key, err := keyFor(c.Value)
	if err != nil {
		return nil, err
	}
	rec, err := m.store.GetSession(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	rec.Key = key
	return &Handle{ID: c.Value, Rec: rec}, nil
}

// Start creates and saves an anonymous session bound to ip.
func (m *SessionManager) Start(ctx context.Context, ip string) (*Handle, *http.Cookie, error) {
	h, err := m.newHandle(store.Session{IP: ip, MaxAge: AnonymousSessionTTL})
	if err != nil {
		return nil, nil, err
	}
	if err := m.Save(ctx, h); err != nil {
		return nil, nil, err
	}
	return h, m.Cookie(h), nil
}

// Bind stores token on a fresh session id bound to ip with max-age maxAge, carrying
// over any other state from old (nil for none). The id and CSRF token rotate on every
// bind; the old record is deleted once the new one is saved.
func (m *SessionManager) Bind(ctx context.Context, old *Handle, token, ip string, maxAge time.Duration) (*Handle, *http.Cookie, error) {
	var rec store.Session
	if old != nil {
		rec = *old.Rec
	}
	rec.Token = token
	rec.IP = ip
	rec.MaxAge = maxAge

	h, err := m.newHandle(rec)
	if err != nil {
		return nil, nil, err
	}
	if err := m.Save(ctx, h); err != nil {
		return nil, nil, err
	}
	if old != nil {
		if err := m.store.DeleteSession(ctx, old.Rec.Key); err != nil {
			// Old id is orphaned until its TTL runs out
			slog.Warn("deleting rotated session failed", "error", err)
		}
	}
	return h, m.Cookie(h), nil
}

// Save persists h's record with a TTL equal to its max-age.
func (m *SessionManager) Save(ctx context.Context, h *Handle) error {
	return m.store.SaveSession(ctx, h.Rec.Key, h.Rec, h.Rec.MaxAge)
}

// Touch slides the record's expiry forward and returns a refreshed cookie.
func (m *SessionManager) Touch(ctx context.Context, h *Handle) (*http.Cookie, error) {
	if err := m.store.TouchSession(ctx, h.Rec.Key, h.Rec.MaxAge); err != nil {
		return nil, err
	}
	return m.Cookie(h), nil
}

// Destroy deletes the record and returns a cookie that clears the browser's copy.
// A storage failure is returned as is; the caller must not treat the user as logged out.
func (m *SessionManager) Destroy(ctx context.Context, h *Handle) (*http.Cookie, error) {
	if err := m.store.DeleteSession(ctx, h.Rec.Key); err != nil {
		return nil, err
	}
	return m.ExpiredCookie(), nil
}

// Cookie returns the session cookie for h: HttpOnly, SameSite=Lax, MaxAge from the record.
func (m *SessionManager) Cookie(h *Handle) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    h.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.Rec.MaxAge.Seconds()),
	}
}

// ExpiredCookie overwrites the session cookie with MaxAge=-1 to trigger browser deletion.
func (m *SessionManager) ExpiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	}
}
