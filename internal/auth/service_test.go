// service_test.go

// unit tests for the auth state machine, driven through the Authenticate middleware
// so each step sees the RequestContext a real request would.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/manublog/manu/internal/observability"
	"github.com/manublog/manu/internal/store"
	"github.com/manublog/manu/internal/testutil"
	"github.com/manublog/manu/internal/web"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"
)

const (
	testIP       = "10.0.0.1"
	testPassword = "Secret1!"
)

// --- Harness ---

type harness struct {
	svc      *Service
	handler  *AuthHandler
	users    *testutil.MockUserStore
	sessions *testutil.MockSessionStore
	limiter  *testutil.MockRateLimiter
	mailer   *testutil.MockMailer
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	users := testutil.NewMockUserStore()
	ss := testutil.NewMockSessionStore()
	mailer := &testutil.MockMailer{}
	limiter := &testutil.MockRateLimiter{}

	tokens, err := NewTokenService(testSecret)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Now()}
	otp := NewOTPIssuer(mailer, 10*time.Minute)
	otp.now = clock.Now

	svc := &Service{
		Users:     users,
		Validator: NewValidator(users),
		Hasher:    fastHasher(),
		OTP:       otp,
		Tokens:    tokens,
		Sessions:  NewSessionManager(ss, false),
		Limiter:   limiter,
		Metrics:   observability.NewMetrics(),
		Config:    DefaultConfig,
	}
	return &harness{
		svc:      svc,
		handler:  &AuthHandler{Svc: svc, PS: users, RS: ss},
		users:    users,
		sessions: ss,
		limiter:  limiter,
		mailer:   mailer,
		clock:    clock,
	}
}

// rc runs the Authenticate middleware over a request carrying cookie (nil for none)
// and returns the RequestContext it built.
func (h *harness) rc(t *testing.T, cookie *http.Cookie) RequestContext {
	t.Helper()
	var got RequestContext
	next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = testIP + ":51234"
	if cookie != nil {
		r.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	h.handler.Authenticate(next).ServeHTTP(httptest.NewRecorder(), r)
	return got
}

// anon returns an anonymous RequestContext with a started session.
func (h *harness) anon(t *testing.T) (RequestContext, *http.Cookie) {
	t.Helper()
	_, cookie, err := h.svc.Sessions.Start(context.Background(), testIP)
	require.NoError(t, err)
	rc := h.rc(t, cookie)
	require.NotNil(t, rc.Session)
	require.False(t, rc.Authenticated())
	return rc, cookie
}

// seedUser stores a user with testPassword and returns it.
func (h *harness) seedUser(t *testing.T, username string, verified bool) *store.User {
	t.Helper()
	hash, err := h.svc.Hasher.Hash(testPassword)
	require.NoError(t, err)
	u := store.NewUser{
		ID:           uuid.Must(uuid.NewV7()),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		OTPVerified:  verified,
	}
	require.NoError(t, h.users.CreateUser(context.Background(), u))
	found, err := h.users.FindUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	return found
}

// login logs u in and returns the session cookie.
func (h *harness) login(t *testing.T, u *store.User) *http.Cookie {
	t.Helper()
	rc, _ := h.anon(t)
	d := h.svc.Login(context.Background(), rc, u.Email, testPassword)
	c := sessionCookie(t, d)
	require.NotNil(t, c, "login should set a session cookie: %+v", d)
	return c
}

// record returns the stored session record behind cookie.
func (h *harness) record(t *testing.T, cookie *http.Cookie) (store.Session, bool) {
	t.Helper()
	key, err := keyFor(cookie.Value)
	require.NoError(t, err)
	return h.sessions.Peek(key)
}

// claimsOf parses the token stored behind cookie.
func (h *harness) claimsOf(t *testing.T, cookie *http.Cookie) *Claims {
	t.Helper()
	rec, ok := h.record(t, cookie)
	require.True(t, ok, "session record missing")
	c, err := h.svc.Tokens.Parse(rec.Token)
	require.NoError(t, err)
	return c
}

func (h *harness) authEvents(op, outcome string) float64 {
	return promtest.ToFloat64(h.svc.Metrics.AuthEvents.WithLabelValues(op, outcome))
}

func sessionCookie(t *testing.T, d web.Decision) *http.Cookie {
	t.Helper()
	for _, c := range d.Cookies {
		if c.Name == SessionCookieName {
			return c
		}
	}
	return nil
}

// assertRedirect checks d redirects to path, with the given flash parameter when key is non-empty.
func assertRedirect(t *testing.T, d web.Decision, path, key, msg string) {
	t.Helper()
	require.True(t, d.IsRedirect(), "expected redirect, got view %q", d.View)
	u, err := url.Parse(d.Location)
	require.NoError(t, err)
	assert.Equal(t, path, u.Path)
	if key != "" {
		assert.Equal(t, msg, u.Query().Get(key))
	} else {
		assert.Empty(t, u.RawQuery)
	}
}

type stubCaptcha struct {
	err   error
	calls []string
}

func (c *stubCaptcha) Verify(_ context.Context, token, remoteIP string) error {
	c.calls = append(c.calls, token+"@"+remoteIP)
	return c.err
}

func registration(username, email string) RegistrationInput {
	return RegistrationInput{Username: username, Email: email, Password: testPassword, Confirm: testPassword}
}

// --- Register ---

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("creates an unverified user with a 48h token", func(t *testing.T) {
		h := newHarness(t)
		rc, _ := h.anon(t)

		d := h.svc.Register(ctx, rc, registration("alice", "  Alice@Example.com "))
		assertRedirect(t, d, PathOTP, "", "")

		users := h.users.Users()
		require.Len(t, users, 1)
		u := users[0]
		assert.Equal(t, "alice", u.Username)
		assert.Equal(t, "alice@example.com", u.Email)
		assert.False(t, u.OTPVerified)
		assert.Nil(t, u.Bio)
		ok, err := h.svc.Hasher.Verify(testPassword, u.PasswordHash)
		require.NoError(t, err)
		assert.True(t, ok)

		cookie := sessionCookie(t, d)
		require.NotNil(t, cookie)
		c := h.claimsOf(t, cookie)
		assert.Equal(t, u.ID.String(), c.UserID)
		assert.False(t, c.Verified)
		assert.WithinDuration(t, time.Now().Add(48*time.Hour), c.ExpiresAt.Time, time.Minute)

		assert.Equal(t, 1.0, h.authEvents("register", "success"))
	})

	t.Run("rotates the anonymous session", func(t *testing.T) {
		h := newHarness(t)
		rc, anonCookie := h.anon(t)

		d := h.svc.Register(ctx, rc, registration("alice", "alice@example.com"))
		cookie := sessionCookie(t, d)
		require.NotNil(t, cookie)
		assert.NotEqual(t, anonCookie.Value, cookie.Value)
		_, ok := h.record(t, anonCookie)
		assert.False(t, ok)
	})

	t.Run("stores bio when given", func(t *testing.T) {
		h := newHarness(t)
		in := registration("alice", "alice@example.com")
		in.Bio = "writes about go"
		h.svc.Register(ctx, h.rc(t, nil), in)

		users := h.users.Users()
		require.Len(t, users, 1)
		require.NotNil(t, users[0].Bio)
		assert.Equal(t, "writes about go", *users[0].Bio)
	})

	t.Run("short username gives min-length message", func(t *testing.T) {
		h := newHarness(t)
		d := h.svc.Register(ctx, h.rc(t, nil), registration("ab", "ab@example.com"))
		assertRedirect(t, d, PathRegister, "error", "Username must be at least 4 characters")
		assert.Empty(t, h.users.Users())
		assert.Nil(t, sessionCookie(t, d))
	})

	t.Run("all violations in one message", func(t *testing.T) {
		h := newHarness(t)
		in := RegistrationInput{Username: "ab", Email: "nope", Password: "short", Confirm: "other"}
		d := h.svc.Register(ctx, h.rc(t, nil), in)

		u, err := url.Parse(d.Location)
		require.NoError(t, err)
		msg := u.Query().Get("error")
		for _, want := range []string{"Username must be at least 4", "Invalid email format", "Password must be at least 8", "Passwords do not match"} {
			assert.Contains(t, msg, want)
		}
	})

	t.Run("taken email", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice", false)
		d := h.svc.Register(ctx, h.rc(t, nil), registration("alice2", "alice@example.com"))
		assertRedirect(t, d, PathRegister, "error", msgEmailTaken)
	})

	t.Run("unique violation maps to a validation message", func(t *testing.T) {
		tests := []struct {
			constraint string
			want       string
		}{
			{store.ConstraintUsersUsername, msgUsernameTaken},
			{store.ConstraintUsersEmail, msgEmailTaken},
		}
		for _, tt := range tests {
			h := newHarness(t)
			h.users.CreateUserErr = fmt.Errorf("create user: %w", &store.DuplicateError{Constraint: tt.constraint})
			d := h.svc.Register(ctx, h.rc(t, nil), registration("alice", "alice@example.com"))
			assertRedirect(t, d, PathRegister, "error", tt.want)
		}
	})

	t.Run("store failure gives the generic message", func(t *testing.T) {
		h := newHarness(t)
		h.users.CountErr = errors.New("connection refused")
		d := h.svc.Register(ctx, h.rc(t, nil), registration("alice", "alice@example.com"))
		assertRedirect(t, d, PathRegister, "error", msgUnexpected)
		assert.Equal(t, 1.0, h.authEvents("register", "error"))
	})

	t.Run("session failure after create sends the user to login", func(t *testing.T) {
		h := newHarness(t)
		h.sessions.SaveErr = errors.New("redis down")
		d := h.svc.Register(ctx, h.rc(t, nil), registration("alice", "alice@example.com"))
		assertRedirect(t, d, PathLogin, "success", "account created, please log in")
		assert.Len(t, h.users.Users(), 1)
	})

	t.Run("captcha", func(t *testing.T) {
		h := newHarness(t)
		cv := &stubCaptcha{err: errors.New("rejected")}
		h.svc.Captcha = cv

		in := registration("alice", "alice@example.com")
		in.Captcha = "widget-token"
		d := h.svc.Register(ctx, h.rc(t, nil), in)
		assertRedirect(t, d, PathRegister, "error", msgCaptchaFailed)
		assert.Empty(t, h.users.Users())
		assert.Equal(t, []string{"widget-token@" + testIP}, cv.calls)
		assert.Equal(t, 1.0, h.authEvents("register", "captcha_failed"))

		cv.err = nil
		d = h.svc.Register(ctx, h.rc(t, nil), in)
		assertRedirect(t, d, PathOTP, "", "")
		assert.Len(t, h.users.Users(), 1)
	})

	t.Run("authenticated user goes home", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", true)
		rc := h.rc(t, h.login(t, u))
		require.True(t, rc.Authenticated())

		d := h.svc.Register(ctx, rc, registration("bob1", "bob@example.com"))
		assertRedirect(t, d, PathHome, "", "")
		assert.Len(t, h.users.Users(), 1)
	})
}

func TestRegisterConcurrentSameEmail(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	const n = 8

	var wg sync.WaitGroup
	decisions := make([]web.Decision, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc := RequestContext{IP: testIP}
			decisions[i] = h.svc.Register(context.Background(), rc, registration(fmt.Sprintf("user%d", i), "same@example.com"))
		}()
	}
	wg.Wait()

	require.Len(t, h.users.Users(), 1)

	succeeded := 0
	for _, d := range decisions {
		u, err := url.Parse(d.Location)
		require.NoError(t, err)
		if u.Path == PathOTP {
			succeeded++
			continue
		}
		assert.Equal(t, PathRegister, u.Path)
		assert.Equal(t, msgEmailTaken, u.Query().Get("error"))
	}
	assert.Equal(t, 1, succeeded)
}

// --- Login ---

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("verified user gets a 720h token and goes home", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", true)
		rc, _ := h.anon(t)

		d := h.svc.Login(ctx, rc, "ALICE@example.com ", testPassword)
		assertRedirect(t, d, PathHome, "", "")
		cookie := sessionCookie(t, d)
		require.NotNil(t, cookie)
		assert.Equal(t, int((720 * time.Hour).Seconds()), cookie.MaxAge)

		c := h.claimsOf(t, cookie)
		assert.Equal(t, u.ID.String(), c.UserID)
		assert.True(t, c.Verified)
		assert.WithinDuration(t, time.Now().Add(720*time.Hour), c.ExpiresAt.Time, time.Minute)
		assert.Equal(t, []string{"login:email:alice@example.com"}, h.limiter.Keys)
	})

	t.Run("unverified user gets a 48h token and goes to otp", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", false)

		d := h.svc.Login(ctx, h.rc(t, nil), u.Email, testPassword)
		assertRedirect(t, d, PathOTP, "", "")
		c := h.claimsOf(t, sessionCookie(t, d))
		assert.False(t, c.Verified)
		assert.WithinDuration(t, time.Now().Add(48*time.Hour), c.ExpiresAt.Time, time.Minute)
	})

	t.Run("wrong password and unknown email look the same", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", true)
		rc, cookie := h.anon(t)

		wrong := h.svc.Login(ctx, rc, u.Email, "Wrong1!!")
		unknown := h.svc.Login(ctx, rc, "nobody@example.com", testPassword)

		assertRedirect(t, wrong, PathLogin, "error", msgInvalidLogin)
		assert.Equal(t, wrong, unknown)
		assert.Nil(t, sessionCookie(t, wrong))

		rec, ok := h.record(t, cookie)
		require.True(t, ok)
		assert.Empty(t, rec.Token, "no token issued")
		assert.Equal(t, 2.0, h.authEvents("login", "invalid_credentials"))
	})

	t.Run("empty fields", func(t *testing.T) {
		h := newHarness(t)
		d := h.svc.Login(ctx, h.rc(t, nil), "", "")
		assertRedirect(t, d, PathLogin, "error", msgInvalidLogin)
		assert.Empty(t, h.limiter.Keys)
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", true)
		h.limiter.Max = 2

		for range 2 {
			d := h.svc.Login(ctx, h.rc(t, nil), u.Email, "Wrong1!!")
			assertRedirect(t, d, PathLogin, "error", msgInvalidLogin)
		}
		d := h.svc.Login(ctx, h.rc(t, nil), u.Email, testPassword)
		assertRedirect(t, d, PathLogin, "error", msgTooManyAttempts)
		assert.Nil(t, sessionCookie(t, d))
	})

	t.Run("limiter failure fails closed", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", true)
		h.limiter.AllowErr = errors.New("redis down")
		d := h.svc.Login(ctx, h.rc(t, nil), u.Email, testPassword)
		assertRedirect(t, d, PathLogin, "error", msgUnexpected)
	})

	t.Run("store failure", func(t *testing.T) {
		h := newHarness(t)
		h.users.FindByEmailErr = errors.New("connection refused")
		d := h.svc.Login(ctx, h.rc(t, nil), "alice@example.com", testPassword)
		assertRedirect(t, d, PathLogin, "error", msgUnexpected)
	})

	t.Run("legacy bcrypt hash is upgraded", func(t *testing.T) {
		h := newHarness(t)
		legacy, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
		require.NoError(t, err)
		id := uuid.Must(uuid.NewV7())
		require.NoError(t, h.users.CreateUser(ctx, store.NewUser{
			ID: id, Username: "legacy", Email: "legacy@example.com", PasswordHash: string(legacy), OTPVerified: true,
		}))

		d := h.svc.Login(ctx, h.rc(t, nil), "legacy@example.com", testPassword)
		assertRedirect(t, d, PathHome, "", "")

		u, err := h.users.FindUserByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(u.PasswordHash, "$argon2id$"))
		assert.False(t, h.svc.Hasher.NeedsUpgrade(u.PasswordHash))
	})

	t.Run("authenticated user goes home without reading credentials", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", true)
		rc := h.rc(t, h.login(t, u))
		h.limiter.Keys = nil

		d := h.svc.Login(ctx, rc, "", "")
		assertRedirect(t, d, PathHome, "", "")
		assert.Empty(t, h.limiter.Keys)
	})

	t.Run("forms render flash messages and csrf token", func(t *testing.T) {
		h := newHarness(t)
		rc, _ := h.anon(t)
		q := url.Values{"error": {"boom"}, "success": {"yay"}}

		for _, d := range []web.Decision{h.svc.ShowLogin(rc, q), h.svc.ShowRegister(rc, q)} {
			require.False(t, d.IsRedirect())
			assert.Equal(t, "boom", d.Data["error"])
			assert.Equal(t, "yay", d.Data["success"])
			assert.Equal(t, rc.Session.Rec.CSRFToken, d.Data["csrf_token"])
		}
		assert.Equal(t, "login", h.svc.ShowLogin(rc, q).View)
		assert.Equal(t, "register", h.svc.ShowRegister(rc, q).View)
	})
}

// --- OTP verification ---

// unverifiedSession registers a fresh user and returns their session cookie.
func (h *harness) unverifiedSession(t *testing.T) *http.Cookie {
	t.Helper()
	d := h.svc.Register(context.Background(), h.rc(t, nil), registration("alice", "alice@example.com"))
	cookie := sessionCookie(t, d)
	require.NotNil(t, cookie)
	return cookie
}

func TestRequestOTP(t *testing.T) {
	ctx := context.Background()

	t.Run("guards", func(t *testing.T) {
		h := newHarness(t)
		assertRedirect(t, h.svc.RequestOTP(ctx, h.rc(t, nil), nil), PathLogin, "", "")

		u := h.seedUser(t, "verified", true)
		assertRedirect(t, h.svc.RequestOTP(ctx, h.rc(t, h.login(t, u)), nil), PathHome, "", "")
		assert.Zero(t, h.mailer.Count())
	})

	t.Run("mails a code and renders the form", func(t *testing.T) {
		h := newHarness(t)
		cookie := h.unverifiedSession(t)
		rc := h.rc(t, cookie)

		d := h.svc.RequestOTP(ctx, rc, url.Values{"error": {"invalid or expired code"}})
		require.False(t, d.IsRedirect())
		assert.Equal(t, "otp", d.View)
		assert.Equal(t, "invalid or expired code", d.Data["error"])
		assert.Equal(t, rc.CSRFToken(), d.Data["csrf_token"])
		assert.Equal(t, "alice@example.com", d.Data["email"])

		require.Equal(t, 1, h.mailer.Count())
		assert.Equal(t, "alice@example.com", h.mailer.Sent[0].To)
		assert.Equal(t, "verify", h.mailer.Sent[0].Purpose)

		rec, ok := h.record(t, cookie)
		require.True(t, ok)
		assert.Equal(t, h.mailer.LastCode(), rec.OTPCode)
		assert.Equal(t, "verify", rec.OTPPurpose)
		assert.Equal(t, testIP, rec.IP)
		assert.Equal(t, rec.OTPExpiresAt, d.Data["expires_at"])
	})

	t.Run("reload reuses the pending code", func(t *testing.T) {
		h := newHarness(t)
		cookie := h.unverifiedSession(t)

		h.svc.RequestOTP(ctx, h.rc(t, cookie), nil)
		h.svc.RequestOTP(ctx, h.rc(t, cookie), nil)
		assert.Equal(t, 1, h.mailer.Count())
		assert.Equal(t, 1.0, promtest.ToFloat64(h.svc.Metrics.OTPIssued.WithLabelValues("verify", "true")))
	})

	t.Run("mail failure renders the generic error and stores nothing", func(t *testing.T) {
		h := newHarness(t)
		cookie := h.unverifiedSession(t)
		h.mailer.SendErr = errors.New("smtp down")

		d := h.svc.RequestOTP(ctx, h.rc(t, cookie), nil)
		assert.Equal(t, "otp", d.View)
		assert.Equal(t, msgUnexpected, d.Data["error"])
		rec, _ := h.record(t, cookie)
		assert.Empty(t, rec.OTPCode)
		assert.Equal(t, 1.0, promtest.ToFloat64(h.svc.Metrics.MailFailures))
	})
}

func TestSubmitOTP(t *testing.T) {
	ctx := context.Background()

	// pending registers a user and requests a code, returning the cookie and the code.
	pending := func(t *testing.T, h *harness) (*http.Cookie, string) {
		t.Helper()
		cookie := h.unverifiedSession(t)
		h.svc.RequestOTP(ctx, h.rc(t, cookie), nil)
		code := h.mailer.LastCode()
		require.NotEmpty(t, code)
		return cookie, code
	}

	t.Run("correct code verifies the user with a 720h token", func(t *testing.T) {
		h := newHarness(t)
		cookie, code := pending(t, h)
		rc := h.rc(t, cookie)

		d := h.svc.SubmitOTP(ctx, rc, " "+code+" ")
		assertRedirect(t, d, PathHome, "success", "account verified")

		u, err := h.users.FindUserByID(ctx, rc.Identity.UserID)
		require.NoError(t, err)
		assert.True(t, u.OTPVerified)

		next := sessionCookie(t, d)
		require.NotNil(t, next)
		assert.NotEqual(t, cookie.Value, next.Value)
		c := h.claimsOf(t, next)
		assert.True(t, c.Verified)
		assert.WithinDuration(t, time.Now().Add(720*time.Hour), c.ExpiresAt.Time, time.Minute)

		rec, _ := h.record(t, next)
		assert.Empty(t, rec.OTPCode, "code consumed")
		assert.True(t, h.rc(t, next).Verified())
	})

	t.Run("wrong code mutates nothing", func(t *testing.T) {
		h := newHarness(t)
		cookie, code := pending(t, h)
		rc := h.rc(t, cookie)
		before, _ := h.record(t, cookie)

		d := h.svc.SubmitOTP(ctx, rc, wrongCode(code))
		assertRedirect(t, d, PathOTP, "error", msgInvalidCode)
		assert.Nil(t, sessionCookie(t, d))

		after, ok := h.record(t, cookie)
		require.True(t, ok)
		assert.Equal(t, before, after)
		u, err := h.users.FindUserByID(ctx, rc.Identity.UserID)
		require.NoError(t, err)
		assert.False(t, u.OTPVerified)
	})

	t.Run("replay with the old cookie fails", func(t *testing.T) {
		h := newHarness(t)
		cookie, code := pending(t, h)
		d := h.svc.SubmitOTP(ctx, h.rc(t, cookie), code)
		assertRedirect(t, d, PathHome, "success", "account verified")

		stale := h.rc(t, cookie)
		assert.False(t, stale.Authenticated())
		assertRedirect(t, h.svc.SubmitOTP(ctx, stale, code), PathLogin, "", "")
	})

	t.Run("expired code fails", func(t *testing.T) {
		h := newHarness(t)
		cookie, code := pending(t, h)
		h.clock.Advance(10*time.Minute + time.Second)

		d := h.svc.SubmitOTP(ctx, h.rc(t, cookie), code)
		assertRedirect(t, d, PathOTP, "error", msgInvalidCode)
	})

	t.Run("code from a different ip fails", func(t *testing.T) {
		h := newHarness(t)
		cookie, code := pending(t, h)
		rc := h.rc(t, cookie)
		rc.IP = "10.9.9.9"

		d := h.svc.SubmitOTP(ctx, rc, code)
		assertRedirect(t, d, PathOTP, "error", msgInvalidCode)
	})

	t.Run("store failure keeps the code pending", func(t *testing.T) {
		h := newHarness(t)
		cookie, code := pending(t, h)
		h.users.SetVerifiedErr = errors.New("connection refused")

		d := h.svc.SubmitOTP(ctx, h.rc(t, cookie), code)
		assertRedirect(t, d, PathOTP, "error", msgUnexpected)
		rec, ok := h.record(t, cookie)
		require.True(t, ok)
		assert.Equal(t, code, rec.OTPCode)
	})

	t.Run("rate limited per session", func(t *testing.T) {
		h := newHarness(t)
		cookie, code := pending(t, h)
		rc := h.rc(t, cookie)
		h.limiter.Max = 1

		assertRedirect(t, h.svc.SubmitOTP(ctx, rc, wrongCode(code)), PathOTP, "error", msgInvalidCode)
		assertRedirect(t, h.svc.SubmitOTP(ctx, rc, code), PathOTP, "error", msgTooManyAttempts)
		assert.Contains(t, h.limiter.Keys, "otp:session:"+rc.Session.Rec.Key)
	})

	t.Run("guards", func(t *testing.T) {
		h := newHarness(t)
		assertRedirect(t, h.svc.SubmitOTP(ctx, h.rc(t, nil), "123456"), PathLogin, "", "")
		u := h.seedUser(t, "verified", true)
		assertRedirect(t, h.svc.SubmitOTP(ctx, h.rc(t, h.login(t, u)), "123456"), PathHome, "", "")
	})
}

// --- Password reset ---

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	const newPassword = "Brand-new1"

	// resetPending logs in a verified user and requests a reset code.
	resetPending := func(t *testing.T, h *harness) (*store.User, *http.Cookie, string) {
		t.Helper()
		u := h.seedUser(t, "alice", true)
		cookie := h.login(t, u)
		d := h.svc.RequestPasswordReset(ctx, h.rc(t, cookie), nil)
		require.Equal(t, "reset-password", d.View)
		require.Equal(t, "reset", h.mailer.Sent[len(h.mailer.Sent)-1].Purpose)
		return u, cookie, h.mailer.LastCode()
	}

	t.Run("request guards", func(t *testing.T) {
		h := newHarness(t)
		assertRedirect(t, h.svc.RequestPasswordReset(ctx, h.rc(t, nil), nil), PathLogin, "", "")
		cookie := h.unverifiedSession(t)
		assertRedirect(t, h.svc.RequestPasswordReset(ctx, h.rc(t, cookie), nil), PathOTP, "", "")
	})

	t.Run("correct code updates the password", func(t *testing.T) {
		h := newHarness(t)
		u, cookie, code := resetPending(t, h)

		d := h.svc.ResetPassword(ctx, h.rc(t, cookie), code, newPassword, newPassword)
		assertRedirect(t, d, PathHome, "success", "password updated")

		got, err := h.users.FindUserByID(ctx, u.ID)
		require.NoError(t, err)
		ok, err := h.svc.Hasher.Verify(newPassword, got.PasswordHash)
		require.NoError(t, err)
		assert.True(t, ok)

		next := sessionCookie(t, d)
		require.NotNil(t, next)
		assert.True(t, h.claimsOf(t, next).Verified)
		rec, _ := h.record(t, next)
		assert.Empty(t, rec.OTPCode)
		_, ok = h.record(t, cookie)
		assert.False(t, ok, "old session rotated away")
	})

	t.Run("input failures", func(t *testing.T) {
		tests := []struct {
			name     string
			password string
			confirm  string
			want     string
		}{
			{"mismatch", newPassword, newPassword + "x", msgPasswordsDiffer},
			{"weak", "weak", "weak", "Password must be at least 8 characters; Password must contain at least one uppercase letter; Password must contain at least one digit; Password must contain at least one special character"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				h := newHarness(t)
				_, cookie, code := resetPending(t, h)
				d := h.svc.ResetPassword(ctx, h.rc(t, cookie), code, tt.password, tt.confirm)
				assertRedirect(t, d, PathReset, "error", tt.want)
				rec, _ := h.record(t, cookie)
				assert.Equal(t, code, rec.OTPCode)
			})
		}
	})

	t.Run("verify code cannot reset", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", true)
		cookie := h.login(t, u)
		rc := h.rc(t, cookie)
		_, err := h.svc.OTP.Issue(ctx, rc.Session.Rec, u.Email, PurposeVerify, testIP)
		require.NoError(t, err)
		require.NoError(t, h.svc.Sessions.Save(ctx, rc.Session))

		d := h.svc.ResetPassword(ctx, h.rc(t, cookie), h.mailer.LastCode(), newPassword, newPassword)
		assertRedirect(t, d, PathReset, "error", msgInvalidCode)
	})

	t.Run("failed update leaves the code unconsumed", func(t *testing.T) {
		h := newHarness(t)
		u, cookie, code := resetPending(t, h)
		h.users.UpdatePasswordErr = errors.New("connection refused")

		d := h.svc.ResetPassword(ctx, h.rc(t, cookie), code, newPassword, newPassword)
		assertRedirect(t, d, PathReset, "error", msgUnexpected)

		rec, ok := h.record(t, cookie)
		require.True(t, ok)
		assert.Equal(t, code, rec.OTPCode)
		got, err := h.users.FindUserByID(ctx, u.ID)
		require.NoError(t, err)
		ok, err = h.svc.Hasher.Verify(testPassword, got.PasswordHash)
		require.NoError(t, err)
		assert.True(t, ok, "old password still valid")
	})

	t.Run("session failure after update asks for login", func(t *testing.T) {
		h := newHarness(t)
		_, cookie, code := resetPending(t, h)
		rc := h.rc(t, cookie)
		h.sessions.SaveErr = errors.New("redis down")

		d := h.svc.ResetPassword(ctx, rc, code, newPassword, newPassword)
		assertRedirect(t, d, PathLogin, "success", "password updated, please log in")
		_, ok := h.record(t, cookie)
		assert.False(t, ok, "old session holding the code is destroyed")
		c := sessionCookie(t, d)
		require.NotNil(t, c)
		assert.Equal(t, -1, c.MaxAge)
	})
}

// --- Logout ---

func TestShowLogout(t *testing.T) {
	t.Run("authenticated user sees the confirmation", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", true)
		cookie := h.login(t, u)

		d := h.svc.ShowLogout(h.rc(t, cookie), url.Values{})
		assert.Equal(t, "logout", d.View)
		assert.NotEmpty(t, d.Data["csrf_token"])
		assert.True(t, h.rc(t, cookie).Authenticated())
	})

	t.Run("anonymous goes home", func(t *testing.T) {
		h := newHarness(t)
		rc, _ := h.anon(t)
		assertRedirect(t, h.svc.ShowLogout(rc, url.Values{}), PathHome, "", "")
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("destroys the session", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", true)
		cookie := h.login(t, u)

		d, err := h.svc.Logout(ctx, h.rc(t, cookie))
		require.NoError(t, err)
		assertRedirect(t, d, PathHome, "", "")
		cleared := sessionCookie(t, d)
		require.NotNil(t, cleared)
		assert.Equal(t, -1, cleared.MaxAge)

		assert.False(t, h.rc(t, cookie).Authenticated())
		assert.Zero(t, h.sessions.Len())
	})

	t.Run("teardown failure is an error", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice", true)
		cookie := h.login(t, u)
		h.sessions.DeleteErr = errors.New("redis down")

		_, err := h.svc.Logout(ctx, h.rc(t, cookie))
		assert.ErrorIs(t, err, ErrSessionTeardown)
		assert.True(t, h.rc(t, cookie).Authenticated(), "still logged in")
	})

	t.Run("no session", func(t *testing.T) {
		h := newHarness(t)
		d, err := h.svc.Logout(ctx, h.rc(t, nil))
		require.NoError(t, err)
		assertRedirect(t, d, PathHome, "", "")
		assert.Equal(t, -1, sessionCookie(t, d).MaxAge)
	})
}
