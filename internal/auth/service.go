// service.go -- The auth state machine.
//
// Each method is one guarded transition. It returns a web.Decision for the
// HTTP layer; validation, auth and infrastructure failures all become
// redirects carrying a message. The only error returned is ErrSessionTeardown.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/manublog/manu/internal/observability"
	"github.com/manublog/manu/internal/store"
	"github.com/manublog/manu/internal/web"
	"github.com/samber/oops"
)

// Paths the state machine redirects between.
const (
	PathHome     = "/"
	PathRegister = "/users/register"
	PathLogin    = "/users/login"
	PathOTP      = "/users/otp"
	PathReset    = "/users/password/reset"
	PathLogout   = "/users/logout"
)

// UserStore defines user operations needed by the state machine.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go convention.
type UserStore interface {
	UniquenessChecker

	// FindUserByEmail returns store.ErrNotFound if no user has email.
	FindUserByEmail(ctx context.Context, email string) (*store.User, error)

	// FindUserByID returns store.ErrNotFound if the user was deleted.
	FindUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	// CreateUser returns store.ErrDuplicate when username or email is taken.
	CreateUser(ctx context.Context, u store.NewUser) error

	SetOTPVerified(ctx context.Context, id uuid.UUID) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter -- defined here per Go convention.
type RateLimiter interface {
	// Allow returns store.ErrRateLimitExceeded when locked out.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// CaptchaVerifier checks a human-verification token.
// Satisfied by *captcha.TurnstileVerifier.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// Config holds token lifetimes and rate limit policies.
type Config struct {
	UnverifiedTTL time.Duration
	VerifiedTTL   time.Duration
	LoginPolicy   store.RateLimit
	OTPPolicy     store.RateLimit
}

// DefaultConfig matches the documented defaults.
var DefaultConfig = Config{
	UnverifiedTTL: 48 * time.Hour,
	VerifiedTTL:   720 * time.Hour,
	LoginPolicy:   store.RateLimit{MaxAttempts: 10, Window: 10 * time.Minute, LockoutTTL: 15 * time.Minute},
	OTPPolicy:     store.RateLimit{MaxAttempts: 5, Window: 10 * time.Minute, LockoutTTL: 10 * time.Minute},
}

// Service orchestrates registration, login, OTP verification, password reset and logout.
type Service struct {
	Users     UserStore
	Validator *Validator
	Hasher    Hasher
	OTP       *OTPIssuer
	Tokens    *TokenService
	Sessions  *SessionManager
	Limiter   RateLimiter
	Captcha   CaptchaVerifier // nil disables the registration check
	Metrics   *observability.Metrics
	Config    Config

	dummyOnce sync.Once
	dummyHash string
}

// dummyPasswordHash is hashed once with the live hasher so the unknown-email
// path costs the same as a real verify.
func (s *Service) dummyPasswordHash() string {
	s.dummyOnce.Do(func() {
		h, err := s.Hasher.Hash("dummy-password-for-timing-parity")
		if err != nil {
			slog.Error("computing dummy password hash failed", "error", err)
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// formData echoes flash messages from the query string and adds the session's CSRF token.
func formData(rc RequestContext, q url.Values) map[string]any {
	return map[string]any{
		"error":      q.Get("error"),
		"success":    q.Get("success"),
		"csrf_token": rc.CSRFToken(),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// fail logs an infrastructure failure and redirects to path with the generic message.
func (s *Service) fail(op string, rc RequestContext, path string, err error) web.Decision {
	logOopsError(op+" failed", err, "ip", rc.IP)
	s.Metrics.AuthEvent(op, "error")
	return web.RedirectWithError(path, msgUnexpected)
}

// --- Registration ---

// ShowRegister renders the registration form. Authenticated users go home.
func (s *Service) ShowRegister(rc RequestContext, q url.Values) web.Decision {
	if rc.Authenticated() {
		return web.Redirect(PathHome)
	}
	return web.Render("register", formData(rc, q))
}

// Register validates in, creates an unverified user, and binds a short-lived token
// to the session. Success leads to the OTP page.
func (s *Service) Register(ctx context.Context, rc RequestContext, in RegistrationInput) web.Decision {
	if rc.Authenticated() {
		return web.Redirect(PathHome)
	}
	in.Username = strings.TrimSpace(in.Username)
	in.Email = normalizeEmail(in.Email)

	if s.Captcha != nil {
		if err := s.Captcha.Verify(ctx, in.Captcha, rc.IP); err != nil {
			slog.Info("registration rejected", "ip", rc.IP, "reason", "captcha", "error", err)
			s.Metrics.AuthEvent("register", "captcha_failed")
			return web.RedirectWithError(PathRegister, msgCaptchaFailed)
		}
	}

	if err := s.Validator.ValidateRegistration(ctx, in); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			slog.Debug("registration rejected", "ip", rc.IP, "violations", len(ve.Violations))
			s.Metrics.AuthEvent("register", "invalid")
			return web.RedirectWithError(PathRegister, ve.Error())
		}
		return s.fail("register", rc, PathRegister, err)
	}

	hash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		return s.fail("register", rc, PathRegister, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return s.fail("register", rc, PathRegister, oops.Code("AUTH_ID_FAILED").Wrap(err))
	}

	nu := store.NewUser{ID: id, Username: in.Username, Email: in.Email, PasswordHash: hash}
	if in.Bio != "" {
		bio := in.Bio
		nu.Bio = &bio
	}
	if err := s.Users.CreateUser(ctx, nu); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with a concurrent registration
			msg := msgEmailTaken
			var de *store.DuplicateError
			if errors.As(err, &de) && de.Field() == "username" {
				msg = msgUsernameTaken
			}
			s.Metrics.AuthEvent("register", "duplicate")
			return web.RedirectWithError(PathRegister, msg)
		}
		return s.fail("register", rc, PathRegister, oops.Code("AUTH_STORE_FAILED").With("operation", "create user").Wrap(err))
	}

	user := &store.User{ID: id, Username: nu.Username, Email: nu.Email}
	token, err := s.Tokens.Issue(user, s.Config.UnverifiedTTL)
	if err != nil {
		return s.fail("register", rc, PathLogin, oops.Code("AUTH_TOKEN_FAILED").Wrap(err))
	}
	_, cookie, err := s.Sessions.Bind(ctx, rc.Session, token, rc.IP, s.Config.UnverifiedTTL)
	if err != nil {
		// The account exists; logging in again binds a fresh session
		logOopsError("register: binding session failed", oops.Code("AUTH_SESSION_FAILED").Wrap(err), "ip", rc.IP)
		return web.RedirectWithSuccess(PathLogin, "account created, please log in")
	}

	slog.Info("user registered", "ip", rc.IP, "user_id", id.String())
	s.Metrics.AuthEvent("register", "success")
	return web.Redirect(PathOTP).WithCookies(cookie)
}

// --- Login ---

// ShowLogin renders the login form. Authenticated users go home.
func (s *Service) ShowLogin(rc RequestContext, q url.Values) web.Decision {
	if rc.Authenticated() {
		return web.Redirect(PathHome)
	}
	return web.Render("login", formData(rc, q))
}

// Login checks credentials and binds a token: long-lived when the user is verified,
// short-lived otherwise. Unknown email and wrong password share one message.
func (s *Service) Login(ctx context.Context, rc RequestContext, email, password string) web.Decision {
	if rc.Authenticated() {
		return web.Redirect(PathHome)
	}
	email = normalizeEmail(email)
	if email == "" || password == "" {
		s.Metrics.AuthEvent("login", "invalid_credentials")
		return web.RedirectWithError(PathLogin, msgInvalidLogin)
	}

	if err := s.Limiter.Allow(ctx, "login:email:"+email, s.Config.LoginPolicy); err != nil {
		if errors.Is(err, store.ErrRateLimitExceeded) {
			slog.Info("login rejected", "ip", rc.IP, "reason", "rate_limited")
			s.Metrics.AuthEvent("login", "rate_limited")
			return web.RedirectWithError(PathLogin, msgTooManyAttempts)
		}
		return s.fail("login", rc, PathLogin, oops.Code("AUTH_RATELIMIT_FAILED").Wrap(err))
	}

	user, err := s.Users.FindUserByEmail(ctx, email)
	if err != nil {
		// Burn a verify either way so timing doesn't reveal which branch ran
		_, _ = s.Hasher.Verify(password, s.dummyPasswordHash())
		if errors.Is(err, store.ErrNotFound) {
			slog.Info("login rejected", "ip", rc.IP, "reason", "user_not_found")
			s.Metrics.AuthEvent("login", "invalid_credentials")
			return web.RedirectWithError(PathLogin, msgInvalidLogin)
		}
		return s.fail("login", rc, PathLogin, oops.Code("AUTH_STORE_FAILED").With("operation", "find user").Wrap(err))
	}

	ok, err := s.Hasher.Verify(password, user.PasswordHash)
	if err != nil {
		logOopsError("login: stored hash unreadable", err, "ip", rc.IP, "user_id", user.ID.String())
	}
	if !ok {
		slog.Info("login rejected", "ip", rc.IP, "reason", "wrong_password", "user_id", user.ID.String())
		s.Metrics.AuthEvent("login", "invalid_credentials")
		return web.RedirectWithError(PathLogin, msgInvalidLogin)
	}

	if s.Hasher.NeedsUpgrade(user.PasswordHash) {
		s.upgradeHash(ctx, user.ID, password)
	}

	ttl := s.Config.UnverifiedTTL
	next := PathOTP
	if user.OTPVerified {
		ttl = s.Config.VerifiedTTL
		next = PathHome
	}
	token, err := s.Tokens.Issue(user, ttl)
	if err != nil {
		return s.fail("login", rc, PathLogin, oops.Code("AUTH_TOKEN_FAILED").Wrap(err))
	}
	_, cookie, err := s.Sessions.Bind(ctx, rc.Session, token, rc.IP, ttl)
	if err != nil {
		return s.fail("login", rc, PathLogin, oops.Code("AUTH_SESSION_FAILED").Wrap(err))
	}

	slog.Info("user logged in", "ip", rc.IP, "user_id", user.ID.String(), "verified", user.OTPVerified)
	s.Metrics.AuthEvent("login", "success")
	return web.Redirect(next).WithCookies(cookie)
}

// upgradeHash rehashes a legacy digest. Best effort: failure only logs.
func (s *Service) upgradeHash(ctx context.Context, id uuid.UUID, password string) {
	hash, err := s.Hasher.Hash(password)
	if err == nil {
		err = s.Users.UpdatePassword(ctx, id, hash)
	}
	if err != nil {
		slog.Warn("password hash upgrade failed", "user_id", id.String(), "error", err)
		return
	}
	slog.Info("password hash upgraded", "user_id", id.String())
}

// --- OTP verification ---

// RequestOTP issues (or reuses) a verification code for an authenticated, unverified user
// and renders the OTP form.
func (s *Service) RequestOTP(ctx context.Context, rc RequestContext, q url.Values) web.Decision {
	switch {
	case !rc.Authenticated():
		return web.Redirect(PathLogin)
	case rc.Verified():
		return web.Redirect(PathHome)
	}
	return s.issueAndRender(ctx, rc, q, PurposeVerify, "otp")
}

// issueAndRender runs the OTP issuer for purpose and renders view.
// Infrastructure failures render the form with the generic message instead of
// redirecting back to the same GET.
func (s *Service) issueAndRender(ctx context.Context, rc RequestContext, q url.Values, purpose OTPPurpose, view string) web.Decision {
	data := formData(rc, q)
	op := "otp_" + string(purpose)

	h := rc.Session.Clone()
	res, err := s.OTP.Issue(ctx, h.Rec, rc.Identity.Email, purpose, rc.IP)
	if err != nil {
		logOopsError(op+" issue failed", err, "ip", rc.IP, "user_id", rc.Identity.UserID.String())
		s.Metrics.AuthEvent(op, "error")
		if oopsErr, ok := oops.AsOops(err); ok && oopsErr.Code() == "AUTH_MAIL_FAILED" {
			s.Metrics.MailFailed()
		}
		data["error"] = msgUnexpected
		return web.Render(view, data)
	}
	if !res.Reused {
		if err := s.Sessions.Save(ctx, h); err != nil {
			logOopsError(op+" saving session failed", oops.Code("AUTH_SESSION_FAILED").Wrap(err), "ip", rc.IP)
			s.Metrics.AuthEvent(op, "error")
			data["error"] = msgUnexpected
			return web.Render(view, data)
		}
		slog.Info("otp issued", "ip", rc.IP, "user_id", rc.Identity.UserID.String(), "purpose", purpose, "delivery_id", res.DeliveryID)
	}
	s.Metrics.OTP(string(purpose), res.Reused)

	data["email"] = rc.Identity.Email
	data["expires_at"] = res.ExpiresAt
	return web.Render(view, data)
}

// checkOTPLimit applies the per-session attempt limit for code submissions.
// Returns a non-nil decision when the request must stop.
func (s *Service) checkOTPLimit(ctx context.Context, rc RequestContext, op, path string) *web.Decision {
	err := s.Limiter.Allow(ctx, "otp:session:"+rc.Session.Rec.Key, s.Config.OTPPolicy)
	if err == nil {
		return nil
	}
	var d web.Decision
	if errors.Is(err, store.ErrRateLimitExceeded) {
		slog.Info(op+" rejected", "ip", rc.IP, "reason", "rate_limited")
		s.Metrics.AuthEvent(op, "rate_limited")
		d = web.RedirectWithError(path, msgTooManyAttempts)
	} else {
		d = s.fail(op, rc, path, oops.Code("AUTH_RATELIMIT_FAILED").Wrap(err))
	}
	return &d
}

// SubmitOTP verifies the code, marks the user verified, and binds a long-lived token.
// On any failure before the session is saved the code stays pending.
func (s *Service) SubmitOTP(ctx context.Context, rc RequestContext, code string) web.Decision {
	switch {
	case !rc.Authenticated():
		return web.Redirect(PathLogin)
	case rc.Verified():
		return web.Redirect(PathHome)
	}
	if d := s.checkOTPLimit(ctx, rc, "otp_verify", PathOTP); d != nil {
		return *d
	}

	h := rc.Session.Clone()
	if err := s.OTP.Verify(h.Rec, strings.TrimSpace(code), PurposeVerify, rc.IP); err != nil {
		slog.Info("otp rejected", "ip", rc.IP, "user_id", rc.Identity.UserID.String(), "reason", err.Error())
		s.Metrics.AuthEvent("otp_verify", "invalid")
		return web.RedirectWithError(PathOTP, msgInvalidCode)
	}

	id := rc.Identity
	verified := &store.User{ID: id.UserID, Username: id.Username, Email: id.Email, OTPVerified: true}
	token, err := s.Tokens.Issue(verified, s.Config.VerifiedTTL)
	if err != nil {
		return s.fail("otp_verify", rc, PathOTP, oops.Code("AUTH_TOKEN_FAILED").Wrap(err))
	}
	if err := s.Users.SetOTPVerified(ctx, id.UserID); err != nil {
		return s.fail("otp_verify", rc, PathOTP, oops.Code("AUTH_STORE_FAILED").With("operation", "set otp verified").Wrap(err))
	}
	_, cookie, err := s.Sessions.Bind(ctx, h, token, rc.IP, s.Config.VerifiedTTL)
	if err != nil {
		// User row is verified; a fresh login picks up the long-lived token
		logOopsError("otp_verify: binding session failed", oops.Code("AUTH_SESSION_FAILED").Wrap(err), "ip", rc.IP)
		return web.RedirectWithSuccess(PathLogin, "account verified, please log in")
	}

	slog.Info("user verified", "ip", rc.IP, "user_id", id.UserID.String())
	s.Metrics.AuthEvent("otp_verify", "success")
	return web.RedirectWithSuccess(PathHome, "account verified").WithCookies(cookie)
}

// --- Password reset ---

// RequestPasswordReset issues (or reuses) a reset code for a verified user and renders the form.
func (s *Service) RequestPasswordReset(ctx context.Context, rc RequestContext, q url.Values) web.Decision {
	switch {
	case !rc.Authenticated():
		return web.Redirect(PathLogin)
	case !rc.Verified():
		return web.Redirect(PathOTP)
	}
	return s.issueAndRender(ctx, rc, q, PurposeReset, "reset-password")
}

// ResetPassword checks the new password and the reset code, stores the new hash,
// and rebinds the session with a fresh token. The code is consumed only once the
// password row has been updated.
func (s *Service) ResetPassword(ctx context.Context, rc RequestContext, code, password, confirm string) web.Decision {
	switch {
	case !rc.Authenticated():
		return web.Redirect(PathLogin)
	case !rc.Verified():
		return web.Redirect(PathOTP)
	}

	if password != confirm {
		return web.RedirectWithError(PathReset, msgPasswordsDiffer)
	}
	if failures := s.Validator.Policy.Validate(password); len(failures) > 0 {
		s.Metrics.AuthEvent("password_reset", "invalid")
		return web.RedirectWithError(PathReset, strings.Join(failures, "; "))
	}
	if d := s.checkOTPLimit(ctx, rc, "password_reset", PathReset); d != nil {
		return *d
	}

	h := rc.Session.Clone()
	if err := s.OTP.Verify(h.Rec, strings.TrimSpace(code), PurposeReset, rc.IP); err != nil {
		slog.Info("reset code rejected", "ip", rc.IP, "user_id", rc.Identity.UserID.String(), "reason", err.Error())
		s.Metrics.AuthEvent("password_reset", "invalid")
		return web.RedirectWithError(PathReset, msgInvalidCode)
	}

	hash, err := s.Hasher.Hash(password)
	if err != nil {
		return s.fail("password_reset", rc, PathReset, err)
	}
	id := rc.Identity
	user := &store.User{ID: id.UserID, Username: id.Username, Email: id.Email, OTPVerified: true}
	token, err := s.Tokens.Issue(user, s.Config.VerifiedTTL)
	if err != nil {
		return s.fail("password_reset", rc, PathReset, oops.Code("AUTH_TOKEN_FAILED").Wrap(err))
	}
	if err := s.Users.UpdatePassword(ctx, id.UserID, hash); err != nil {
		return s.fail("password_reset", rc, PathReset, oops.Code("AUTH_STORE_FAILED").With("operation", "update password").Wrap(err))
	}
	_, cookie, err := s.Sessions.Bind(ctx, h, token, rc.IP, s.Config.VerifiedTTL)
	if err != nil {
		// Password changed but the old record still holds the code; drop it
		logOopsError("password_reset: binding session failed", oops.Code("AUTH_SESSION_FAILED").Wrap(err), "ip", rc.IP)
		cleared, derr := s.Sessions.Destroy(ctx, rc.Session)
		if derr != nil {
			slog.Error("password_reset: destroying old session failed", "ip", rc.IP, "error", derr)
		}
		return web.RedirectWithSuccess(PathLogin, "password updated, please log in").WithCookies(cleared)
	}

	slog.Info("password reset", "ip", rc.IP, "user_id", id.UserID.String())
	s.Metrics.AuthEvent("password_reset", "success")
	return web.RedirectWithSuccess(PathHome, "password updated").WithCookies(cookie)
}

// --- Logout ---

// ShowLogout renders the logout confirmation. Anonymous visitors go home.
func (s *Service) ShowLogout(rc RequestContext, q url.Values) web.Decision {
	if !rc.Authenticated() {
		return web.Redirect(PathHome)
	}
	return web.Render("logout", formData(rc, q))
}

// Logout destroys the session record and clears the cookie.
// A storage failure returns ErrSessionTeardown; the caller must answer 500.
func (s *Service) Logout(ctx context.Context, rc RequestContext) (web.Decision, error) {
	if rc.Session == nil {
		return web.Redirect(PathHome).WithCookies(s.Sessions.ExpiredCookie()), nil
	}
	cookie, err := s.Sessions.Destroy(ctx, rc.Session)
	if err != nil {
		logOopsError("logout failed", oops.Code("AUTH_SESSION_TEARDOWN_FAILED").Wrap(err), "ip", rc.IP)
		s.Metrics.AuthEvent("logout", "error")
		return web.Decision{}, errors.Join(ErrSessionTeardown, err)
	}
	if rc.Identity != nil {
		slog.Info("user logged out", "ip", rc.IP, "user_id", rc.Identity.UserID.String())
	}
	s.Metrics.AuthEvent("logout", "success")
	return web.Redirect(PathHome).WithCookies(cookie), nil
}
