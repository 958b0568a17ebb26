// middleware.go

// Request authentication middleware.
package auth

import (
	"errors"
	"net/http"

	"github.com/gofrs/uuid/v5"
	"github.com/manublog/manu/internal/store"
)

// Authenticate builds the request's RequestContext from the session cookie.
//
// A session whose token parses and whose user still exists yields an Identity;
// verified status and profile fields come from the live user row. Every failure
// downgrades the request to anonymous rather than failing it. An authenticated
// session has its expiry slid forward and its cookie refreshed.
func (h *AuthHandler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := RequestContext{IP: clientIP(r)}

		sess, err := h.Svc.Sessions.Load(r.Context(), r)
		switch {
		case err == nil:
			rc.Session = sess
		case !errors.Is(err, ErrNoSession):
			logError(r, "loading session failed", "error", err)
		}

		if rc.Session != nil && rc.Session.Rec.Token != "" {
			if id := h.identify(r, rc.Session); id != nil {
				rc.Identity = id
				cookie, err := h.Svc.Sessions.Touch(r.Context(), rc.Session)
				if err != nil {
					logWarn(r, "refreshing session failed", "error", err)
				} else {
					http.SetCookie(w, cookie)
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
	})
}

// identify resolves a session's token to an Identity, or nil if it doesn't hold up.
func (h *AuthHandler) identify(r *http.Request, sess *Handle) *Identity {
	claims, err := h.Svc.Tokens.Parse(sess.Rec.Token)
	if err != nil {
		logWarn(r, "authentication downgraded", "reason", "invalid_token", "error", err)
		return nil
	}
	uid, err := uuid.FromString(claims.UserID)
	if err != nil {
		logWarn(r, "authentication downgraded", "reason", "invalid_user_id")
		return nil
	}
	user, err := h.Svc.Users.FindUserByID(r.Context(), uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logWarn(r, "authentication downgraded", "reason", "user_not_found", "user_id", uid.String())
		} else {
			logError(r, "authentication downgraded", "reason", "user_lookup_failed", "error", err)
		}
		return nil
	}
	return &Identity{
		UserID:   user.ID,
		Email:    user.Email,
		Username: user.Username,
		Verified: user.OTPVerified,
		IsAdmin:  user.IsAdmin,
	}
}

// EnsureSession starts an anonymous session when the request has none, so the
// form it is about to render carries a CSRF token. Must run after Authenticate.
func (h *AuthHandler) EnsureSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := FromContext(r.Context())
		if rc.Session != nil {
			next.ServeHTTP(w, r)
			return
		}

		sess, cookie, err := h.Svc.Sessions.Start(r.Context(), rc.IP)
		if err != nil {
			// Render without a session; the form's POST will fail CSRF and the user retries
			logError(r, "starting session failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		http.SetCookie(w, cookie)
		rc.Session = sess
		logDebug(r, "anonymous session started")
		next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
	})
}
