package auth

import (
	"context"
	"net"
	"net/http"

	"github.com/gofrs/uuid/v5"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const requestContextKey contextKey = "request_context"

// Identity is an authenticated user, built from a verified token and a live user row.
type Identity struct {
	UserID   uuid.UUID
	Email    string
	Username string
	Verified bool
	IsAdmin  bool
}

// RequestContext is what the Authenticate middleware learned about a request.
// Built once, stored by value, never mutated afterward.
type RequestContext struct {
	IP       string
	Session  *Handle   // nil when the request carries no session
	Identity *Identity // nil when anonymous
}

// Authenticated reports whether the request carries a valid identity.
func (rc RequestContext) Authenticated() bool {
	return rc.Identity != nil
}

// Verified reports whether the request's user has completed OTP verification.
func (rc RequestContext) Verified() bool {
	return rc.Identity != nil && rc.Identity.Verified
}

// CSRFToken returns the session's CSRF token, or "" without a session.
func (rc RequestContext) CSRFToken() string {
	if rc.Session == nil {
		return ""
	}
	return rc.Session.Rec.CSRFToken
}

// WithRequestContext returns ctx carrying rc.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext returns the RequestContext stored by Authenticate,
// or an anonymous zero value when the middleware has not run.
func FromContext(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey).(RequestContext)
	return rc
}

// clientIP returns the request's IP without port.
// chi's RealIP middleware has already replaced RemoteAddr from proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
