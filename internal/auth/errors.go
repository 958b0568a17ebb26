// errors.go -- Auth error taxonomy.
//
// Validation failures are *ValidationError, auth failures are the sentinels
// below, infrastructure failures are oops errors carrying an AUTH_* code.
package auth

import (
	"errors"
	"log/slog"

	"github.com/samber/oops"
)

// ErrOTPInvalid is returned for a missing, expired, mismatched, wrong-purpose, or wrong-IP code.
var ErrOTPInvalid = errors.New("invalid or expired code")

// ErrSessionTeardown is returned by Logout when the session record could not be deleted.
// The request must fail rather than pretend the user is logged out.
var ErrSessionTeardown = errors.New("failed to destroy session")

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")

// User-facing messages. Fixed strings only.
const (
	msgUnexpected      = "unexpected error, please try again"
	msgInvalidLogin    = "invalid email or password"
	msgInvalidCode     = "invalid or expired code"
	msgTooManyAttempts = "too many attempts, please try again later"
	msgPasswordsDiffer = "Passwords do not match"
	msgUsernameTaken   = "Username is already taken"
	msgEmailTaken      = "Email is already registered"
	msgCaptchaFailed   = "captcha verification failed"
)

// logOopsError logs err at error level, adding the oops code and context when present.
func logOopsError(msg string, err error, args ...any) {
	attrs := append([]any{}, args...)
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs = append(attrs, "error", oopsErr.Error())
		if code := oopsErr.Code(); code != nil {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
	} else {
		attrs = append(attrs, "error", err)
	}
	slog.Error(msg, attrs...)
}
