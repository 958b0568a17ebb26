// validate.go -- Registration input validation.
//
// Rules run in a fixed order and every violation is collected, so the user
// sees all problems in one round trip.
package auth

import (
	"context"
	"fmt"
	netmail "net/mail"
	"strings"
	"unicode/utf8"

	"github.com/samber/oops"
)

const (
	usernameMin = 4
	usernameMax = 100
	emailMax    = 255
	bioMax      = 200
)

// UniquenessChecker answers "is this value already taken". Satisfied by *store.PostgresStore.
type UniquenessChecker interface {
	CountByUsername(ctx context.Context, username string) (int, error)
	CountByEmail(ctx context.Context, email string) (int, error)
}

// RegistrationInput is the raw form submitted at registration.
// Email is expected lower-cased and trimmed by the caller.
type RegistrationInput struct {
	Username string
	Email    string
	Password string
	Confirm  string
	Bio      string

	// Captcha is the widget token; only checked when a verifier is configured.
	Captcha string
}

// Violation is one failed rule.
type Violation struct {
	Field   string
	Message string
}

// ValidationError aggregates every violated rule.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return strings.Join(msgs, "; ")
}

// rule checks one field. A non-nil error is an infrastructure failure, not a violation.
type rule func(ctx context.Context, lookup UniquenessChecker, policy PasswordPolicy, in RegistrationInput) ([]Violation, error)

var registrationRules = []rule{
	usernameRule,
	emailRule,
	passwordRule,
	bioRule,
	confirmRule,
}

// Validator runs the registration rules against live storage.
type Validator struct {
	Lookup UniquenessChecker
	Policy PasswordPolicy
}

// NewValidator returns a Validator with DefaultPasswordPolicy.
func NewValidator(lookup UniquenessChecker) *Validator {
	return &Validator{Lookup: lookup, Policy: DefaultPasswordPolicy}
}

// ValidateRegistration returns nil when in is acceptable, *ValidationError listing every
// violation, or an oops error when a uniqueness lookup fails.
func (v *Validator) ValidateRegistration(ctx context.Context, in RegistrationInput) error {
	var all []Violation
	for _, r := range registrationRules {
		vs, err := r(ctx, v.Lookup, v.Policy, in)
		if err != nil {
			return err
		}
		all = append(all, vs...)
	}
	if len(all) > 0 {
		return &ValidationError{Violations: all}
	}
	return nil
}

func violation(field, msg string) []Violation {
	return []Violation{{Field: field, Message: msg}}
}

func usernameRule(ctx context.Context, lookup UniquenessChecker, _ PasswordPolicy, in RegistrationInput) ([]Violation, error) {
	n := utf8.RuneCountInString(in.Username)
	switch {
	case n < usernameMin:
		return violation("username", fmt.Sprintf("Username must be at least %d characters", usernameMin)), nil
	case n > usernameMax:
		return violation("username", fmt.Sprintf("Username must be at most %d characters", usernameMax)), nil
	}

	count, err := lookup.CountByUsername(ctx, in.Username)
	if err != nil {
		return nil, oops.Code("AUTH_STORE_FAILED").With("operation", "count username").Wrap(err)
	}
	if count > 0 {
		return violation("username", msgUsernameTaken), nil
	}
	return nil, nil
}

func emailRule(ctx context.Context, lookup UniquenessChecker, _ PasswordPolicy, in RegistrationInput) ([]Violation, error) {
	if in.Email == "" {
		return violation("email", "Email is required"), nil
	}
	if len(in.Email) > emailMax {
		return violation("email", fmt.Sprintf("Email must be at most %d characters", emailMax)), nil
	}
	// Bare addresses only; "Name <a@b>" parses but is not an email
	addr, err := netmail.ParseAddress(in.Email)
	if err != nil || addr.Address != in.Email {
		return violation("email", "Invalid email format"), nil
	}

	count, err := lookup.CountByEmail(ctx, in.Email)
	if err != nil {
		return nil, oops.Code("AUTH_STORE_FAILED").With("operation", "count email").Wrap(err)
	}
	if count > 0 {
		return violation("email", msgEmailTaken), nil
	}
	return nil, nil
}

func passwordRule(_ context.Context, _ UniquenessChecker, policy PasswordPolicy, in RegistrationInput) ([]Violation, error) {
	var vs []Violation
	for _, msg := range policy.Validate(in.Password) {
		vs = append(vs, Violation{Field: "password", Message: msg})
	}
	return vs, nil
}

func bioRule(_ context.Context, _ UniquenessChecker, _ PasswordPolicy, in RegistrationInput) ([]Violation, error) {
	if utf8.RuneCountInString(in.Bio) > bioMax {
		return violation("bio", fmt.Sprintf("Bio must be at most %d characters", bioMax)), nil
	}
	return nil, nil
}

func confirmRule(_ context.Context, _ UniquenessChecker, _ PasswordPolicy, in RegistrationInput) ([]Violation, error) {
	if in.Password != in.Confirm {
		return violation("confirm_password", msgPasswordsDiffer), nil
	}
	return nil, nil
}
