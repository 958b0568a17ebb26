// otp.go -- One-time code issuance and verification.
//
// Codes live on the session record, never in Postgres. A code is bound to one
// purpose and to the IP that requested it, and is cleared on first successful use.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/manublog/manu/internal/mail"
	"github.com/manublog/manu/internal/store"
	"github.com/samber/oops"
)

// OTPPurpose scopes a code to one flow.
type OTPPurpose string

const (
	PurposeVerify OTPPurpose = "verify"
	PurposeReset  OTPPurpose = "reset"
)

const otpDigits = 6

var otpModulus = big.NewInt(1_000_000)

// IssueResult describes the outcome of Issue.
// DeliveryID is empty when Reused is true (no mail was sent).
type IssueResult struct {
	DeliveryID string
	ExpiresAt  time.Time
	Reused     bool
}

// OTPIssuer generates, mails, and checks one-time codes.
type OTPIssuer struct {
	mailer mail.Mailer
	ttl    time.Duration
	now    func() time.Time
	random io.Reader
}

// NewOTPIssuer creates an issuer whose codes are valid for ttl.
func NewOTPIssuer(mailer mail.Mailer, ttl time.Duration) *OTPIssuer {
	return &OTPIssuer{mailer: mailer, ttl: ttl, now: time.Now, random: rand.Reader}
}

// TTL returns how long issued codes stay valid.
func (o *OTPIssuer) TTL() time.Duration {
	return o.ttl
}

// generateCode returns a uniformly random zero-padded 6-digit string.
func generateCode(r io.Reader) (string, error) {
	n, err := rand.Int(r, otpModulus)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

// Issue makes sure sess holds a pending code for purpose, pinned to ip.
//
// An unexpired code for the same purpose and IP is kept and nothing is mailed.
// Otherwise a new code is mailed to email and, only once the send succeeds,
// written onto sess, replacing any previous code. The caller persists sess.
func (o *OTPIssuer) Issue(ctx context.Context, sess *store.Session, email string, purpose OTPPurpose, ip string) (IssueResult, error) {
	now := o.now()
	if sess.OTPCode != "" && sess.OTPPurpose == string(purpose) && sess.IP == ip && now.Before(sess.OTPExpiresAt) {
		return IssueResult{ExpiresAt: sess.OTPExpiresAt, Reused: true}, nil
	}

	code, err := generateCode(o.random)
	if err != nil {
		return IssueResult{}, oops.Code("AUTH_OTP_GENERATE_FAILED").Wrap(err)
	}

	deliveryID, err := o.mailer.SendOTP(ctx, email, code, string(purpose), o.ttl)
	if err != nil {
		return IssueResult{}, oops.Code("AUTH_MAIL_FAILED").With("purpose", string(purpose)).Wrap(err)
	}

	expiresAt := now.Add(o.ttl)
	sess.OTPCode = code
	sess.OTPPurpose = string(purpose)
	sess.OTPExpiresAt = expiresAt
	sess.IP = ip
	return IssueResult{DeliveryID: deliveryID, ExpiresAt: expiresAt}, nil
}

// Verify checks submitted against the pending code on sess.
// Fails with ErrOTPInvalid (wrapped with the reason) when there is no pending code,
// the purpose differs, the code expired, the code differs, or ip is not the session's IP.
// On success the code is cleared from sess; on failure sess is untouched.
func (o *OTPIssuer) Verify(sess *store.Session, submitted string, purpose OTPPurpose, ip string) error {
	switch {
	case sess.OTPCode == "":
		return fmt.Errorf("%w: no pending code", ErrOTPInvalid)
	case sess.OTPPurpose != string(purpose):
		return fmt.Errorf("%w: purpose mismatch", ErrOTPInvalid)
	case !o.now().Before(sess.OTPExpiresAt):
		return fmt.Errorf("%w: expired", ErrOTPInvalid)
	}
	codeOK := subtle.ConstantTimeCompare([]byte(submitted), []byte(sess.OTPCode)) == 1
	ipOK := subtle.ConstantTimeCompare([]byte(ip), []byte(sess.IP)) == 1
	if !codeOK {
		return fmt.Errorf("%w: mismatch", ErrOTPInvalid)
	}
	if !ipOK {
		return fmt.Errorf("%w: ip mismatch", ErrOTPInvalid)
	}

	sess.ClearOTP()
	return nil
}
