// otp.go
//
// OTPMailer composes one-time-code emails and hands them to a Sender.
package mail

import (
	"context"
	"fmt"
	"time"
)

// Mailer sends one-time codes. Satisfied by *OTPMailer.
type Mailer interface {
	// SendOTP emails code to the recipient. purpose is "verify" or "reset" and selects the copy;
	// expiresIn is rendered as "valid for N minutes". Returns the delivery id.
	SendOTP(ctx context.Context, to, code, purpose string, expiresIn time.Duration) (string, error)
}

type otpTemplate struct {
	subject string
	text    string
	html    string
}

// Subjects carry the code.
var otpTemplates = map[string]otpTemplate{
	"verify": {
		subject: "%%code%% is your %%site%% verification code",
		text: "Hi,\n\n" +
			"Your verification code is %%code%%.\n\n" +
			"It is valid for %%expiresIn%%. If you did not create an account, ignore this email.\n\n" +
			"%%site%%",
		html: "<p>Hi,</p>" +
			"<p>Your verification code is <strong>%%code%%</strong>.</p>" +
			"<p>It is valid for %%expiresIn%%. If you did not create an account, ignore this email.</p>" +
			"<p>%%site%%</p>",
	},
	"reset": {
		subject: "%%code%% is your %%site%% password reset code",
		text: "Hi,\n\n" +
			"Use the code %%code%% to choose a new password.\n\n" +
			"It is valid for %%expiresIn%%. If you did not ask to reset your password, ignore this email.\n\n" +
			"%%site%%",
		html: "<p>Hi,</p>" +
			"<p>Use the code <strong>%%code%%</strong> to choose a new password.</p>" +
			"<p>It is valid for %%expiresIn%%. If you did not ask to reset your password, ignore this email.</p>" +
			"<p>%%site%%</p>",
	},
}

// OTPMailer renders OTP emails for a site name and delivers them through a Sender
// (SMTPSender directly, or QueuedSender for async delivery).
type OTPMailer struct {
	sender Sender
	site   string
}

// NewOTPMailer creates an OTPMailer. site is used in subjects and the sign-off.
func NewOTPMailer(sender Sender, site string) *OTPMailer {
	return &OTPMailer{sender: sender, site: site}
}

// Compose renders the message for code without sending it.
func (m *OTPMailer) Compose(to, code, purpose string, expiresIn time.Duration) (Message, error) {
	tmpl, ok := otpTemplates[purpose]
	if !ok {
		return Message{}, fmt.Errorf("unknown otp purpose %q", purpose)
	}
	vars := map[string]string{
		"code":      code,
		"site":      m.site,
		"expiresIn": formatDuration(expiresIn),
	}
	return Message{
		To:      to,
		Subject: applyVars(tmpl.subject, vars),
		Text:    applyVars(tmpl.text, vars),
		HTML:    applyVars(tmpl.html, vars),
	}, nil
}

// SendOTP composes and sends the code email.
func (m *OTPMailer) SendOTP(ctx context.Context, to, code, purpose string, expiresIn time.Duration) (string, error) {
	msg, err := m.Compose(to, code, purpose, expiresIn)
	if err != nil {
		return "", err
	}
	id, err := m.sender.Send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("sending %s code: %w", purpose, err)
	}
	return id, nil
}
