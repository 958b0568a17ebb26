// smtp_test.go
//
// Unit tests for pure mail helpers. No SMTP server required.
package mail

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func TestApplyVars(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{
			name: "substitutes known keys",
			tmpl: "Your code is %%code%%, valid for %%expiresIn%%",
			vars: map[string]string{"code": "123456", "expiresIn": "10 minutes"},
			want: "Your code is 123456, valid for 10 minutes",
		},
		{
			name: "strips unresolved placeholders",
			tmpl: "Hello %%name%%, code %%code%%",
			vars: map[string]string{"code": "123456"},
			want: "Hello , code 123456",
		},
		{
			name: "nil vars strips all placeholders",
			tmpl: "%%greeting%%",
			vars: nil,
			want: "",
		},
		{
			name: "no placeholders passes through unchanged",
			tmpl: "Hello there.",
			vars: map[string]string{"code": "1"},
			want: "Hello there.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyVars(tt.tmpl, tt.vars)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1 minute"},
		{10 * time.Minute, "10 minutes"},
		{time.Hour, "1 hour"},
		{2 * time.Hour, "2 hours"},
		{24 * time.Hour, "1 day"},
		{720 * time.Hour, "30 days"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatDuration(tt.d); got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestBuildMIME(t *testing.T) {
	msg := Message{To: "alice@x.com", Subject: "123456 is your code", Text: "plain 123456", HTML: "<p>123456</p>"}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("produces a parseable multipart/alternative message", func(t *testing.T) {
		raw, err := buildMIME("manu <noreply@manu.blog>", msg, "<id@manu.blog>", now)
		if err != nil {
			t.Fatalf("buildMIME: %v", err)
		}

		parsed, err := mail.ReadMessage(strings.NewReader(string(raw)))
		if err != nil {
			t.Fatalf("parsing message: %v", err)
		}
		if got := parsed.Header.Get("To"); got != "alice@x.com" {
			t.Errorf("To = %q", got)
		}
		if got := parsed.Header.Get("Message-ID"); got != "<id@manu.blog>" {
			t.Errorf("Message-ID = %q", got)
		}
		subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
		if err != nil || subject != msg.Subject {
			t.Errorf("Subject = %q (err %v), want %q", subject, err, msg.Subject)
		}

		mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/alternative" {
			t.Fatalf("Content-Type = %q (err %v)", mediaType, err)
		}
		mr := multipart.NewReader(parsed.Body, params["boundary"])
		var bodies []string
		for {
			p, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatalf("reading part: %v", err)
			}
			b, _ := io.ReadAll(p)
			bodies = append(bodies, string(b))
		}
		if len(bodies) != 2 || bodies[0] != msg.Text || bodies[1] != msg.HTML {
			t.Errorf("parts = %q", bodies)
		}
	})

	t.Run("rejects header injection", func(t *testing.T) {
		bad := msg
		bad.Subject = "hi\r\nBcc: evil@x.com"
		if _, err := buildMIME("noreply@manu.blog", bad, "<id@x>", now); !errors.Is(err, ErrHeaderInjection) {
			t.Errorf("expected ErrHeaderInjection, got %v", err)
		}
	})
}

func TestMessageID(t *testing.T) {
	tests := []struct {
		from string
		want string
	}{
		{"noreply@manu.blog", "<ID@manu.blog>"},
		{"manu <noreply@manu.blog>", "<ID@manu.blog>"},
		{"no-at-sign", "<ID@localhost>"},
	}
	for _, tt := range tests {
		t.Run(tt.from, func(t *testing.T) {
			if got := messageID("ID", tt.from); got != tt.want {
				t.Errorf("messageID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNopSender(t *testing.T) {
	t.Run("returns a delivery id without sending", func(t *testing.T) {
		id, err := NopSender{}.Send(context.Background(), Message{To: "a@x.com"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(id) != 26 {
			t.Errorf("expected a 26-char ULID, got %q", id)
		}
	})
}
