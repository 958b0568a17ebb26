// turnstile_test.go -- unit tests for TurnstileVerifier.Verify.
package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSiteverify answers with status and body, sending the submitted form on got when non-nil.
func fakeSiteverify(t *testing.T, status int, body string, got chan<- url.Values) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if got != nil {
			got <- r.PostForm
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTurnstileVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted token", func(t *testing.T) {
		forms := make(chan url.Values, 1)
		srv := fakeSiteverify(t, http.StatusOK, `{"success":true}`, forms)
		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL)

		require.NoError(t, v.Verify(ctx, "token", "10.0.0.1"))
		got := <-forms
		assert.Equal(t, "test-secret", got.Get("secret"))
		assert.Equal(t, "token", got.Get("response"))
		assert.Equal(t, "10.0.0.1", got.Get("remoteip"))
	})

	t.Run("rejected token names the error codes", func(t *testing.T) {
		srv := fakeSiteverify(t, http.StatusOK, `{"success":false,"error-codes":["invalid-input-response","timeout-or-duplicate"]}`, nil)
		v := NewTurnstileVerifier("test-secret").WithEndpoint(srv.URL)

		err := v.Verify(ctx, "bad-token", "10.0.0.1")
		assert.ErrorIs(t, err, ErrRejected)
		assert.ErrorContains(t, err, "invalid-input-response,timeout-or-duplicate")
	})

	t.Run("empty token skips the request", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
		defer srv.Close()

		err := NewTurnstileVerifier("s").WithEndpoint(srv.URL).Verify(ctx, "", "10.0.0.1")
		assert.ErrorIs(t, err, ErrRejected)
		assert.False(t, called)
	})

	t.Run("server error is not a rejection", func(t *testing.T) {
		srv := fakeSiteverify(t, http.StatusBadGateway, `oops`, nil)
		err := NewTurnstileVerifier("s").WithEndpoint(srv.URL).Verify(ctx, "token", "10.0.0.1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRejected)
	})

	t.Run("malformed json", func(t *testing.T) {
		srv := fakeSiteverify(t, http.StatusOK, `{not json`, nil)
		err := NewTurnstileVerifier("s").WithEndpoint(srv.URL).Verify(ctx, "token", "10.0.0.1")
		assert.ErrorContains(t, err, "decoding response")
	})

	t.Run("network error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close()
		err := NewTurnstileVerifier("s").WithEndpoint(srv.URL).Verify(ctx, "token", "10.0.0.1")
		assert.ErrorContains(t, err, "request failed")
	})
}
