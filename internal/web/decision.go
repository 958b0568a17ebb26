// Package web turns state machine decisions into HTTP responses.
//
// Handlers never render HTML; a Decision is either a named view with a payload,
// written as JSON, or a 303 redirect.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
)

// Decision is the terminal outcome of a request: render View with Data, or redirect to Location.
// Cookies are set before either.
type Decision struct {
	View     string
	Data     map[string]any
	Location string
	Cookies  []*http.Cookie
}

// Render builds a view decision. A nil data map is written as {}.
func Render(view string, data map[string]any) Decision {
	if data == nil {
		data = map[string]any{}
	}
	return Decision{View: view, Data: data}
}

// Redirect builds a redirect decision to path.
func Redirect(path string) Decision {
	return Decision{Location: path}
}

// RedirectWithError redirects to path carrying msg in the error query parameter.
func RedirectWithError(path, msg string) Decision {
	return Redirect(withQuery(path, "error", msg))
}

// RedirectWithSuccess redirects to path carrying msg in the success query parameter.
func RedirectWithSuccess(path, msg string) Decision {
	return Redirect(withQuery(path, "success", msg))
}

func withQuery(path, key, value string) string {
	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// WithCookies returns a copy of d that also sets cookies. Nil cookies are skipped.
func (d Decision) WithCookies(cookies ...*http.Cookie) Decision {
	out := d
	out.Cookies = append([]*http.Cookie(nil), d.Cookies...)
	for _, c := range cookies {
		if c != nil {
			out.Cookies = append(out.Cookies, c)
		}
	}
	return out
}

// IsRedirect reports whether d is a redirect.
func (d Decision) IsRedirect() bool {
	return d.Location != ""
}

// viewBody is the JSON shape of a rendered view.
type viewBody struct {
	View string         `json:"view"`
	Data map[string]any `json:"data"`
}

// Write sets the decision's cookies, then either redirects (303) or writes the view as JSON (200).
func Write(w http.ResponseWriter, r *http.Request, d Decision) {
	for _, c := range d.Cookies {
		http.SetCookie(w, c)
	}
	if d.IsRedirect() {
		http.Redirect(w, r, d.Location, http.StatusSeeOther)
		return
	}
	// Views carry CSRF tokens
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, viewBody{View: d.View, Data: d.Data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing json response failed", "error", err)
	}
}
