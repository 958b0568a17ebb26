// handler.go -- HTTP handlers for all /users/* endpoints.
//
// Handlers only parse form input and write the Service's decision; every
// transition rule lives in service.go.
package auth

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/manublog/manu/internal/captcha"
	"github.com/manublog/manu/internal/web"
)

// maxFormBytes bounds a form body. Registration with a 200-char bio is well under it.
const maxFormBytes = 64 << 10

// AuthHandler holds dependencies for all /users/* HTTP handlers and middleware.
type AuthHandler struct {
	Svc *Service
	PS  HealthChecker
	RS  HealthChecker
}

// Routes returns the /users subrouter. Authenticate must already wrap the parent router.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(limitFormBody, RequireCSRF)

	r.With(h.EnsureSession).Get("/register", h.ShowRegister)
	r.Post("/register", h.Register)
	r.With(h.EnsureSession).Get("/login", h.ShowLogin)
	r.Post("/login", h.Login)
	r.Get("/otp", h.RequestOTP)
	r.Post("/otp", h.SubmitOTP)
	r.Get("/password/reset", h.RequestPasswordReset)
	r.Post("/password/reset", h.ResetPassword)
	r.Get("/logout", h.ShowLogout)
	r.Post("/logout", h.Logout)
	return r
}

// limitFormBody caps request bodies before anything parses the form.
func limitFormBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		next.ServeHTTP(w, r)
	})
}

// ShowRegister handles GET /users/register.
func (h *AuthHandler) ShowRegister(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	web.Write(w, r, h.Svc.ShowRegister(rc, r.URL.Query()))
}

// Register handles POST /users/register -- username, email, password, confirm_password, bio,
// plus the Turnstile token when a CAPTCHA is configured.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	in := RegistrationInput{
		Username: r.PostFormValue("username"),
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
		Confirm:  r.PostFormValue("confirm_password"),
		Bio:      r.PostFormValue("bio"),
		Captcha:  r.PostFormValue(captcha.FormField),
	}
	web.Write(w, r, h.Svc.Register(r.Context(), rc, in))
}

// ShowLogin handles GET /users/login.
func (h *AuthHandler) ShowLogin(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	web.Write(w, r, h.Svc.ShowLogin(rc, r.URL.Query()))
}

// Login handles POST /users/login -- email + password.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	d := h.Svc.Login(r.Context(), rc, r.PostFormValue("email"), r.PostFormValue("password"))
	web.Write(w, r, d)
}

// RequestOTP handles GET /users/otp -- mails a verification code and renders the form.
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	web.Write(w, r, h.Svc.RequestOTP(r.Context(), rc, r.URL.Query()))
}

// SubmitOTP handles POST /users/otp -- code.
func (h *AuthHandler) SubmitOTP(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	web.Write(w, r, h.Svc.SubmitOTP(r.Context(), rc, r.PostFormValue("code")))
}

// RequestPasswordReset handles GET /users/password/reset -- mails a reset code and renders the form.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	web.Write(w, r, h.Svc.RequestPasswordReset(r.Context(), rc, r.URL.Query()))
}

// ResetPassword handles POST /users/password/reset -- code, password, confirm_password.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	d := h.Svc.ResetPassword(r.Context(), rc,
		r.PostFormValue("code"),
		r.PostFormValue("password"),
		r.PostFormValue("confirm_password"),
	)
	web.Write(w, r, d)
}

// ShowLogout handles GET /users/logout. It only renders the confirmation form;
// a cross-site link must not be able to end the session.
func (h *AuthHandler) ShowLogout(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	web.Write(w, r, h.Svc.ShowLogout(rc, r.URL.Query()))
}

// Logout handles POST /users/logout.
// Returns 500 if the session record could not be deleted.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	d, err := h.Svc.Logout(r.Context(), rc)
	if err != nil {
		if errors.Is(err, ErrSessionTeardown) {
			web.InternalServerError(w, ErrSessionTeardown.Error())
			return
		}
		logError(r, "logout failed", "error", err)
		web.InternalServerError(w, "internal server error")
		return
	}
	web.Write(w, r, d)
}
