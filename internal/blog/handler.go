package blog

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/manublog/manu/internal/auth"
	"github.com/manublog/manu/internal/web"
)

// Handler exposes Service over HTTP.
type Handler struct {
	Svc *Service
}

// Routes registers the public pages on r. Authenticate must already wrap r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.Index)
	r.Get("/page/{page}", h.Page)
	r.Get("/blogs/{title}", h.Show)
}

// Index handles GET /.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, func() (web.Decision, error) {
		return h.Svc.Index(r.Context(), auth.FromContext(r.Context()), 1)
	})
}

// Page handles GET /page/{page}. A non-numeric page redirects home.
func (h *Handler) Page(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil {
		web.Write(w, r, web.Redirect("/"))
		return
	}
	h.write(w, r, func() (web.Decision, error) {
		return h.Svc.Index(r.Context(), auth.FromContext(r.Context()), page)
	})
}

// Show handles GET /blogs/{title}.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, func() (web.Decision, error) {
		return h.Svc.Show(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "title"))
	})
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, fn func() (web.Decision, error)) {
	d, err := fn()
	if err != nil {
		slog.Error("blog page failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		web.InternalServerError(w, "internal server error")
		return
	}
	web.Write(w, r, d)
}
