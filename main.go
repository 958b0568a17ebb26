package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manublog/manu/internal/auth"
	"github.com/manublog/manu/internal/blog"
	"github.com/manublog/manu/internal/captcha"
	"github.com/manublog/manu/internal/config"
	"github.com/manublog/manu/internal/mail"
	"github.com/manublog/manu/internal/observability"
	"github.com/manublog/manu/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Cancel ctx on SIGINT/SIGTERM; subcommands shut down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "err", err)
		stop()
		os.Exit(1)
	}
}

// setupLogging installs a JSON slog handler at the configured level.
func setupLogging(cfg *config.Config) {
	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))
}

// openPostgres connects and applies the embedded migrations.
func openPostgres(ctx context.Context, cfg *config.Config) (*store.PostgresStore, error) {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to set up postgres store: %w", err)
	}
	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return ps, nil
}

// deps are the storage-facing collaborators of the HTTP layer.
// run fills them with Postgres and Redis; smoke tests use in-memory mocks.
type deps struct {
	Users    auth.UserStore
	Sessions auth.SessionStore
	Limiter  auth.RateLimiter
	Blogs    blog.Store
	Mailer   mail.Mailer
	PS       auth.HealthChecker
	RS       auth.HealthChecker
}

// buildHandlers assembles the auth state machine and blog pages from cfg and d.
func buildHandlers(cfg *config.Config, d deps, m *observability.Metrics) (*auth.AuthHandler, *blog.Handler, error) {
	tokens, err := auth.NewTokenService([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, nil, fmt.Errorf("token service: %w", err)
	}

	svc := &auth.Service{
		Users:     d.Users,
		Validator: auth.NewValidator(d.Users),
		Hasher:    auth.NewArgon2idHasher(),
		OTP:       auth.NewOTPIssuer(d.Mailer, cfg.OTPTTL),
		Tokens:    tokens,
		Sessions:  auth.NewSessionManager(d.Sessions, cfg.CookieSecure),
		Limiter:   d.Limiter,
		Metrics:   m,
		Config: auth.Config{
			UnverifiedTTL: cfg.TokenTTLUnverified,
			VerifiedTTL:   cfg.TokenTTLVerified,
			LoginPolicy: store.RateLimit{
				MaxAttempts: cfg.RateLoginEmailMax,
				Window:      cfg.RateLoginEmailWindow,
				LockoutTTL:  cfg.RateLoginEmailLockout,
			},
			OTPPolicy: store.RateLimit{
				MaxAttempts: cfg.RateOTPMax,
				Window:      cfg.RateOTPWindow,
				LockoutTTL:  cfg.RateOTPLockout,
			},
		},
	}
	if cfg.TurnstileSecret != "" {
		svc.Captcha = captcha.NewTurnstileVerifier(cfg.TurnstileSecret)
	}

	ah := &auth.AuthHandler{Svc: svc, PS: d.PS, RS: d.RS}
	bh := &blog.Handler{Svc: &blog.Service{Blogs: d.Blogs, PageSize: cfg.BlogPageSize}}
	return ah, bh, nil
}

// newMailer picks the delivery path: SMTP (optionally behind the Redis queue) or log-only.
// The queue worker, when used, runs until ctx is done.
func newMailer(ctx context.Context, cfg *config.Config, rs *store.RedisStore, m *observability.Metrics) mail.Mailer {
	var sender mail.Sender = mail.NopSender{}
	if cfg.SMTPHost != "" {
		sender = mail.NewSMTPSender(mail.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			FromAddress: cfg.SMTPFromAddress,
		})
	}
	if cfg.MailQueue {
		q := mail.NewQueuedSender(sender, rs.Client(), mail.DefaultMaxQueueSize)
		q.OnFailure = m.MailFailed
		go q.StartWorker(ctx)
		sender = q
	}
	return mail.NewOTPMailer(sender, cfg.SiteName)
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (ps.Close, rs.Close) always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// A non-nil mailer replaces the configured delivery path (tests capture codes this way).
func run(ctx context.Context, cfg *config.Config, ready chan<- string, mailer mail.Mailer) error {
	ps, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer ps.Close()

	// One Redis client serves sessions, rate limits and the mail queue.
	rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis store: %w", err)
	}
	defer rs.Close()
	rl := store.NewRedisRateLimiter(rs.Client())

	// Mail worker stops with run(), before the Redis client closes.
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	metrics := observability.NewMetrics()
	if mailer == nil {
		mailer = newMailer(workerCtx, cfg, rs, metrics)
	}

	ah, bh, err := buildHandlers(cfg, deps{
		Users:    ps,
		Sessions: rs,
		Limiter:  rl,
		Blogs:    ps,
		Mailer:   mailer,
		PS:       ps,
		RS:       rs,
	}, metrics)
	if err != nil {
		return err
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(ah, bh, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("manu listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting connections, then waits for in-flight requests up to the timeout.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and the smoke tests.
func buildRouter(ah *auth.AuthHandler, bh *blog.Handler, m *observability.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", ah.CheckHealth)
	r.Handle("/metrics", m.Handler())

	// Everything below sees the RequestContext built from the session cookie.
	r.Group(func(r chi.Router) {
		r.Use(ah.Authenticate)
		bh.Routes(r)
		r.Mount("/users", ah.Routes())
	})

	return r
}
