// Package server exposes the HTTP surface: authentication, thread and
// element endpoints, feedback, file upload, project settings, static UI
// assets and the websocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/chatline/internal/auth"
	"github.com/tjfontaine/chatline/internal/callbacks"
	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
	"github.com/tjfontaine/chatline/internal/pkg/config"
	"github.com/tjfontaine/chatline/internal/session"
)

// Options wires the server to the rest of the app.
type Options struct {
	// Config returns the current global configuration.
	Config    func() *config.Config
	DataLayer ports.DataLayer
	Auth      *auth.Authenticator
	OAuth     map[string]ports.OAuthProvider
	Callbacks *callbacks.Registry
	Sessions  *session.Registry
	// Websocket serves /ws.
	Websocket http.Handler
	Logger    *slog.Logger
	// LoginLimit bounds login attempts per client address per minute.
	LoginLimit int
	// Files serves stored element content under FilesPrefix.
	Files       http.Handler
	FilesPrefix string
}

type Server struct {
	Router *chi.Mux

	cfg       func() *config.Config
	dl        ports.DataLayer
	auth      *auth.Authenticator
	oauth     map[string]ports.OAuthProvider
	callbacks *callbacks.Registry
	sessions  *session.Registry
	logger    *slog.Logger
	started   time.Time
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = callbacks.NewBuilder().Build()
	}
	if opts.Config == nil {
		cfg := config.Default()
		opts.Config = func() *config.Config { return cfg }
	}
	if opts.LoginLimit == 0 {
		opts.LoginLimit = 20
	}

	s := &Server{
		cfg:       opts.Config,
		dl:        opts.DataLayer,
		auth:      opts.Auth,
		oauth:     opts.OAuth,
		callbacks: opts.Callbacks,
		sessions:  opts.Sessions,
		logger:    opts.Logger,
		started:   time.Now(),
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(opts.Logger))
	r.Use(TimeoutMiddleware(60 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "chatline")
	})

	r.Get("/health", s.handleHealth)
	r.Get("/auth/config", s.handleAuthConfig)
	r.Get("/logo", s.handleLogo)
	r.Get("/favicon", s.handleFavicon)

	limiter := NewRateLimiter(opts.LoginLimit, time.Minute)
	r.With(limiter.Middleware).Post("/login", s.handlePasswordLogin)
	r.With(limiter.Middleware).Post("/auth/header", s.handleHeaderLogin)
	r.Get("/auth/oauth/{provider}", s.handleOAuthStart)
	r.Get("/auth/oauth/{provider}/callback", s.handleOAuthCallback)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Auth))
		r.Post("/logout", s.handleLogout)
		r.With(RequireUser).Get("/user", s.handleUser)
		r.Get("/project/settings", s.handleProjectSettings)

		r.Post("/project/threads", s.handleListThreads)
		r.Get("/project/thread/{threadID}", s.handleGetThread)
		r.Put("/project/thread", s.handleRenameThread)
		r.Put("/project/thread/share", s.handleShareThread)
		r.Delete("/project/thread", s.handleDeleteThread)
		r.Get("/project/thread/{threadID}/element/{elementID}", s.handleGetElement)

		r.Put("/feedback", s.handleUpsertFeedback)
		r.Delete("/feedback", s.handleDeleteFeedback)

		r.Post("/project/file", s.handleUpload)
		r.Get("/project/file/{fileID}", s.handleServeFile)
	})

	if opts.Websocket != nil {
		r.Handle("/ws", opts.Websocket)
	}
	if opts.Files != nil && opts.FilesPrefix != "" {
		r.With(AuthMiddleware(opts.Auth)).Handle(opts.FilesPrefix+"/*", opts.Files)
	}
	r.NotFound(s.handleStatic)

	s.Router = r
	return s
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. Handler wraps the router when non-nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	if handler == nil {
		handler = s.Router
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes {"detail": ...} with the status mapped from err. The
// details of server-side failures other than misconfiguration are not exposed.
func writeError(w http.ResponseWriter, err error) {
	e := domain.ToError(err)
	status := e.HTTPStatusCode()
	detail := e.Message
	if status >= http.StatusInternalServerError && e.Kind != domain.KindConfig {
		detail = "Internal server error"
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Wrap(domain.KindInvalidRequest, "invalid JSON body", err)
	}
	return nil
}
