// Package runtime assembles a chat app from configuration and callbacks:
// storage, data layer, authentication, sessions, the persistence queue,
// the websocket hub and the HTTP server. It owns their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/chatline/internal/callbacks"
	"github.com/tjfontaine/chatline/internal/core/ports"
	"github.com/tjfontaine/chatline/internal/persist"
	"github.com/tjfontaine/chatline/internal/pkg/config"
	"github.com/tjfontaine/chatline/internal/server"
	"github.com/tjfontaine/chatline/internal/session"
	"github.com/tjfontaine/chatline/internal/socket"
	"github.com/tjfontaine/chatline/internal/tokens"
)

// App is a running chat application.
type App struct {
	// Dependencies (injected via options)
	config     ports.ConfigProvider
	callbacks  *callbacks.Registry
	dataLayer  ports.DataLayer
	storage    ports.StorageClient
	blacklist  ports.TokenBlacklist
	extraOAuth []ports.OAuthProvider
	tokens     *tokens.Registry
	listener   net.Listener
	logger     *slog.Logger

	// Built at Start
	current  atomic.Pointer[config.Config]
	sessions *session.Registry
	queue    *persist.Queue
	hub      *socket.Hub
	server   *server.Server
	closers  []func() error

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan error
	started bool
	mu      sync.Mutex
}

// New creates an App with the given options.
func New(opts ...Option) (*App, error) {
	a := &App{
		logger: slog.Default(),
		tokens: tokens.NewRegistry(),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if a.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}
	if l, ok := a.config.(interface{ SetLogger(*slog.Logger) }); ok {
		l.SetLogger(a.logger)
	}
	if a.callbacks == nil {
		a.logger.Info("no callbacks registered, the app will accept connections but never answer")
		a.callbacks = callbacks.NewBuilder().Build()
	}
	return a, nil
}

// Config returns the current configuration.
func (a *App) Config() *config.Config {
	return a.current.Load()
}

// Start builds every component and begins serving. It returns once the
// listener is open.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("app already started")
	}

	cfg, err := a.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.current.Store(cfg)

	if err := a.build(ctx, cfg); err != nil {
		a.closeAll()
		return err
	}

	ln := a.listener
	if ln == nil {
		ln, err = net.Listen("tcp", cfg.Server.Addr())
		if err != nil {
			a.closeAll()
			return fmt.Errorf("listen: %w", err)
		}
		a.listener = ln
	}

	var handler http.Handler = a.server.Router
	if root := cfg.Server.RootPath; root != "" && root != "/" {
		r := chi.NewRouter()
		r.Mount(root, a.server.Router)
		handler = r
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan error, 1)
	go func() {
		a.done <- a.server.Serve(a.ctx, ln, handler)
	}()
	go a.watchConfig()

	a.started = true
	a.logger.Info("chatline started",
		slog.String("addr", ln.Addr().String()),
		slog.String("data_layer", cfg.DataLayer.Type),
		slog.String("storage", cfg.Storage.Type))
	return nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	var setup storageSetup
	if a.storage == nil {
		var err error
		setup, err = buildStorage(ctx, cfg.Storage, a.logger)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		a.storage = setup.client
	}

	if a.dataLayer == nil {
		dl, err := buildDataLayer(cfg.DataLayer, a.storage, a.logger)
		if err != nil {
			return fmt.Errorf("init data layer: %w", err)
		}
		if dl != nil {
			a.dataLayer = dl
			a.closers = append(a.closers, dl.Close)
		}
	}

	if a.blacklist == nil {
		bl, closer, err := buildBlacklist(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.blacklist = bl
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	authenticator, err := buildAuthenticator(cfg, a.callbacks, a.blacklist)
	if err != nil {
		return err
	}
	oauth, err := buildOAuth(cfg.OAuth, a.callbacks, a.extraOAuth)
	if err != nil {
		return err
	}

	a.sessions = session.NewRegistry(cfg.Project.SessionTimeout, a.logger)
	a.queue = persist.NewQueue(a.dataLayer, cfg.Project.PersistConcurrency, a.logger)
	a.queue.SetFailOnError(cfg.Project.FailOnPersistError)

	a.hub = socket.NewHub(socket.Options{
		Sessions:  a.sessions,
		Queue:     a.queue,
		Callbacks: a.callbacks,
		Auth:      authenticator,
		Config:    a.Config,
		Tokens:    a.tokens,
		Logger:    a.logger,
	})

	a.server = server.New(server.Options{
		Config:      a.Config,
		DataLayer:   a.dataLayer,
		Auth:        authenticator,
		OAuth:       oauth,
		Callbacks:   a.callbacks,
		Sessions:    a.sessions,
		Websocket:   a.hub,
		Logger:      a.logger,
		Files:       setup.files,
		FilesPrefix: setup.prefix,
	})
	return nil
}

// Addr returns the address the app listens on, or nil before Start.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Handler returns the HTTP handler, or nil before Start.
func (a *App) Handler() http.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return nil
	}
	return a.server.Router
}

// Wait blocks until the server stops and returns its error.
func (a *App) Wait() error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done == nil {
		return nil
	}
	return <-done
}

// Shutdown stops serving, closes live connections, drains the persistence
// queue and closes the data layer.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.logger.Info("shutting down chatline")

	a.cancel()
	var serveErr error
	select {
	case serveErr = <-a.done:
		a.done <- serveErr
	case <-ctx.Done():
		serveErr = ctx.Err()
	}

	a.hub.Close()
	a.queue.Stop()
	a.closeAll()

	if err := a.config.Close(); err != nil {
		a.logger.Error("failed to close config", slog.String("error", err.Error()))
	}
	a.started = false
	a.logger.Info("chatline shutdown complete")
	return serveErr
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("failed to close resource", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// watchConfig applies reloaded configs and tells clients to refresh.
func (a *App) watchConfig() {
	if err := a.config.Watch(a.ctx, a.reload); err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload swaps in a new config. Storage, data layer and auth are fixed at
// Start; UI, feature and session settings take effect immediately.
func (a *App) reload(cfg *config.Config) {
	a.logger.Info("config changed, reloading")
	a.current.Store(cfg)
	a.sessions.SetGrace(cfg.Project.SessionTimeout)
	a.queue.SetFailOnError(cfg.Project.FailOnPersistError)
	a.hub.Broadcast("reload", nil)
}
