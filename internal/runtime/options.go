package runtime

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/tjfontaine/chatline/internal/adapters/config/file"
	"github.com/tjfontaine/chatline/internal/callbacks"
	"github.com/tjfontaine/chatline/internal/core/ports"
	"github.com/tjfontaine/chatline/internal/pkg/config"
	"github.com/tjfontaine/chatline/internal/tokens"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithFileConfig reads path and reloads it when the file changes.
func WithFileConfig(path string) Option {
	return func(a *App) error {
		provider, err := file.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		a.config = provider
		return nil
	}
}

// WithConfig uses a fixed configuration. It is validated at Start.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		a.config = &staticProvider{cfg: cfg}
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(a *App) error {
		a.config = provider
		return nil
	}
}

// WithCallbacks sets the handlers the app dispatches to.
func WithCallbacks(reg *callbacks.Registry) Option {
	return func(a *App) error {
		a.callbacks = reg
		return nil
	}
}

// WithDataLayer overrides the data layer built from data_layer config.
func WithDataLayer(dl ports.DataLayer) Option {
	return func(a *App) error {
		a.dataLayer = dl
		return nil
	}
}

// WithStorage overrides the storage client built from storage config.
func WithStorage(sc ports.StorageClient) Option {
	return func(a *App) error {
		a.storage = sc
		return nil
	}
}

// WithBlacklist overrides the token blacklist.
func WithBlacklist(bl ports.TokenBlacklist) Option {
	return func(a *App) error {
		a.blacklist = bl
		return nil
	}
}

// WithOAuthProvider adds an OAuth provider next to the configured ones.
func WithOAuthProvider(p ports.OAuthProvider) Option {
	return func(a *App) error {
		a.extraOAuth = append(a.extraOAuth, p)
		return nil
	}
}

// WithTokenCounter registers a token counter ahead of tiktoken.
func WithTokenCounter(c tokens.Counter) Option {
	return func(a *App) error {
		a.tokens.Register(c)
		return nil
	}
}

// WithListener serves on ln instead of listening on server.host:server.port.
func WithListener(ln net.Listener) Option {
	return func(a *App) error {
		a.listener = ln
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}
