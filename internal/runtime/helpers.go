package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/chatline/internal/auth"
	"github.com/tjfontaine/chatline/internal/callbacks"
	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
	"github.com/tjfontaine/chatline/internal/datalayer/memory"
	"github.com/tjfontaine/chatline/internal/datalayer/sqldb"
	"github.com/tjfontaine/chatline/internal/pkg/config"
	"github.com/tjfontaine/chatline/internal/pkg/safehttp"
	"github.com/tjfontaine/chatline/internal/storage/local"
	"github.com/tjfontaine/chatline/internal/storage/s3"
	"github.com/tjfontaine/chatline/internal/storage/urlcache"
)

// staticProvider serves a fixed config and never reloads.
type staticProvider struct {
	cfg *config.Config
}

func (p *staticProvider) Load(ctx context.Context) (*config.Config, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	return p.cfg, nil
}

func (p *staticProvider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	return nil
}

func (p *staticProvider) Close() error { return nil }

// storageSetup is the storage client plus, for local storage, the handler
// serving its objects.
type storageSetup struct {
	client ports.StorageClient
	files  http.Handler
	prefix string
}

func buildStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storageSetup, error) {
	switch cfg.Type {
	case "local":
		c, err := local.New(cfg.Local.Dir, cfg.Local.BaseURL)
		if err != nil {
			return storageSetup{}, err
		}
		logger.Info("storage initialized", slog.String("type", "local"), slog.String("dir", cfg.Local.Dir))
		return storageSetup{client: c, files: c.Handler(), prefix: c.BaseURL()}, nil
	case "s3":
		c, err := s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			URLExpiry: cfg.S3.URLExpiry,
		}, logger)
		if err != nil {
			return storageSetup{}, err
		}
		return storageSetup{client: urlcache.New(c, c.URLExpiry()/2)}, nil
	default:
		return storageSetup{}, nil
	}
}

func buildDataLayer(cfg config.DataLayerConfig, storage ports.StorageClient, logger *slog.Logger) (ports.DataLayer, error) {
	switch cfg.Type {
	case "memory":
		logger.Info("data layer initialized", slog.String("type", "memory"))
		return memory.New(storage), nil
	case "sqlite", "postgres":
		store, err := sqldb.New(sqldb.Config{Driver: cfg.Type, DSN: cfg.DSN}, storage)
		if err != nil {
			return nil, err
		}
		logger.Info("data layer initialized", slog.String("type", cfg.Type))
		return store, nil
	default:
		return nil, nil
	}
}

// authEnabled reports whether anything can issue tokens.
func authEnabled(cfg *config.Config, reg *callbacks.Registry) bool {
	return cfg.Auth.RequireLogin ||
		reg.Has(callbacks.PasswordAuth) ||
		reg.Has(callbacks.HeaderAuth) ||
		reg.Has(callbacks.OAuth)
}

func buildAuthenticator(cfg *config.Config, reg *callbacks.Registry, blacklist ports.TokenBlacklist) (*auth.Authenticator, error) {
	a := &auth.Authenticator{
		Cookies: auth.Cookies{
			Name:      cfg.Auth.CookieName,
			Path:      cfg.Auth.CookiePath,
			SameSite:  auth.ParseSameSite(cfg.Auth.CookieSameSite),
			Secure:    auth.ParseSameSite(cfg.Auth.CookieSameSite) == http.SameSiteNoneMode,
			ChunkSize: cfg.Auth.CookieChunkSize,
			MaxAge:    cfg.Auth.TokenTTL,
		},
		Blacklist: blacklist,
		Required:  cfg.Auth.RequireLogin,
	}
	if cfg.Auth.Secret == "" && !authEnabled(cfg, reg) {
		return a, nil
	}
	tokens, err := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}
	a.Tokens = tokens
	return a, nil
}

func buildBlacklist(ctx context.Context, cfg config.RedisConfig) (ports.TokenBlacklist, func() error, error) {
	if cfg.URL == "" {
		return auth.NewMemoryBlacklist(), nil, nil
	}
	bl, err := auth.NewRedisBlacklist(ctx, cfg.URL)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindConfig, "token blacklist", err)
	}
	return bl, bl.Close, nil
}

func buildOAuth(cfg config.OAuthConfig, reg *callbacks.Registry, extra []ports.OAuthProvider) (map[string]ports.OAuthProvider, error) {
	providers := auth.Providers(cfg, safehttp.NewClient(30*time.Second))
	for _, p := range extra {
		providers[p.ID()] = p
	}
	if len(providers) > 0 && !reg.Has(callbacks.OAuth) {
		return nil, domain.ErrConfig("OAuth providers are configured but no oauth callback is registered")
	}
	return providers, nil
}
