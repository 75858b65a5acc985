package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based with hot reload (default), static.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// OAuthProvider exchanges an authorization code for a token and user info.
type OAuthProvider interface {
	ID() string
	EnvVars() []string
	IsConfigured() bool
	AuthorizeURL() string
	AuthorizeParams() map[string]string
	GetToken(ctx context.Context, code, redirectURL string) (string, error)

	// GetUserInfo returns the raw provider payload and a default user built from it.
	GetUserInfo(ctx context.Context, token string) (map[string]any, *domain.User, error)
}

// TokenBlacklist records revoked access tokens until they would have expired.
type TokenBlacklist interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}
