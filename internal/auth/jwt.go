package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// DefaultTokenTTL is used when the configured lifetime is zero.
const DefaultTokenTTL = 15 * 24 * time.Hour

// Claims is the payload of an access token.
type Claims struct {
	Identifier  string         `json:"identifier"`
	DisplayName string         `json:"display_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 access tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a token codec. An empty secret is a configuration error.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, domain.ErrConfig("auth.secret is required when authentication is enabled; run `chatline create-secret`")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns the lifetime of issued tokens.
func (t *Tokens) TTL() time.Duration {
	return t.ttl
}

// Issue signs a token for user.
func (t *Tokens) Issue(user domain.User) (string, error) {
	now := t.now()
	claims := Claims{
		Identifier:  user.Identifier,
		DisplayName: user.DisplayName,
		Metadata:    user.Metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Identifier,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", domain.Wrap(domain.KindAuth, "sign token", err)
	}
	return signed, nil
}

// Parse verifies token and returns the user it was issued for.
func (t *Tokens) Parse(token string) (*domain.User, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrAuth("token expired")
		}
		return nil, domain.Wrap(domain.KindAuth, "invalid token", err)
	}
	if claims.Identifier == "" {
		return nil, domain.ErrAuth("token has no identifier")
	}
	return &domain.User{
		Identifier:  claims.Identifier,
		DisplayName: claims.DisplayName,
		Metadata:    claims.Metadata,
	}, nil
}

// NewSecret returns a random secret suitable for auth.secret.
func NewSecret() (string, error) {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
