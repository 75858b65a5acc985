// Package auth issues and verifies access tokens, stores them in chunked
// cookies, revokes them on logout, and talks to OAuth providers.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
)

// Authenticator resolves the user behind a request from its bearer token
// or its token cookies.
type Authenticator struct {
	Tokens    *Tokens
	Cookies   Cookies
	Blacklist ports.TokenBlacklist
	// Required refuses anonymous requests.
	Required bool
}

// ExtractBearer returns the token of an "Authorization: Bearer" header.
func ExtractBearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", domain.ErrAuth("missing Authorization header")
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 {
		return "", domain.ErrAuth("invalid Authorization header format")
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return "", domain.ErrAuth("unsupported authorization scheme")
	}
	return parts[1], nil
}

// TokenFrom returns the request's access token, preferring the header.
func (a *Authenticator) TokenFrom(r *http.Request) string {
	if tok, err := ExtractBearer(r); err == nil {
		return tok
	}
	return a.Cookies.Read(r)
}

// Authenticate returns the request's user and token. Without a token it
// returns a nil user, or an auth error when login is required.
func (a *Authenticator) Authenticate(r *http.Request) (*domain.User, string, error) {
	token := a.TokenFrom(r)
	if token == "" || a.Tokens == nil {
		if a.Required {
			return nil, "", domain.ErrAuth("authentication required")
		}
		return nil, "", nil
	}
	user, err := a.Verify(r.Context(), token)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Verify checks token against the blacklist and decodes it.
func (a *Authenticator) Verify(ctx context.Context, token string) (*domain.User, error) {
	if a.Blacklist != nil {
		revoked, err := a.Blacklist.IsRevoked(ctx, token)
		if err != nil {
			return nil, domain.Wrap(domain.KindAuth, "check token revocation", err)
		}
		if revoked {
			return nil, domain.ErrAuth("token revoked")
		}
	}
	return a.Tokens.Parse(token)
}

// Login issues a token for user and writes it as cookies.
func (a *Authenticator) Login(w http.ResponseWriter, r *http.Request, user domain.User) (string, error) {
	token, err := a.Tokens.Issue(user)
	if err != nil {
		return "", err
	}
	a.Cookies.Set(w, r, token)
	return token, nil
}

// Logout clears the cookies and revokes the request's token.
func (a *Authenticator) Logout(w http.ResponseWriter, r *http.Request) error {
	token := a.TokenFrom(r)
	a.Cookies.Clear(w, r)
	if token == "" || a.Blacklist == nil || a.Tokens == nil {
		return nil
	}
	return a.Blacklist.Revoke(r.Context(), token, a.Tokens.TTL())
}
