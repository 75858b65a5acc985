package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/chatline/internal/auth"
	"github.com/tjfontaine/chatline/internal/core/domain"
)

type userKey struct{}

type tokenKey struct{}

// AuthMiddleware resolves the request's user from its bearer token or
// cookies. Anonymous requests pass through unless login is required;
// invalid or revoked tokens are always refused.
func AuthMiddleware(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				next.ServeHTTP(w, r)
				return
			}
			user, token, err := a.Authenticate(r)
			if err != nil {
				AddError(r.Context(), err)
				writeError(w, err)
				return
			}
			ctx := r.Context()
			if user != nil {
				AddLogField(ctx, "user", user.Identifier)
				ctx = context.WithValue(ctx, userKey{}, user)
				ctx = context.WithValue(ctx, tokenKey{}, token)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUser returns the authenticated user, or nil.
func GetUser(ctx context.Context) *domain.User {
	if u, ok := ctx.Value(userKey{}).(*domain.User); ok {
		return u
	}
	return nil
}

// GetToken returns the access token of the authenticated user, or "".
func GetToken(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey{}).(string)
	return t
}

// RequireUser refuses requests without an authenticated user.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUser(r.Context()) == nil {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
