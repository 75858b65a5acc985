package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/chatline/internal/auth"
	"github.com/tjfontaine/chatline/internal/callbacks"
	"github.com/tjfontaine/chatline/internal/chat"
	"github.com/tjfontaine/chatline/internal/core/domain"
)

const oauthStateCookie = "oauth_state"

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	providers := make([]string, 0, len(s.oauth))
	for id := range s.oauth {
		providers = append(providers, id)
	}
	sort.Strings(providers)
	writeJSON(w, http.StatusOK, map[string]any{
		"requireLogin":   s.auth != nil && s.auth.Required,
		"passwordAuth":   s.callbacks.Has(callbacks.PasswordAuth),
		"headerAuth":     s.callbacks.Has(callbacks.HeaderAuth),
		"oauthProviders": providers,
	})
}

func (s *Server) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	if !s.callbacks.Has(callbacks.PasswordAuth) {
		writeError(w, domain.ErrNotFound("no password_auth_callback defined"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidRequest, "invalid form", err))
		return
	}
	ctx := chat.InitForHTTP(r.Context(), nil, "", nil)
	user, err := s.callbacks.AuthenticatePassword(ctx, r.PostForm.Get("username"), r.PostForm.Get("password"))
	s.finishLogin(w, r, user, err)
}

func (s *Server) handleHeaderLogin(w http.ResponseWriter, r *http.Request) {
	if !s.callbacks.Has(callbacks.HeaderAuth) {
		writeError(w, domain.ErrNotFound("no header_auth_callback defined"))
		return
	}
	ctx := chat.InitForHTTP(r.Context(), nil, "", nil)
	user, err := s.callbacks.AuthenticateHeaders(ctx, r.Header)
	s.finishLogin(w, r, user, err)
}

// finishLogin persists the authenticated user and issues its token.
func (s *Server) finishLogin(w http.ResponseWriter, r *http.Request, user *domain.User, err error) {
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	if user == nil {
		writeError(w, domain.ErrAuth("credentialssignin"))
		return
	}
	token, err := s.login(w, r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, user *domain.User) (string, error) {
	if s.auth == nil || s.auth.Tokens == nil {
		return "", domain.ErrConfig("auth secret not configured")
	}
	if s.dl != nil {
		if _, err := s.dl.CreateUser(r.Context(), *user); err != nil {
			s.logger.Error("failed to persist user",
				slog.String("user", user.Identifier),
				slog.String("error", err.Error()),
			)
		}
	}
	AddLogField(r.Context(), "user", user.Identifier)
	return s.auth.Login(w, r, *user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	user := GetUser(r.Context())
	if s.auth != nil {
		if err := s.auth.Logout(w, r); err != nil {
			s.logger.Warn("token not revoked", slog.String("error", err.Error()))
		}
	}
	if user != nil {
		ctx := chat.InitForHTTP(r.Context(), user, GetToken(r.Context()), nil)
		if err := s.callbacks.Logout(ctx, user); err != nil {
			AddError(r.Context(), err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	user := GetUser(r.Context())
	if s.dl != nil {
		persisted, err := s.dl.GetUser(r.Context(), user.Identifier)
		if err != nil {
			writeError(w, err)
			return
		}
		if persisted != nil {
			writeJSON(w, http.StatusOK, persisted)
			return
		}
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) redirectURL(r *http.Request, providerID string) string {
	base := strings.TrimRight(s.cfg().OAuth.RedirectBase, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host + s.cfg().Server.RootPath
	}
	return base + "/auth/oauth/" + providerID + "/callback"
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "provider")
	p, ok := s.oauth[id]
	if !ok {
		writeError(w, domain.ErrNotFound(id+" provider not found"))
		return
	}
	state, err := auth.NewSecret()
	if err != nil {
		writeError(w, err)
		return
	}

	q := url.Values{}
	for k, v := range p.AuthorizeParams() {
		q.Set(k, v)
	}
	q.Set("redirect_uri", s.redirectURL(r, id))
	q.Set("state", state)

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   int((3 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	http.Redirect(w, r, p.AuthorizeURL()+"?"+q.Encode(), http.StatusTemporaryRedirect)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "provider")
	p, ok := s.oauth[id]
	if !ok {
		writeError(w, domain.ErrNotFound(id+" provider not found"))
		return
	}
	loginPage := s.cfg().Server.RootPath + "/login"

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Redirect(w, r, loginPage+"?"+url.Values{"error": {e}}.Encode(), http.StatusTemporaryRedirect)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, domain.ErrInvalidRequest("missing code or state"))
		return
	}
	ck, err := r.Cookie(oauthStateCookie)
	if err != nil || ck.Value != state {
		writeError(w, domain.ErrAuth("oauth state mismatch"))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Path: "/", MaxAge: -1})

	token, err := p.GetToken(r.Context(), code, s.redirectURL(r, id))
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	raw, defaultUser, err := p.GetUserInfo(r.Context(), token)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	ctx := chat.InitForHTTP(r.Context(), nil, "", nil)
	user, err := s.callbacks.AuthenticateOAuth(ctx, id, token, raw, defaultUser)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	if user == nil {
		http.Redirect(w, r, loginPage+"?error=Unauthorized", http.StatusTemporaryRedirect)
		return
	}
	if _, err := s.login(w, r, user); err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, s.cfg().Server.RootPath+"/login/callback", http.StatusTemporaryRedirect)
}
