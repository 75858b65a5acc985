package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
	"github.com/tjfontaine/chatline/internal/pkg/config"
)

// Endpoints of an OAuth provider. Tests point them at recorded servers.
type Endpoints struct {
	Authorize string
	Token     string
	UserInfo  string
	Emails    string
}

var (
	GitHubEndpoints = Endpoints{
		Authorize: "https://github.com/login/oauth/authorize",
		Token:     "https://github.com/login/oauth/access_token",
		UserInfo:  "https://api.github.com/user",
		Emails:    "https://api.github.com/user/emails",
	}
	GoogleEndpoints = Endpoints{
		Authorize: "https://accounts.google.com/o/oauth2/v2/auth",
		Token:     "https://oauth2.googleapis.com/token",
		UserInfo:  "https://www.googleapis.com/userinfo/v2/me",
	}
)

type provider struct {
	id        string
	cfg       config.OAuthProviderConfig
	endpoints Endpoints
	client    *http.Client
	params    map[string]string
}

func (p *provider) ID() string { return p.id }

func (p *provider) EnvVars() []string {
	up := strings.ToUpper(p.id)
	return []string{
		config.EnvPrefix + "OAUTH__" + up + "__CLIENT_ID",
		config.EnvPrefix + "OAUTH__" + up + "__CLIENT_SECRET",
	}
}

func (p *provider) IsConfigured() bool {
	return p.cfg.ClientID != "" && p.cfg.ClientSecret != ""
}

func (p *provider) AuthorizeURL() string { return p.endpoints.Authorize }

func (p *provider) AuthorizeParams() map[string]string {
	out := map[string]string{"client_id": p.cfg.ClientID}
	for k, v := range p.params {
		out[k] = v
	}
	if p.cfg.Prompt != "" {
		out["prompt"] = p.cfg.Prompt
	}
	return out
}

// exchange posts the authorization code and returns the access token.
func (p *provider) exchange(ctx context.Context, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoints.Token, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var body struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := p.do(req, &body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		msg := body.Description
		if msg == "" {
			msg = body.Error
		}
		return "", domain.ErrAuth(fmt.Sprintf("%s token exchange failed: %s", p.id, msg))
	}
	return body.AccessToken, nil
}

func (p *provider) get(ctx context.Context, endpoint, authz string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authz)
	req.Header.Set("Accept", "application/json")
	return p.do(req, v)
}

func (p *provider) do(req *http.Request, v any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Wrap(domain.KindAuth, p.id+" request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Wrap(domain.KindAuth, p.id+" read response", err)
	}
	if resp.StatusCode >= 300 {
		return domain.ErrAuth(fmt.Sprintf("%s returned %d: %s", p.id, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.Wrap(domain.KindAuth, p.id+" decode response", err)
	}
	return nil
}

// GitHubProvider signs users in with GitHub.
type GitHubProvider struct{ provider }

var _ ports.OAuthProvider = (*GitHubProvider)(nil)

func NewGitHubProvider(cfg config.OAuthProviderConfig, endpoints Endpoints, client *http.Client) *GitHubProvider {
	return &GitHubProvider{provider{
		id:        "github",
		cfg:       cfg,
		endpoints: endpoints,
		client:    client,
		params:    map[string]string{"scope": "user:email"},
	}}
}

func (g *GitHubProvider) GetToken(ctx context.Context, code, redirectURL string) (string, error) {
	return g.exchange(ctx, url.Values{
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
		"code":          {code},
		"redirect_uri":  {redirectURL},
	})
}

func (g *GitHubProvider) GetUserInfo(ctx context.Context, token string) (map[string]any, *domain.User, error) {
	var raw map[string]any
	if err := g.get(ctx, g.endpoints.UserInfo, "token "+token, &raw); err != nil {
		return nil, nil, err
	}
	var emails []struct {
		Email   string `json:"email"`
		Primary bool   `json:"primary"`
	}
	if g.endpoints.Emails != "" {
		if err := g.get(ctx, g.endpoints.Emails, "token "+token, &emails); err != nil {
			return nil, nil, err
		}
	}
	for _, e := range emails {
		if e.Primary {
			raw["email"] = e.Email
			break
		}
	}

	login, _ := raw["login"].(string)
	if login == "" {
		return nil, nil, domain.ErrAuth("github user has no login")
	}
	name, _ := raw["name"].(string)
	avatar, _ := raw["avatar_url"].(string)
	return raw, &domain.User{
		Identifier:  login,
		DisplayName: name,
		Metadata:    map[string]any{"image": avatar, "provider": g.id},
	}, nil
}

// GoogleProvider signs users in with Google.
type GoogleProvider struct{ provider }

var _ ports.OAuthProvider = (*GoogleProvider)(nil)

func NewGoogleProvider(cfg config.OAuthProviderConfig, endpoints Endpoints, client *http.Client) *GoogleProvider {
	return &GoogleProvider{provider{
		id:        "google",
		cfg:       cfg,
		endpoints: endpoints,
		client:    client,
		params: map[string]string{
			"scope":         "https://www.googleapis.com/auth/userinfo.profile https://www.googleapis.com/auth/userinfo.email",
			"response_type": "code",
			"access_type":   "offline",
		},
	}}
}

func (g *GoogleProvider) GetToken(ctx context.Context, code, redirectURL string) (string, error) {
	return g.exchange(ctx, url.Values{
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {redirectURL},
	})
}

func (g *GoogleProvider) GetUserInfo(ctx context.Context, token string) (map[string]any, *domain.User, error) {
	var raw map[string]any
	if err := g.get(ctx, g.endpoints.UserInfo, "Bearer "+token, &raw); err != nil {
		return nil, nil, err
	}
	email, _ := raw["email"].(string)
	if email == "" {
		return nil, nil, domain.ErrAuth("google user has no email")
	}
	name, _ := raw["name"].(string)
	picture, _ := raw["picture"].(string)
	return raw, &domain.User{
		Identifier:  email,
		DisplayName: name,
		Metadata:    map[string]any{"image": picture, "provider": g.id},
	}, nil
}

// Providers returns the configured OAuth providers keyed by id.
func Providers(cfg config.OAuthConfig, client *http.Client) map[string]ports.OAuthProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	out := map[string]ports.OAuthProvider{}
	for _, p := range []ports.OAuthProvider{
		NewGitHubProvider(cfg.GitHub, GitHubEndpoints, client),
		NewGoogleProvider(cfg.Google, GoogleEndpoints, client),
	} {
		if p.IsConfigured() {
			out[p.ID()] = p
		}
	}
	return out
}
