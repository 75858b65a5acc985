package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/pkg/config"
	"github.com/tjfontaine/chatline/internal/testutil"
)

func testCookies() Cookies {
	return Cookies{Name: "access_token", Path: "/", SameSite: http.SameSiteLaxMode, ChunkSize: 3000, MaxAge: time.Hour}
}

func TestCookies_ChunkedOverwrite(t *testing.T) {
	c := testCookies()

	first := httptest.NewRecorder()
	c.Set(first, httptest.NewRequest(http.MethodPost, "/login", nil), strings.Repeat("a", 4000))
	set := first.Result().Cookies()
	if len(set) != 2 {
		t.Fatalf("first set wrote %d cookies, want 2", len(set))
	}
	if len(set[0].Value) != 3000 || len(set[1].Value) != 1000 {
		t.Fatalf("chunk sizes = %d, %d; want 3000, 1000", len(set[0].Value), len(set[1].Value))
	}

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	for _, ck := range set {
		req.AddCookie(ck)
	}
	second := httptest.NewRecorder()
	c.Set(second, req, "0123456789")

	var values, cleared []string
	for _, ck := range second.Result().Cookies() {
		if ck.MaxAge < 0 {
			cleared = append(cleared, ck.Name)
			continue
		}
		values = append(values, ck.Name+"="+ck.Value)
	}
	if len(values) != 1 || values[0] != "access_token_0=0123456789" {
		t.Errorf("set cookies = %v, want [access_token_0=0123456789]", values)
	}
	if len(cleared) != 1 || cleared[0] != "access_token_1" {
		t.Errorf("cleared cookies = %v, want [access_token_1]", cleared)
	}
	if h := strings.Join(second.Header().Values("Set-Cookie"), "\n"); !strings.Contains(h, "access_token_1=; Path=/; Max-Age=0") {
		t.Errorf("Set-Cookie headers lack a Max-Age=0 clear:\n%s", h)
	}
}

func TestCookies_ReadReassembles(t *testing.T) {
	c := testCookies()
	token := strings.Repeat("x", 3000) + strings.Repeat("y", 3000) + "z"

	rec := httptest.NewRecorder()
	c.Set(rec, nil, token)
	req := httptest.NewRequest(http.MethodGet, "/user", nil)
	for _, ck := range rec.Result().Cookies() {
		req.AddCookie(ck)
	}
	if got := c.Read(req); got != token {
		t.Errorf("Read() returned %d bytes, want %d", len(got), len(token))
	}

	legacy := httptest.NewRequest(http.MethodGet, "/user", nil)
	legacy.AddCookie(&http.Cookie{Name: "access_token", Value: "plain"})
	if got := c.Read(legacy); got != "plain" {
		t.Errorf("Read(unchunked) = %q, want plain", got)
	}
}

func TestTokens(t *testing.T) {
	tokens, err := NewTokens("secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	user := domain.User{Identifier: "ada", DisplayName: "Ada", Metadata: map[string]any{"role": "admin"}}

	tok, err := tokens.Issue(user)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tokens.Parse(tok)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identifier != "ada" || got.DisplayName != "Ada" || got.Metadata["role"] != "admin" {
		t.Errorf("Parse() = %+v, want ada", got)
	}

	other, _ := NewTokens("other", time.Hour)
	if _, err := other.Parse(tok); domain.KindOf(err) != domain.KindAuth {
		t.Errorf("Parse(wrong secret) error = %v, want auth error", err)
	}

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := tokens.Parse(tok); err == nil || !strings.Contains(err.Error(), "expired") {
		t.Errorf("Parse(expired) error = %v, want expired", err)
	}

	if _, err := NewTokens("", time.Hour); domain.KindOf(err) != domain.KindConfig {
		t.Errorf("NewTokens(\"\") error = %v, want config error", err)
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer abc", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearer(r)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ExtractBearer() = %q, %v; want %q, err %v", got, err, tt.want, tt.wantErr)
			}
		})
	}
}

func TestAuthenticator(t *testing.T) {
	tokens, _ := NewTokens("secret", time.Hour)
	a := &Authenticator{Tokens: tokens, Cookies: testCookies(), Blacklist: NewMemoryBlacklist(), Required: true}

	anon := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, _, err := a.Authenticate(anon); domain.KindOf(err) != domain.KindAuth {
		t.Fatalf("Authenticate(anonymous) error = %v, want auth error", err)
	}

	login := httptest.NewRecorder()
	tok, err := a.Login(login, httptest.NewRequest(http.MethodPost, "/login", nil), domain.User{Identifier: "ada"})
	if err != nil {
		t.Fatal(err)
	}

	byCookie := httptest.NewRequest(http.MethodGet, "/ws", nil)
	for _, ck := range login.Result().Cookies() {
		byCookie.AddCookie(ck)
	}
	user, got, err := a.Authenticate(byCookie)
	if err != nil || user.Identifier != "ada" || got != tok {
		t.Fatalf("Authenticate(cookie) = %+v, %v", user, err)
	}

	byHeader := httptest.NewRequest(http.MethodGet, "/ws", nil)
	byHeader.Header.Set("Authorization", "Bearer "+tok)
	if user, _, err := a.Authenticate(byHeader); err != nil || user.Identifier != "ada" {
		t.Fatalf("Authenticate(header) = %+v, %v", user, err)
	}

	if err := a.Logout(httptest.NewRecorder(), byHeader); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Authenticate(byCookie); err == nil || !strings.Contains(err.Error(), "revoked") {
		t.Errorf("Authenticate(after logout) error = %v, want revoked", err)
	}

	a.Required = false
	if user, _, err := a.Authenticate(anon); err != nil || user != nil {
		t.Errorf("Authenticate(anonymous, optional) = %+v, %v; want nil, nil", user, err)
	}
}

func TestMemoryBlacklist_Expires(t *testing.T) {
	b := NewMemoryBlacklist()
	ctx := context.Background()
	if err := b.Revoke(ctx, "tok", 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.IsRevoked(ctx, "tok"); !ok {
		t.Fatal("IsRevoked() = false right after Revoke")
	}
	time.Sleep(40 * time.Millisecond)
	if ok, _ := b.IsRevoked(ctx, "tok"); ok {
		t.Error("IsRevoked() = true after the ttl elapsed")
	}
}

func TestGitHubProvider(t *testing.T) {
	r, stop := testutil.NewVCRRecorder(t, "github_oauth")
	defer stop()

	p := NewGitHubProvider(config.OAuthProviderConfig{ClientID: "id", ClientSecret: "secret"},
		GitHubEndpoints, testutil.VCRHTTPClient(r))
	if !p.IsConfigured() {
		t.Fatal("IsConfigured() = false")
	}
	if got := p.AuthorizeParams()["scope"]; got != "user:email" {
		t.Errorf("scope = %q, want user:email", got)
	}

	ctx := context.Background()
	token, err := p.GetToken(ctx, "code", "http://localhost:8000/auth/oauth/github/callback")
	if err != nil {
		t.Fatal(err)
	}
	if token != "gho_recorded" {
		t.Errorf("token = %q, want gho_recorded", token)
	}

	raw, user, err := p.GetUserInfo(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if user.Identifier != "octocat" || user.Metadata["provider"] != "github" {
		t.Errorf("user = %+v, want octocat from github", user)
	}
	if raw["email"] != "octocat@github.com" {
		t.Errorf("email = %v, want the primary address", raw["email"])
	}
}

func TestGoogleProvider(t *testing.T) {
	r, stop := testutil.NewVCRRecorder(t, "google_oauth")
	defer stop()

	p := NewGoogleProvider(config.OAuthProviderConfig{ClientID: "id", ClientSecret: "secret", Prompt: "consent"},
		GoogleEndpoints, testutil.VCRHTTPClient(r))
	if got := p.AuthorizeParams()["prompt"]; got != "consent" {
		t.Errorf("prompt = %q, want consent", got)
	}

	ctx := context.Background()
	token, err := p.GetToken(ctx, "code", "http://localhost:8000/auth/oauth/google/callback")
	if err != nil {
		t.Fatal(err)
	}
	_, user, err := p.GetUserInfo(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if user.Identifier != "ada@example.com" || user.DisplayName != "Ada Lovelace" {
		t.Errorf("user = %+v, want ada@example.com", user)
	}
}

func TestProviders_OnlyConfigured(t *testing.T) {
	got := Providers(config.OAuthConfig{
		GitHub: config.OAuthProviderConfig{ClientID: "id", ClientSecret: "secret"},
		Google: config.OAuthProviderConfig{ClientID: "id"},
	}, nil)
	if len(got) != 1 || got["github"] == nil {
		t.Errorf("Providers() = %v, want only github", got)
	}
}
