package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/chatline/internal/auth"
	"github.com/tjfontaine/chatline/internal/core/domain"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	tests := []struct {
		name     string
		incoming string
		reuse    bool
	}{
		{"generated", "", false},
		{"reuses valid uuid", "7b0f3f1e-8d0a-4c43-9a3b-0f6b7e1f2a11", true},
		{"replaces garbage", "not-a-uuid", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if _, err := uuid.Parse(seen); err != nil {
				t.Fatalf("request id %q is not a uuid", seen)
			}
			if got := rec.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("header = %q, context = %q", got, seen)
			}
			if (seen == tt.incoming) != tt.reuse {
				t.Errorf("request id = %q, incoming %q, reuse %v", seen, tt.incoming, tt.reuse)
			}
		})
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("GetRequestID() = %q, want empty", id)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline bool
	handler := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, deadline = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/user", nil))
	if !deadline {
		t.Error("REST request has no deadline")
	}

	ws := httptest.NewRequest(http.MethodGet, "/ws", nil)
	ws.Header.Set("Upgrade", "websocket")
	handler.ServeHTTP(httptest.NewRecorder(), ws)
	if deadline {
		t.Error("websocket upgrade got a deadline")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "thread_id", "t1")
		AddLogField(r.Context(), "empty", "")
		AddError(r.Context(), errors.New("boom"))
		AddError(r.Context(), nil)
		w.WriteHeader(http.StatusTeapot)
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/project/threads", nil))

	out := buf.String()
	for _, want := range []string{"request started", "request completed", "/project/threads", "status=418", "thread_id=t1", "error=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "empty=") {
		t.Errorf("empty field was logged:\n%s", out)
	}
}

func TestLoggingMiddleware_ServerErrorsAtErrorLevel(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errors.New("database exploded"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("5xx not logged at error level:\n%s", buf.String())
	}
	if strings.Contains(rec.Body.String(), "exploded") {
		t.Errorf("internal error leaked to the client: %s", rec.Body.String())
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	AddLogField(context.Background(), "key", "value")
}

func TestAuthMiddleware(t *testing.T) {
	tokens, _ := auth.NewTokens("secret", time.Hour)
	a := &auth.Authenticator{
		Tokens:    tokens,
		Cookies:   auth.Cookies{Name: "access_token", Path: "/", ChunkSize: 3000},
		Blacklist: auth.NewMemoryBlacklist(),
	}
	valid, _ := tokens.Issue(domain.User{Identifier: "ada"})

	var got *domain.User
	handler := AuthMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetUser(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		required   bool
		wantStatus int
		wantUser   string
	}{
		{"anonymous allowed", "", false, http.StatusOK, ""},
		{"anonymous refused", "", true, http.StatusUnauthorized, ""},
		{"valid token", "Bearer " + valid, true, http.StatusOK, "ada"},
		{"invalid token", "Bearer garbage", false, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			a.Required = tt.required
			req := httptest.NewRequest(http.MethodGet, "/user", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			identifier := ""
			if got != nil {
				identifier = got.Identifier
			}
			if identifier != tt.wantUser {
				t.Errorf("user = %q, want %q", identifier, tt.wantUser)
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	handler := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(2, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		rec := do("10.0.0.1:1234")
		if rec.Code != want {
			t.Fatalf("attempt %d: status = %d, want %d", i+1, rec.Code, want)
		}
	}
	rec := do("10.0.0.1:5678")
	checkHeader(t, rec, "x-ratelimit-limit-requests", "2")
	checkHeader(t, rec, "x-ratelimit-remaining-requests", "0")
	checkHeader(t, rec, "x-ratelimit-reset-requests", "1m0s")

	if rec := do("10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}

	now = now.Add(time.Minute)
	if rec := do("10.0.0.1:1234"); rec.Code != http.StatusOK {
		t.Errorf("status after window = %d, want 200", rec.Code)
	}
}

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, name, expected string) {
	t.Helper()
	if got := rec.Header().Get(name); got != expected {
		t.Errorf("header %s = %q, want %q", name, got, expected)
	}
}
