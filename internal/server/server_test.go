package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/chatline/internal/auth"
	"github.com/tjfontaine/chatline/internal/callbacks"
	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/datalayer/memory"
	"github.com/tjfontaine/chatline/internal/pkg/config"
	"github.com/tjfontaine/chatline/internal/session"
)

type fixture struct {
	srv      *httptest.Server
	dl       *memory.Store
	tokens   *auth.Tokens
	sessions *session.Registry
}

func newFixture(t *testing.T, b *callbacks.Builder) *fixture {
	t.Helper()
	if b == nil {
		b = callbacks.NewBuilder()
	}
	tokens, err := auth.NewTokens("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		dl:       memory.New(nil),
		tokens:   tokens,
		sessions: session.NewRegistry(time.Minute, nil),
	}
	t.Cleanup(f.sessions.Close)

	s := New(Options{
		DataLayer: f.dl,
		Auth: &auth.Authenticator{
			Tokens:    tokens,
			Cookies:   auth.Cookies{Name: "access_token", Path: "/", SameSite: http.SameSiteLaxMode, ChunkSize: 3000},
			Blacklist: auth.NewMemoryBlacklist(),
		},
		Callbacks: b.Build(),
		Sessions:  f.sessions,
	})
	f.srv = httptest.NewServer(s.Router)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) token(t *testing.T, identifier string) string {
	t.Helper()
	tok, err := f.tokens.Issue(domain.User{Identifier: identifier})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

// ownedThread creates a thread written by identifier.
func (f *fixture) ownedThread(t *testing.T, id, identifier string, metadata map[string]any) {
	t.Helper()
	ctx := context.Background()
	u, err := f.dl.CreateUser(ctx, domain.User{Identifier: identifier})
	if err != nil {
		t.Fatal(err)
	}
	name := "thread " + id
	if err := f.dl.UpdateThread(ctx, domain.ThreadUpdate{ThreadID: id, Name: &name, UserID: &u.ID, Metadata: metadata}); err != nil {
		t.Fatal(err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var h HealthResponse
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.NumGoroutine == 0 || h.GoVersion == "" {
		t.Errorf("health = %+v", h)
	}
}

func TestGetThread_AuthorCheck(t *testing.T) {
	f := newFixture(t, nil)
	f.ownedThread(t, "t1", "alice", nil)

	tests := []struct {
		name   string
		token  string
		path   string
		status int
	}{
		{"author", f.token(t, "alice"), "/project/thread/t1", http.StatusOK},
		{"other user", f.token(t, "bob"), "/project/thread/t1", http.StatusForbidden},
		{"anonymous", "", "/project/thread/t1", http.StatusForbidden},
		{"missing", f.token(t, "alice"), "/project/thread/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, tt.path, tt.token, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.status, body)
			}
		})
	}
}

func TestGetThread_SharedView(t *testing.T) {
	shared := map[string]any{"is_shared": true}

	tests := []struct {
		name     string
		metadata map[string]any
		hook     callbacks.SharedThreadViewHandler
		status   int
	}{
		{"no hook", shared, nil, http.StatusForbidden},
		{"hook refuses", shared, func(context.Context, *domain.ThreadDict, *domain.User) (bool, error) { return false, nil }, http.StatusForbidden},
		{"hook fails", shared, func(context.Context, *domain.ThreadDict, *domain.User) (bool, error) { return true, errors.New("boom") }, http.StatusForbidden},
		{"hook allows", shared, func(_ context.Context, th *domain.ThreadDict, viewer *domain.User) (bool, error) {
			return th.ID == "t1" && viewer.Identifier == "u", nil
		}, http.StatusOK},
		{"not shared", nil, func(context.Context, *domain.ThreadDict, *domain.User) (bool, error) { return true, nil }, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := callbacks.NewBuilder()
			if tt.hook != nil {
				b.OnSharedThreadView(tt.hook)
			}
			f := newFixture(t, b)
			f.ownedThread(t, "t1", "a", tt.metadata)

			resp, body := f.do(t, http.MethodGet, "/project/thread/t1", f.token(t, "u"), nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.status, body)
			}
			if tt.status == http.StatusOK {
				var th domain.ThreadDict
				if err := json.Unmarshal(body, &th); err != nil {
					t.Fatal(err)
				}
				if th.ID != "t1" {
					t.Errorf("thread = %+v", th)
				}
			}
		})
	}
}

func TestThreadMutations(t *testing.T) {
	f := newFixture(t, nil)
	f.ownedThread(t, "t1", "alice", nil)
	alice, bob := f.token(t, "alice"), f.token(t, "bob")

	resp, _ := f.do(t, http.MethodPut, "/project/thread", bob, renameThreadRequest{ThreadID: "t1", Name: "stolen"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("rename by other user: status = %d, want 403", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPut, "/project/thread", alice, renameThreadRequest{ThreadID: "t1", Name: "renamed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename: status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPut, "/project/thread/share", alice, shareThreadRequest{ThreadID: "t1", IsShared: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("share: status = %d", resp.StatusCode)
	}

	th, _ := f.dl.GetThread(context.Background(), "t1")
	if th.Name != "renamed" || !th.IsShared() {
		t.Errorf("thread = %+v, want renamed and shared", th)
	}

	resp, body := f.do(t, http.MethodPost, "/project/threads", alice, listThreadsRequest{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status = %d", resp.StatusCode)
	}
	var page domain.PaginatedThreads
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Data) != 1 || page.Data[0].ID != "t1" {
		t.Errorf("alice's threads = %+v", page.Data)
	}
	// bob never logged in, so the data layer does not know him.
	if resp, body := f.do(t, http.MethodPost, "/project/threads", bob, listThreadsRequest{}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown user listing: %d %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodDelete, "/project/thread", alice, deleteThreadRequest{ThreadID: "t1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}
	if th, _ := f.dl.GetThread(context.Background(), "t1"); th != nil {
		t.Errorf("thread survived delete: %+v", th)
	}
}

func TestFeedback(t *testing.T) {
	f := newFixture(t, nil)
	f.ownedThread(t, "t1", "alice", nil)
	alice := f.token(t, "alice")

	resp, body := f.do(t, http.MethodPut, "/feedback", alice, feedbackRequest{Feedback: domain.Feedback{ForID: "s1", ThreadID: "t1", Value: 1}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert: status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		FeedbackID string `json:"feedbackId"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.FeedbackID == "" {
		t.Fatalf("feedback id = %q, %v", out.FeedbackID, err)
	}

	resp, _ = f.do(t, http.MethodPut, "/feedback", f.token(t, "bob"), feedbackRequest{Feedback: domain.Feedback{ForID: "s1", ThreadID: "t1", Value: 0}})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("upsert by other user: status = %d, want 403", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodDelete, "/feedback", alice, deleteFeedbackRequest{FeedbackID: out.FeedbackID})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"success":true`) {
		t.Errorf("delete: %d %s", resp.StatusCode, body)
	}
}

func TestFeedback_CrossUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.ownedThread(t, "alice-thread", "alice", nil)
	f.ownedThread(t, "bob-thread", "bob", nil)
	for _, st := range []domain.StepDict{
		{ID: "alice-step", ThreadID: "alice-thread", Type: domain.StepTypeAssistantMessage},
		{ID: "bob-step", ThreadID: "bob-thread", Type: domain.StepTypeAssistantMessage},
	} {
		if err := f.dl.CreateStep(ctx, st); err != nil {
			t.Fatal(err)
		}
	}
	aliceFeedback, err := f.dl.UpsertFeedback(ctx, domain.Feedback{ForID: "alice-step", Value: 1, Comment: "mine"})
	if err != nil {
		t.Fatal(err)
	}
	bob := f.token(t, "bob")

	tests := []struct {
		name     string
		feedback domain.Feedback
		want     int
	}{
		{"alice step without thread", domain.Feedback{ForID: "alice-step", Value: 0}, http.StatusForbidden},
		{"alice step claiming bob thread", domain.Feedback{ForID: "alice-step", ThreadID: "bob-thread", Value: 0}, http.StatusForbidden},
		{"alice feedback id on bob step", domain.Feedback{ID: aliceFeedback, ForID: "bob-step", Value: 0}, http.StatusForbidden},
		{"unknown step without thread", domain.Feedback{ForID: "ghost", Value: 0}, http.StatusNotFound},
		{"own step", domain.Feedback{ForID: "bob-step", Value: 1}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPut, "/feedback", bob, feedbackRequest{Feedback: tt.feedback})
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
		})
	}

	resp, body := f.do(t, http.MethodDelete, "/feedback", bob, deleteFeedbackRequest{FeedbackID: aliceFeedback})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("delete by other user: status = %d, want 403: %s", resp.StatusCode, body)
	}

	th, err := f.dl.GetThread(ctx, "alice-thread")
	if err != nil {
		t.Fatal(err)
	}
	fb := th.Steps[0].Feedback
	if fb == nil || fb.ID != aliceFeedback || fb.Value != 1 || fb.Comment != "mine" {
		t.Errorf("alice feedback = %+v, want untouched", fb)
	}

	resp, body = f.do(t, http.MethodDelete, "/feedback", bob, deleteFeedbackRequest{FeedbackID: "ghost"})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"success":false`) {
		t.Errorf("delete unknown: %d %s", resp.StatusCode, body)
	}
}

func TestPasswordLoginAndLogout(t *testing.T) {
	var loggedOut string
	b := callbacks.NewBuilder().
		PasswordAuth(func(_ context.Context, username, password string) (*domain.User, error) {
			if username == "ada" && password == "lovelace" {
				return &domain.User{Identifier: "ada"}, nil
			}
			return nil, nil
		}).
		OnLogout(func(_ context.Context, user *domain.User) error {
			loggedOut = user.Identifier
			return nil
		})
	f := newFixture(t, b)

	login := func(password string) (*http.Response, []byte) {
		form := url.Values{"username": {"ada"}, "password": {password}}
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return send(t, req)
	}

	if resp, _ := login("wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password: status = %d, want 401", resp.StatusCode)
	}
	resp, body := login("lovelace")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status = %d: %s", resp.StatusCode, body)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		t.Fatalf("token = %q, %v", tok.AccessToken, err)
	}
	if len(resp.Cookies()) == 0 {
		t.Error("login set no cookies")
	}
	if u, _ := f.dl.GetUser(context.Background(), "ada"); u == nil {
		t.Error("user not persisted on login")
	}

	resp, body = f.do(t, http.MethodGet, "/user", tok.AccessToken, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"identifier":"ada"`) {
		t.Fatalf("/user: %d %s", resp.StatusCode, body)
	}

	if resp, _ := f.do(t, http.MethodPost, "/logout", tok.AccessToken, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: status = %d", resp.StatusCode)
	}
	if loggedOut != "ada" {
		t.Errorf("on_logout user = %q, want ada", loggedOut)
	}
	if resp, _ := f.do(t, http.MethodGet, "/user", tok.AccessToken, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked token: status = %d, want 401", resp.StatusCode)
	}
}

func TestPasswordLogin_NotConfigured(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodPost, "/login", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAuthConfig(t *testing.T) {
	f := newFixture(t, callbacks.NewBuilder().HeaderAuth(func(context.Context, http.Header) (*domain.User, error) { return nil, nil }))
	_, body := f.do(t, http.MethodGet, "/auth/config", "", nil)
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got["headerAuth"] != true || got["passwordAuth"] != false {
		t.Errorf("auth config = %v", got)
	}
}

func TestUploadAndServeFile(t *testing.T) {
	f := newFixture(t, nil)
	cfg := config.Default()
	sess := f.sessions.Create(session.Options{
		ID:       "s1",
		SocketID: "sock",
		User:     &domain.User{Identifier: "alice"},
		FilesDir: t.TempDir(),
		Config:   cfg,
	})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "notes.txt")
	part.Write([]byte("hello"))
	mw.Close()

	upload := func(token string) (*http.Response, []byte) {
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/project/file?session_id="+sess.ID, bytes.NewReader(buf.Bytes()))
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return send(t, req)
	}

	if resp, _ := upload(f.token(t, "bob")); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("upload into another user's session: status = %d, want 403", resp.StatusCode)
	}
	resp, body := upload(f.token(t, "alice"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: status = %d: %s", resp.StatusCode, body)
	}
	var fd struct {
		ID   string `json:"id"`
		Size int64  `json:"size"`
	}
	if err := json.Unmarshal(body, &fd); err != nil {
		t.Fatal(err)
	}
	if fd.Size != 5 || len(sess.Files()) != 1 {
		t.Fatalf("file = %+v, session files = %d", fd, len(sess.Files()))
	}

	resp, body = f.do(t, http.MethodGet, "/project/file/"+fd.ID+"?session_id=s1", f.token(t, "alice"), nil)
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Errorf("serve: %d %q", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodGet, "/project/file/"+fd.ID+"?session_id=missing", f.token(t, "alice"), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", resp.StatusCode)
	}
}

func TestProjectSettings(t *testing.T) {
	f := newFixture(t, callbacks.NewBuilder().
		SetStarters(func(context.Context, *domain.User) ([]domain.Starter, error) {
			return []domain.Starter{{Label: "Hi", Message: "hello"}}, nil
		}))
	resp, body := f.do(t, http.MethodGet, "/project/settings", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct {
		DataPersistence bool             `json:"dataPersistence"`
		ThreadResumable bool             `json:"threadResumable"`
		Starters        []domain.Starter `json:"starters"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if !got.DataPersistence || got.ThreadResumable || len(got.Starters) != 1 {
		t.Errorf("settings = %+v", got)
	}
}

func TestStatic_FallsBackToIndex(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodGet, "/some/page", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("no static dir: status = %d, want 404", resp.StatusCode)
	}
}
