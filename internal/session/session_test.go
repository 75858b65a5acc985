package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/pkg/config"
)

func TestAsk_Supersession(t *testing.T) {
	s := New(Options{ID: "s1"})

	first := s.BeginAsk(domain.AskSpec{ID: "a1", Type: domain.AskText})
	second := s.BeginAsk(domain.AskSpec{ID: "a2", Type: domain.AskText})

	select {
	case reply := <-first.Reply():
		if !reply.Cancelled {
			t.Errorf("first ask reply = %+v, want cancelled", reply)
		}
	default:
		t.Fatal("first ask was not resolved on supersession")
	}

	if got := s.PendingAsk(); got != second {
		t.Fatalf("PendingAsk() = %v, want second ask", got)
	}

	if s.ResolveAsk("a1", json.RawMessage(`"late"`)) {
		t.Error("ResolveAsk() matched a superseded ask id")
	}
	if !s.ResolveAsk("a2", json.RawMessage(`"42"`)) {
		t.Fatal("ResolveAsk() did not match the pending ask")
	}

	reply := <-second.Reply()
	if reply.Cancelled || string(reply.Response) != `"42"` {
		t.Errorf("second reply = %+v", reply)
	}
	if s.PendingAsk() != nil {
		t.Error("ask still pending after resolve")
	}
}

func TestAsk_CancelAndEnd(t *testing.T) {
	s := New(Options{ID: "s1"})

	if s.CancelAsk() {
		t.Error("CancelAsk() with nothing pending reported true")
	}

	a := s.BeginAsk(domain.AskSpec{ID: "a1"})
	s.EndAsk(a)
	if s.PendingAsk() != nil {
		t.Error("EndAsk() left the ask pending")
	}

	b := s.BeginAsk(domain.AskSpec{ID: "b1"})
	s.EndAsk(a) // stale handle must not clear b
	if s.PendingAsk() != b {
		t.Error("EndAsk() with a stale handle cleared the current ask")
	}
	if !s.CancelAsk() {
		t.Fatal("CancelAsk() reported false")
	}
	if reply := <-b.Reply(); !reply.Cancelled {
		t.Errorf("reply = %+v, want cancelled", reply)
	}
}

func TestCallFn(t *testing.T) {
	s := New(Options{ID: "s1"})
	ch := s.BeginCallFn("c1")

	if s.ResolveCallFn("other", nil) {
		t.Error("ResolveCallFn() matched unknown id")
	}
	if !s.ResolveCallFn("c1", json.RawMessage(`{"ok":true}`)) {
		t.Fatal("ResolveCallFn() did not match")
	}
	if reply := <-ch; string(reply.Response) != `{"ok":true}` {
		t.Errorf("reply = %s", reply.Response)
	}

	ch = s.BeginCallFn("c2")
	s.cancelCallFns()
	if reply := <-ch; !errors.Is(reply.Err, domain.ErrAskCancelled) {
		t.Errorf("reply.Err = %v, want ErrAskCancelled", reply.Err)
	}
}

func TestTasks_Cancel(t *testing.T) {
	s := New(Options{ID: "s1"})
	ctx, done := s.StartTask(context.Background())
	defer done()

	if n := s.CancelTasks(); n != 1 {
		t.Fatalf("CancelTasks() = %d, want 1", n)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("task context not cancelled")
	}
}

func TestHistory_TruncateAfter(t *testing.T) {
	s := New(Options{ID: "s1"})
	for _, id := range []string{"m1", "m2", "m3"} {
		s.RecordMessage(domain.StepDict{ID: id, Output: id})
	}

	dropped, ok := s.TruncateAfter(domain.StepDict{ID: "m2", Output: "edited"})
	if !ok {
		t.Fatal("TruncateAfter() did not find m2")
	}
	if len(dropped) != 1 || dropped[0].ID != "m3" {
		t.Errorf("dropped = %+v", dropped)
	}

	h := s.History()
	if len(h) != 2 || h[1].Output != "edited" {
		t.Errorf("history = %+v", h)
	}

	if _, ok := s.TruncateAfter(domain.StepDict{ID: "missing"}); ok {
		t.Error("TruncateAfter() matched unknown id")
	}
}

func TestFiles(t *testing.T) {
	s := New(Options{ID: "s1", FilesDir: t.TempDir()})

	fd, err := s.AddFile("notes.txt", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("AddFile() error = %v", err)
	}
	if fd.Size != 5 || fd.Name != "notes.txt" {
		t.Errorf("FileDict = %+v", fd)
	}
	if got, ok := s.File(fd.ID); !ok || got.Path != fd.Path {
		t.Errorf("File() = %+v, %v", got, ok)
	}

	if err := s.RemoveFiles(); err != nil {
		t.Fatalf("RemoveFiles() error = %v", err)
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Errorf("files dir still exists: %v", err)
	}
	if len(s.Files()) != 0 {
		t.Error("files still registered")
	}
}

func TestPersistableState(t *testing.T) {
	s := New(Options{ID: "s1", ChatProfile: "gpt", Env: map[string]string{"KEY": "v"}})
	s.SetChatSettings(map[string]any{"temperature": 0.5})

	state := s.PersistableState()
	if state["chat_profile"] != "gpt" {
		t.Errorf("chat_profile = %v", state["chat_profile"])
	}

	restored := New(Options{ID: "s2"})
	restored.RestoreState(map[string]any{
		"chat_profile":  "gpt",
		"chat_settings": map[string]any{"temperature": 0.5},
		"env":           map[string]any{"KEY": "v"},
	})
	if restored.ChatProfile() != "gpt" || restored.ChatSettings()["temperature"] != 0.5 || restored.Env()["KEY"] != "v" {
		t.Errorf("restored state mismatch: %s", mustJSON(t, restored))
	}
}

func TestApplyOverrides(t *testing.T) {
	base := &config.Config{UI: config.UIConfig{CoT: config.CoTFull}, Auth: config.AuthConfig{CookieSameSite: "lax", CookieChunkSize: 3000}}
	s := New(Options{ID: "s1", Config: base})

	if err := s.ApplyOverrides(base, map[string]any{"ui": map[string]any{"cot": "hidden"}}); err != nil {
		t.Fatalf("ApplyOverrides() error = %v", err)
	}
	if s.Config().UI.CoT != config.CoTHidden {
		t.Errorf("CoT = %q, want hidden", s.Config().UI.CoT)
	}
	if base.UI.CoT != config.CoTFull {
		t.Error("base config mutated")
	}
}

func TestRegistry_RestoreWithinGrace(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	s := r.Create(Options{ID: "sess", SocketID: "sock1", User: &domain.User{Identifier: "ann"}, ChatProfile: "gpt"})
	r.Connect(s)
	s.SetChatSettings(map[string]any{"k": "v"})
	s.SetRootMessage(domain.StepDict{ID: "root"})
	s.SetHasUserMessage()
	pending := s.BeginAsk(domain.AskSpec{ID: "a1"})

	if _, ok := r.MarkForCleanup("sock1"); !ok {
		t.Fatal("MarkForCleanup() did not find the socket")
	}
	if s.State() != StateDisconnected {
		t.Fatalf("State() = %v, want disconnected", s.State())
	}
	if reply := <-pending.Reply(); !reply.Cancelled {
		t.Errorf("pending ask not cancelled on disconnect")
	}
	if _, ok := r.GetBySocket("sock1"); ok {
		t.Error("old socket still indexed")
	}

	got, ok := r.Restore("sess", "sock2")
	if !ok || got != s {
		t.Fatal("Restore() did not return the same session")
	}
	if got.State() != StateConnected || got.SocketID() != "sock2" {
		t.Errorf("state=%v socket=%s", got.State(), got.SocketID())
	}
	if got.User().Identifier != "ann" || got.ChatProfile() != "gpt" || got.ChatSettings()["k"] != "v" {
		t.Error("identity or settings lost across restore")
	}
	if got.RootMessage().ID != "root" || !got.HasUserMessage() {
		t.Error("root message or user-message flag lost across restore")
	}
	if bySock, ok := r.GetBySocket("sock2"); !ok || bySock != s {
		t.Error("new socket not indexed")
	}
}

func TestRegistry_ExpiresAfterGrace(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, nil)
	var deleted atomic.Int32
	r.OnDelete(func(*Session) { deleted.Add(1) })

	dir := t.TempDir()
	s := r.Create(Options{ID: "sess", SocketID: "sock1", FilesDir: dir})
	r.Connect(s)
	if _, err := s.AddFile("a.txt", "text/plain", strings.NewReader("a")); err != nil {
		t.Fatal(err)
	}
	taskCtx, done := s.StartTask(context.Background())
	defer done()

	r.MarkForCleanup("sock1")

	deadline := time.Now().Add(2 * time.Second)
	for deleted.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Fatal("session not deleted after grace window")
	}
	if s.State() != StateTerminated {
		t.Errorf("State() = %v, want terminated", s.State())
	}
	if deleted.Load() != 1 {
		t.Errorf("OnDelete ran %d times, want 1", deleted.Load())
	}
	if taskCtx.Err() == nil {
		t.Error("session task not cancelled on cleanup")
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Error("files directory not removed")
	}
	if _, ok := r.Restore("sess", "sock2"); ok {
		t.Error("Restore() succeeded after expiry")
	}
}

func TestRegistry_DeleteImmediately(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	s := r.Create(Options{ID: "sess", SocketID: "sock1"})
	r.Connect(s)

	if !r.Delete("sess") {
		t.Fatal("Delete() reported false")
	}
	if s.State() != StateTerminated {
		t.Errorf("State() = %v, want terminated", s.State())
	}
	if _, ok := r.GetBySocket("sock1"); ok {
		t.Error("socket index not cleared")
	}
	if r.Delete("sess") {
		t.Error("second Delete() reported true")
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRegistry_DeleteStaysInsideFilesDir(t *testing.T) {
	root := t.TempDir()
	filesDir := filepath.Join(root, "app", ".files")
	victim := filepath.Join(root, "victim")
	if err := os.MkdirAll(victim, 0o755); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(victim, "keep.txt")
	if err := os.WriteFile(keep, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(time.Hour, nil)
	for _, id := range []string{"../../victim", "..", ".", `..\victim`, "a/b"} {
		s := r.Create(Options{ID: id, FilesDir: filesDir})
		if s.Dir() != "" {
			t.Errorf("Dir() for id %q = %q, want empty", id, s.Dir())
		}
		if _, err := s.AddFile("x.txt", "text/plain", strings.NewReader("x")); err == nil {
			t.Errorf("AddFile() for id %q succeeded", id)
		}
		r.Delete(id)
	}

	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("file outside the files dir was removed: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("root removed: %v", err)
	}
}
