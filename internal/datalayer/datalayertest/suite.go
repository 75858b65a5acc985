// Package datalayertest is a conformance suite every ports.DataLayer
// implementation runs from its own tests.
package datalayertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
)

// Factory returns a fresh, empty data layer backed by storage (which may be nil).
type Factory func(t *testing.T, storage ports.StorageClient) ports.DataLayer

// Run executes the suite against data layers produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newStore Factory)
	}{
		{"Users", testUsers},
		{"UpdateThread", testUpdateThread},
		{"ThreadAuthor", testThreadAuthor},
		{"StepOrdering", testStepOrdering},
		{"StepUpdateAndDelete", testStepUpdateAndDelete},
		{"Feedback", testFeedback},
		{"ListThreads", testListThreads},
		{"ListThreadsPagination", testListThreadsPagination},
		{"Elements", testElements},
		{"DeleteThread", testDeleteThread},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore)
		})
	}
}

func open(t *testing.T, newStore Factory, storage ports.StorageClient) ports.DataLayer {
	t.Helper()
	dl := newStore(t, storage)
	t.Cleanup(func() { dl.Close() })
	return dl
}

func ptr[T any](v T) *T { return &v }

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func testUsers(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dl := open(t, newStore, nil)

	u, err := dl.GetUser(ctx, "ada")
	must(t, err)
	if u != nil {
		t.Fatalf("GetUser() on empty store = %+v, want nil", u)
	}

	created, err := dl.CreateUser(ctx, domain.User{Identifier: "ada", DisplayName: "Ada", Metadata: map[string]any{"role": "admin"}})
	must(t, err)
	if created.ID == "" || created.CreatedAt == "" {
		t.Fatalf("CreateUser() = %+v, want id and createdAt", created)
	}

	again, err := dl.CreateUser(ctx, domain.User{Identifier: "ada", Metadata: map[string]any{"role": "user"}})
	must(t, err)
	if again.ID != created.ID {
		t.Errorf("second CreateUser() id = %q, want %q", again.ID, created.ID)
	}
	if again.DisplayName != "Ada" {
		t.Errorf("display name = %q, want it kept", again.DisplayName)
	}
	if again.Metadata["role"] != "user" {
		t.Errorf("metadata = %v, want refreshed", again.Metadata)
	}
}

func testUpdateThread(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dl := open(t, newStore, nil)

	user, err := dl.CreateUser(ctx, domain.User{Identifier: "ada"})
	must(t, err)

	must(t, dl.UpdateThread(ctx, domain.ThreadUpdate{ThreadID: "t1", Name: ptr("first"), Metadata: map[string]any{"a": "1"}}))
	must(t, dl.UpdateThread(ctx, domain.ThreadUpdate{ThreadID: "t1", UserID: &user.ID, Metadata: map[string]any{"b": "2"}, Tags: []string{"x"}}))

	th, err := dl.GetThread(ctx, "t1")
	must(t, err)
	if th == nil {
		t.Fatal("GetThread() = nil after UpdateThread")
	}
	if th.Name != "first" {
		t.Errorf("name = %q, want untouched by the second update", th.Name)
	}
	if th.UserID != user.ID || th.UserIdentifier != "ada" {
		t.Errorf("user = %q/%q, want %q/ada", th.UserID, th.UserIdentifier, user.ID)
	}
	if th.Metadata["a"] != "1" || th.Metadata["b"] != "2" {
		t.Errorf("metadata = %v, want both keys merged", th.Metadata)
	}
	if len(th.Tags) != 1 || th.Tags[0] != "x" {
		t.Errorf("tags = %v", th.Tags)
	}
	if th.CreatedAt == "" {
		t.Error("createdAt not set")
	}

	missing, err := dl.GetThread(ctx, "nope")
	must(t, err)
	if missing != nil {
		t.Errorf("GetThread(unknown) = %+v, want nil", missing)
	}
}

func testThreadAuthor(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dl := open(t, newStore, nil)

	if _, err := dl.GetThreadAuthor(ctx, "nope"); !errors.Is(err, domain.ErrThreadNotFound) {
		t.Errorf("GetThreadAuthor(unknown) error = %v, want ErrThreadNotFound", err)
	}

	user, err := dl.CreateUser(ctx, domain.User{Identifier: "grace"})
	must(t, err)
	must(t, dl.UpdateThread(ctx, domain.ThreadUpdate{ThreadID: "t1", UserID: &user.ID}))
	author, err := dl.GetThreadAuthor(ctx, "t1")
	must(t, err)
	if author != "grace" {
		t.Errorf("author = %q, want grace", author)
	}

	must(t, dl.UpdateThread(ctx, domain.ThreadUpdate{ThreadID: "anon"}))
	author, err = dl.GetThreadAuthor(ctx, "anon")
	must(t, err)
	if author != "" {
		t.Errorf("anonymous author = %q, want empty", author)
	}
}

func testStepOrdering(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dl := open(t, newStore, nil)

	steps := []domain.StepDict{
		{ID: "late", ThreadID: "t1", Type: domain.StepTypeAssistantMessage, Output: "late", CreatedAt: "2024-01-01T00:00:02.000Z"},
		{ID: "early-a", ThreadID: "t1", Type: domain.StepTypeUserMessage, Output: "a", CreatedAt: "2024-01-01T00:00:01.000Z"},
		{ID: "early-b", ThreadID: "t1", Type: domain.StepTypeRun, Output: "b", CreatedAt: "2024-01-01T00:00:01.000Z"},
	}
	for _, st := range steps {
		must(t, dl.CreateStep(ctx, st))
	}

	th, err := dl.GetThread(ctx, "t1")
	must(t, err)
	if th == nil {
		t.Fatal("CreateStep did not create the thread")
	}
	var got []string
	for _, st := range th.Steps {
		got = append(got, st.ID)
	}
	if want := "early-a,early-b,late"; strings.Join(got, ",") != want {
		t.Errorf("step order = %v, want %s", got, want)
	}
}

func testStepUpdateAndDelete(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dl := open(t, newStore, nil)

	must(t, dl.CreateStep(ctx, domain.StepDict{ID: "s1", ThreadID: "t1", Type: domain.StepTypeAssistantMessage, Output: "Hel", CreatedAt: "2024-01-01T00:00:01.000Z"}))
	must(t, dl.UpdateStep(ctx, domain.StepDict{ID: "s1", ThreadID: "t1", Type: domain.StepTypeAssistantMessage, Output: "Hello"}))

	th, err := dl.GetThread(ctx, "t1")
	must(t, err)
	if len(th.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(th.Steps))
	}
	if th.Steps[0].Output != "Hello" {
		t.Errorf("output = %q, want Hello", th.Steps[0].Output)
	}
	if th.Steps[0].CreatedAt != "2024-01-01T00:00:01.000Z" {
		t.Errorf("createdAt = %q, want preserved", th.Steps[0].CreatedAt)
	}

	must(t, dl.DeleteStep(ctx, "s1"))
	must(t, dl.DeleteStep(ctx, "s1"))
	th, err = dl.GetThread(ctx, "t1")
	must(t, err)
	if len(th.Steps) != 0 {
		t.Errorf("steps after delete = %d, want 0", len(th.Steps))
	}
}

func testFeedback(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dl := open(t, newStore, nil)

	must(t, dl.CreateStep(ctx, domain.StepDict{ID: "s1", ThreadID: "t1", Type: domain.StepTypeAssistantMessage, Output: "answer"}))

	id, err := dl.UpsertFeedback(ctx, domain.Feedback{ForID: "s1", Value: 1, Comment: "nice"})
	must(t, err)
	if id == "" {
		t.Fatal("UpsertFeedback() returned no id")
	}
	again, err := dl.UpsertFeedback(ctx, domain.Feedback{ID: id, ForID: "s1", Value: 0})
	must(t, err)
	if again != id {
		t.Errorf("update id = %q, want %q", again, id)
	}

	threadID, err := dl.GetStepThread(ctx, "s1")
	must(t, err)
	if threadID != "t1" {
		t.Errorf("GetStepThread() = %q, want t1", threadID)
	}
	threadID, err = dl.GetFeedbackThread(ctx, id)
	must(t, err)
	if threadID != "t1" {
		t.Errorf("GetFeedbackThread() = %q, want t1", threadID)
	}
	for name, lookup := range map[string]func(context.Context, string) (string, error){
		"GetStepThread":     dl.GetStepThread,
		"GetFeedbackThread": dl.GetFeedbackThread,
	} {
		got, err := lookup(ctx, "nope")
		must(t, err)
		if got != "" {
			t.Errorf("%s(unknown) = %q, want empty", name, got)
		}
	}

	th, err := dl.GetThread(ctx, "t1")
	must(t, err)
	fb := th.Steps[0].Feedback
	if fb == nil || fb.ID != id || fb.Value != 0 {
		t.Errorf("attached feedback = %+v, want id %q value 0", fb, id)
	}

	ok, err := dl.DeleteFeedback(ctx, id)
	must(t, err)
	if !ok {
		t.Error("DeleteFeedback() = false, want true")
	}
	ok, err = dl.DeleteFeedback(ctx, id)
	must(t, err)
	if ok {
		t.Error("second DeleteFeedback() = true, want false")
	}
}

func testListThreads(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dl := open(t, newStore, nil)

	ada, err := dl.CreateUser(ctx, domain.User{Identifier: "ada"})
	must(t, err)
	bob, err := dl.CreateUser(ctx, domain.User{Identifier: "bob"})
	must(t, err)

	must(t, dl.UpdateThread(ctx, domain.ThreadUpdate{ThreadID: "weather", Name: ptr("Weather in Paris"), UserID: &ada.ID}))
	must(t, dl.UpdateThread(ctx, domain.ThreadUpdate{ThreadID: "recipes", Name: ptr("Recipes"), UserID: &ada.ID}))
	must(t, dl.CreateStep(ctx, domain.StepDict{ID: "r1", ThreadID: "recipes", Type: domain.StepTypeUserMessage, Output: "How do I bake Sourdough?"}))
	must(t, dl.UpdateThread(ctx, domain.ThreadUpdate{ThreadID: "other", Name: ptr("Weather"), UserID: &bob.ID}))
	_, err = dl.UpsertFeedback(ctx, domain.Feedback{ForID: "r1", Value: 0})
	must(t, err)

	tests := []struct {
		name   string
		filter domain.ThreadFilter
		want   []string
	}{
		{"by user", domain.ThreadFilter{UserID: ada.ID}, []string{"recipes", "weather"}},
		{"search name", domain.ThreadFilter{UserID: ada.ID, Search: "paris"}, []string{"weather"}},
		{"search steps", domain.ThreadFilter{UserID: ada.ID, Search: "sourdough"}, []string{"recipes"}},
		{"feedback", domain.ThreadFilter{UserID: ada.ID, Feedback: ptr(0)}, []string{"recipes"}},
		{"no match", domain.ThreadFilter{UserID: bob.ID, Search: "recipes"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := dl.ListThreads(ctx, domain.Pagination{First: 10}, tt.filter)
			must(t, err)
			var got []string
			for _, th := range page.Data {
				got = append(got, th.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("threads = %v, want %v", got, tt.want)
			}
			if page.PageInfo.HasNextPage {
				t.Error("HasNextPage = true")
			}
		})
	}
}

func testListThreadsPagination(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dl := open(t, newStore, nil)

	for i := range 5 {
		must(t, dl.UpdateThread(ctx, domain.ThreadUpdate{ThreadID: fmt.Sprintf("t%d", i)}))
	}

	var (
		seen   []string
		cursor string
	)
	for range 3 {
		page, err := dl.ListThreads(ctx, domain.Pagination{First: 2, Cursor: cursor}, domain.ThreadFilter{})
		must(t, err)
		for _, th := range page.Data {
			seen = append(seen, th.ID)
		}
		if !page.PageInfo.HasNextPage {
			break
		}
		cursor = page.PageInfo.EndCursor
	}
	if want := "t4,t3,t2,t1,t0"; strings.Join(seen, ",") != want {
		t.Errorf("pages = %v, want %s", seen, want)
	}
}

func testElements(t *testing.T, newStore Factory) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	dl := open(t, newStore, storage)

	rec := domain.ElementRecord{
		ElementDict: domain.ElementDict{ID: "e1", ThreadID: "t1", Type: domain.ElementTypeText, Name: "notes.txt", Display: domain.DisplayInline, Mime: "text/plain"},
		Content:     []byte("hello"),
	}
	must(t, dl.CreateElement(ctx, rec))
	if len(storage.Keys()) != 1 {
		t.Fatalf("uploaded objects = %v, want 1", storage.Keys())
	}

	e, err := dl.GetElement(ctx, "t1", "e1")
	must(t, err)
	if e == nil {
		t.Fatal("GetElement() = nil")
	}
	if e.ObjectKey == "" || e.URL != "memory://"+e.ObjectKey {
		t.Errorf("element = %+v, want object key and resolved url", e)
	}

	other, err := dl.GetElement(ctx, "t2", "e1")
	must(t, err)
	if other != nil {
		t.Errorf("GetElement() across threads = %+v, want nil", other)
	}

	must(t, dl.DeleteElement(ctx, "e1", "t1"))
	if len(storage.Keys()) != 0 {
		t.Errorf("objects after delete = %v, want none", storage.Keys())
	}
	e, err = dl.GetElement(ctx, "t1", "e1")
	must(t, err)
	if e != nil {
		t.Errorf("GetElement() after delete = %+v", e)
	}
}

func testDeleteThread(t *testing.T, newStore Factory) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	dl := open(t, newStore, storage)

	must(t, dl.CreateStep(ctx, domain.StepDict{ID: "s1", ThreadID: "t1", Type: domain.StepTypeUserMessage, Output: "hi"}))
	must(t, dl.CreateElement(ctx, domain.ElementRecord{
		ElementDict: domain.ElementDict{ID: "e1", ThreadID: "t1", Type: domain.ElementTypeFile, Name: "a.bin"},
		Content:     []byte{1, 2, 3},
	}))
	_, err := dl.UpsertFeedback(ctx, domain.Feedback{ForID: "s1", Value: 1})
	must(t, err)

	must(t, dl.DeleteThread(ctx, "t1"))

	th, err := dl.GetThread(ctx, "t1")
	must(t, err)
	if th != nil {
		t.Errorf("GetThread() after delete = %+v", th)
	}
	if len(storage.Keys()) != 0 {
		t.Errorf("objects after thread delete = %v", storage.Keys())
	}
	page, err := dl.ListThreads(ctx, domain.Pagination{First: 10}, domain.ThreadFilter{Feedback: ptr(1)})
	must(t, err)
	if len(page.Data) != 0 {
		t.Errorf("feedback survived thread delete: %+v", page.Data)
	}
	must(t, dl.DeleteThread(ctx, "t1"))
}

// MemoryStorage is a ports.StorageClient that keeps objects in a map.
type MemoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (m *MemoryStorage) UploadFile(ctx context.Context, objectKey string, data []byte, mime string, overwrite bool, contentDisposition string) (*ports.UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[objectKey]; exists && !overwrite {
		return nil, domain.ErrInvalidRequest("object exists")
	}
	m.objects[objectKey] = append([]byte(nil), data...)
	return &ports.UploadResult{ObjectKey: objectKey, URL: "memory://" + objectKey}, nil
}

func (m *MemoryStorage) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	return "memory://" + objectKey, nil
}

func (m *MemoryStorage) DeleteFile(ctx context.Context, objectKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[objectKey]
	delete(m.objects, objectKey)
	return ok, nil
}

// Keys lists the stored object keys.
func (m *MemoryStorage) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
