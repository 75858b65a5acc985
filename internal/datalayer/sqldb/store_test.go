package sqldb

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
	"github.com/tjfontaine/chatline/internal/datalayer/datalayertest"
)

func newTestStore(t *testing.T, storage ports.StorageClient) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), storage)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	return store
}

func TestStore(t *testing.T) {
	datalayertest.Run(t, func(t *testing.T, storage ports.StorageClient) ports.DataLayer {
		return newTestStore(t, storage)
	})
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := New(Config{Driver: "mysql", DSN: "x"}, nil)
	if err == nil {
		t.Fatal("New() with mysql driver succeeded")
	}
	if domain.KindOf(err) != domain.KindConfig {
		t.Errorf("kind = %v, want config", domain.KindOf(err))
	}
}

func TestSchema_Idempotent(t *testing.T) {
	store := newTestStore(t, nil)
	defer store.Close()

	if err := store.initSchema(); err != nil {
		t.Fatalf("second initSchema() error = %v", err)
	}
	exists, err := store.columnExists("feedbacks", "comment")
	if err != nil {
		t.Fatalf("columnExists() error = %v", err)
	}
	if !exists {
		t.Error("feedbacks.comment missing")
	}
}

func TestNextSeq_Monotonic(t *testing.T) {
	store := newTestStore(t, nil)
	defer store.Close()

	prev := store.nextSeq()
	for range 1000 {
		n := store.nextSeq()
		if n <= prev {
			t.Fatalf("nextSeq() = %d after %d", n, prev)
		}
		prev = n
	}
}

func TestStepPayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	defer store.Close()

	step := domain.StepDict{
		ID:       "s1",
		ThreadID: "t1",
		Type:     domain.StepTypeLLM,
		Output:   "42",
		Generation: &domain.Generation{
			Provider: "openai",
			Model:    "gpt-4o",
			Messages: []domain.GenerationMessage{{Role: "user", Content: "answer?"}},
		},
		Metadata: map[string]any{"k": "v"},
	}
	if err := store.CreateStep(ctx, step); err != nil {
		t.Fatalf("CreateStep() error = %v", err)
	}
	th, err := store.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	got := th.Steps[0]
	if got.Generation == nil || got.Generation.Model != "gpt-4o" || len(got.Generation.Messages) != 1 {
		t.Errorf("generation = %+v", got.Generation)
	}
	if got.Metadata["k"] != "v" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}
