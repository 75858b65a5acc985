package persist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/session"
	"github.com/tjfontaine/chatline/internal/testutil"
)

func newQueue(t *testing.T) (*Queue, *testutil.RecordingDataLayer) {
	t.Helper()
	dl := testutil.NewRecordingDataLayer()
	q := NewQueue(dl, 4, nil)
	t.Cleanup(q.Stop)
	return q, dl
}

func TestQueue_DefersUntilUserMessage(t *testing.T) {
	q, dl := newQueue(t)
	sess := session.New(session.Options{ID: "s1", ThreadID: "t1"})

	tool := q.Enqueue(sess, CreateStep(domain.StepDict{ID: "tool", ThreadID: "t1", Type: domain.StepTypeTool}))
	q.Enqueue(sess, UpdateStep(domain.StepDict{ID: "tool", ThreadID: "t1", Type: domain.StepTypeTool}))

	if got := q.Deferred("s1"); got != 2 {
		t.Fatalf("Deferred() = %d, want 2", got)
	}
	if len(dl.Calls()) != 0 {
		t.Fatalf("data layer called before user message: %v", dl.Calls())
	}
	select {
	case <-tool.Done():
		t.Fatal("deferred ticket completed before flush")
	default:
	}

	name := "hi"
	first, ticket := q.OnUserMessage(sess,
		&domain.ThreadUpdate{ThreadID: "t1", Name: &name},
		domain.StepDict{ID: "u1", ThreadID: "t1", Type: domain.StepTypeUserMessage, Output: "hi"})
	if !first {
		t.Error("OnUserMessage() first = false on first message")
	}
	if err := ticket.Wait(context.Background()); err != nil {
		t.Fatalf("user message ticket: %v", err)
	}

	want := []testutil.Call{
		{Op: "update_thread", ID: "t1"},
		{Op: "create_step", ID: "tool"},
		{Op: "update_step", ID: "tool"},
		{Op: "create_step", ID: "u1"},
	}
	if got := dl.Calls(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if !sess.HasUserMessage() {
		t.Error("HasUserMessage() = false after flush")
	}

	// Subsequent writes go straight through.
	after := q.Enqueue(sess, CreateStep(domain.StepDict{ID: "a1", ThreadID: "t1"}))
	if err := after.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if q.Deferred("s1") != 0 {
		t.Error("op deferred after user message")
	}

	first, ticket = q.OnUserMessage(sess, nil, domain.StepDict{ID: "u2", ThreadID: "t1"})
	if first {
		t.Error("OnUserMessage() first = true on second message")
	}
	ticket.Wait(context.Background())
	if got := dl.CallsOf("create_step"); !slices.Equal(got, []string{"tool", "u1", "a1", "u2"}) {
		t.Errorf("create_step order = %v", got)
	}
}

func TestQueue_ParentBeforeChild(t *testing.T) {
	q, dl := newQueue(t)
	sess := session.New(session.Options{ID: "s1"})
	sess.SetHasUserMessage()

	var last *Ticket
	for _, id := range []string{"run", "tool", "llm"} {
		last = q.Enqueue(sess, CreateStep(domain.StepDict{ID: id, ThreadID: "t1"}))
	}
	last.Wait(context.Background())

	if got := dl.CallsOf("create_step"); !slices.Equal(got, []string{"run", "tool", "llm"}) {
		t.Errorf("create_step order = %v", got)
	}
}

func TestQueue_ErrorsReachTicket(t *testing.T) {
	q, dl := newQueue(t)
	dl.Err = errors.New("db down")
	sess := session.New(session.Options{ID: "s1"})
	sess.SetHasUserMessage()

	err := q.Enqueue(sess, DeleteStep("x")).Wait(context.Background())
	if domain.KindOf(err) != domain.KindPersistence {
		t.Fatalf("Wait() error = %v, want persistence error", err)
	}
}

func TestQueue_ForgetDropsDeferred(t *testing.T) {
	q, _ := newQueue(t)
	sess := session.New(session.Options{ID: "s1"})

	ticket := q.Enqueue(sess, CreateStep(domain.StepDict{ID: "x"}))
	q.Forget("s1")

	if err := ticket.Wait(context.Background()); !errors.Is(err, ErrDropped) {
		t.Errorf("Wait() error = %v, want ErrDropped", err)
	}
}

func TestQueue_NilDataLayer(t *testing.T) {
	q := NewQueue(nil, 1, nil)
	defer q.Stop()
	sess := session.New(session.Options{ID: "s1"})

	if err := q.Enqueue(sess, CreateStep(domain.StepDict{ID: "x"})).Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	first, _ := q.OnUserMessage(sess, nil, domain.StepDict{ID: "u"})
	if !first || !sess.HasUserMessage() {
		t.Error("user message flag not set without a data layer")
	}
	if !q.WaitIdle(time.Second) {
		t.Error("WaitIdle() timed out")
	}
}

// gatedDataLayer holds every step write until the gate is closed.
type gatedDataLayer struct {
	*testutil.RecordingDataLayer
	gate chan struct{}
}

func (g *gatedDataLayer) CreateStep(ctx context.Context, step domain.StepDict) error {
	<-g.gate
	return g.RecordingDataLayer.CreateStep(ctx, step)
}

func TestQueue_BacklogIsNotDropped(t *testing.T) {
	dl := &gatedDataLayer{RecordingDataLayer: testutil.NewRecordingDataLayer(), gate: make(chan struct{})}
	q := NewQueue(dl, 1, nil)
	t.Cleanup(q.Stop)
	sess := session.New(session.Options{ID: "s1", ThreadID: "t1"})
	sess.SetHasUserMessage()

	const total = 600
	tickets := make([]*Ticket, 0, total)
	var want []string
	for i := range total {
		id := fmt.Sprintf("step-%03d", i)
		want = append(want, id)
		tickets = append(tickets, q.Enqueue(sess, CreateStep(domain.StepDict{ID: id, ThreadID: "t1"})))
	}
	close(dl.gate)

	for i, tk := range tickets {
		if err := tk.Wait(context.Background()); err != nil {
			t.Fatalf("ticket %d: %v", i, err)
		}
	}
	if got := dl.CallsOf("create_step"); !slices.Equal(got, want) {
		t.Fatalf("applied %d of %d writes in order", len(got), total)
	}
}

func TestQueue_LaneClosesAfterForget(t *testing.T) {
	q, dl := newQueue(t)
	sess := session.New(session.Options{ID: "s1", ThreadID: "t1"})
	sess.SetHasUserMessage()

	if err := q.Enqueue(sess, CreateStep(domain.StepDict{ID: "a", ThreadID: "t1"})).Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	q.Forget("s1")

	late := q.Enqueue(sess, UpdateStep(domain.StepDict{ID: "a", ThreadID: "t1"}))
	if err := late.Wait(context.Background()); err != nil {
		t.Fatalf("late write after Forget: %v", err)
	}
	if !q.WaitIdle(time.Second) {
		t.Fatal("WaitIdle() timed out")
	}
	if n := q.activeLanes(); n != 0 {
		t.Errorf("%d lanes still open after draining", n)
	}
	if got := dl.CallsOf("update_step"); !slices.Equal(got, []string{"a"}) {
		t.Errorf("update_step calls = %v", got)
	}
}

func TestQueue_EndedSessionWithoutUserMessage(t *testing.T) {
	q, dl := newQueue(t)
	reg := session.NewRegistry(time.Hour, nil)
	sess := reg.Create(session.Options{ID: "s1"})
	reg.OnDelete(func(s *session.Session) { q.Forget(s.ID) })
	reg.Delete("s1")

	err := q.Enqueue(sess, CreateStep(domain.StepDict{ID: "x"})).Wait(context.Background())
	if !errors.Is(err, ErrDropped) {
		t.Errorf("Wait() error = %v, want ErrDropped", err)
	}
	if q.Deferred("s1") != 0 {
		t.Error("write deferred for an ended session")
	}
	if len(dl.Calls()) != 0 {
		t.Errorf("data layer called: %v", dl.Calls())
	}
}

func TestQueue_StopRefusesNewWrites(t *testing.T) {
	q, _ := newQueue(t)
	sess := session.New(session.Options{ID: "s1"})
	sess.SetHasUserMessage()
	q.Stop()

	if err := q.Enqueue(sess, DeleteStep("x")).Wait(context.Background()); !errors.Is(err, ErrDropped) {
		t.Errorf("Wait() after Stop = %v, want ErrDropped", err)
	}
}
