// Package persist serializes data-layer writes per session and holds them
// back until a user message anchors the thread.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
	"github.com/tjfontaine/chatline/internal/session"
)

// ErrDropped completes tickets whose operation never ran.
var ErrDropped = domain.NewError(domain.KindPersistence, "operation dropped")

type task struct {
	op     Op
	ticket *Ticket
}

// lane is one session's FIFO. Its goroutine runs only while tasks are
// queued and removes the lane once drained.
type lane struct {
	tasks   []task
	running bool
}

// Queue manages per-session lanes with a global concurrency semaphore.
// Writes of one session run in FIFO order; the semaphore bounds how many
// sessions write at the same time.
type Queue struct {
	dl        ports.DataLayer
	semaphore *semaphore.Weighted
	logger    *slog.Logger
	failOnErr bool
	pending   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lanes    map[string]*lane
	deferred map[string][]task
	stopped  bool
}

// NewQueue creates a queue writing to dl. A nil dl makes every operation a no-op.
func NewQueue(dl ports.DataLayer, maxConcurrent int64, logger *slog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		dl:        dl,
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		lanes:     make(map[string]*lane),
		deferred:  make(map[string][]task),
	}
}

// SetFailOnError makes callers wait for writes and see their errors.
func (q *Queue) SetFailOnError(v bool) {
	q.failOnErr = v
}

// FailOnError reports whether persistence errors propagate to callers.
func (q *Queue) FailOnError() bool {
	return q.failOnErr
}

// Enabled reports whether a data layer is configured.
func (q *Queue) Enabled() bool {
	return q.dl != nil
}

// DataLayer returns the underlying data layer, or nil.
func (q *Queue) DataLayer() ports.DataLayer {
	return q.dl
}

// Enqueue schedules op for sess. Until the session has seen a user message,
// the op is held back in a deferred FIFO.
func (q *Queue) Enqueue(sess *session.Session, op Op) *Ticket {
	t := newTicket()
	if q.dl == nil {
		t.complete(nil)
		return t
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !sess.HasUserMessage() {
		if sess.State() == session.StateTerminated {
			t.complete(ErrDropped)
			return t
		}
		q.deferred[sess.ID] = append(q.deferred[sess.ID], task{op: op, ticket: t})
		q.logger.Debug("persistence deferred",
			slog.String("session_id", sess.ID),
			slog.String("op", op.String()))
		return t
	}
	q.pushLocked(sess.ID, task{op: op, ticket: t})
	return t
}

// OnUserMessage anchors the thread with a user message. It schedules the
// thread update, then any deferred operations in FIFO order, then the
// creation of the message itself. It reports whether this was the first
// user message of the session.
func (q *Queue) OnUserMessage(sess *session.Session, thread *domain.ThreadUpdate, message domain.StepDict) (bool, *Ticket) {
	t := newTicket()

	q.mu.Lock()
	defer q.mu.Unlock()

	first := sess.SetHasUserMessage()
	if q.dl == nil {
		delete(q.deferred, sess.ID)
		t.complete(nil)
		return first, t
	}

	if thread != nil {
		q.pushLocked(sess.ID, task{op: UpdateThread(*thread), ticket: newTicket()})
	}
	pending := q.deferred[sess.ID]
	delete(q.deferred, sess.ID)
	for _, d := range pending {
		q.pushLocked(sess.ID, d)
	}
	q.pushLocked(sess.ID, task{op: CreateStep(message), ticket: t})

	if len(pending) > 0 {
		q.logger.Debug("flushed deferred persistence",
			slog.String("session_id", sess.ID),
			slog.Int("ops", len(pending)))
	}
	return first, t
}

// Deferred returns the number of operations held back for a session.
func (q *Queue) Deferred(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deferred[sessionID])
}

func (q *Queue) pushLocked(sessionID string, tk task) {
	if q.stopped {
		tk.ticket.complete(ErrDropped)
		return
	}
	l, ok := q.lanes[sessionID]
	if !ok {
		l = &lane{}
		q.lanes[sessionID] = l
	}
	l.tasks = append(l.tasks, tk)
	q.pending.Add(1)
	if !l.running {
		l.running = true
		q.wg.Add(1)
		go q.drain(sessionID, l)
	}
}

func (q *Queue) drain(sessionID string, l *lane) {
	defer q.wg.Done()
	ran := false
	for {
		q.mu.Lock()
		// Settled under the lock so an idle queue never shows a stale lane.
		if ran {
			q.pending.Add(-1)
		}
		if len(l.tasks) == 0 {
			l.running = false
			if q.lanes[sessionID] == l {
				delete(q.lanes, sessionID)
			}
			q.mu.Unlock()
			return
		}
		tk := l.tasks[0]
		l.tasks[0] = task{}
		l.tasks = l.tasks[1:]
		q.mu.Unlock()

		q.run(sessionID, tk)
		ran = true
	}
}

func (q *Queue) run(sessionID string, tk task) {
	if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
		tk.ticket.complete(ErrDropped)
		return
	}
	defer q.semaphore.Release(1)

	if err := tk.op.Apply(q.ctx, q.dl); err != nil {
		q.logger.Error("persistence failed",
			slog.String("session_id", sessionID),
			slog.String("op", tk.op.String()),
			slog.String("error", err.Error()))
		tk.ticket.complete(domain.ErrPersistence(tk.op.String(), err))
		return
	}
	tk.ticket.complete(nil)
}

// Forget drops anything still deferred for a session. Writes already in
// its lane still run; later writes for the ended session run only if it
// had anchored its thread.
func (q *Queue) Forget(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, d := range q.deferred[sessionID] {
		d.ticket.complete(ErrDropped)
	}
	delete(q.deferred, sessionID)
}

// activeLanes returns the number of sessions with queued or running writes.
func (q *Queue) activeLanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// WaitIdle blocks until no lane has queued or running writes, or the timeout
// expires. Returns true if idle.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Stop refuses new writes, lets queued writes finish, then cancels the
// queue context.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	for id, pending := range q.deferred {
		for _, d := range pending {
			d.ticket.complete(ErrDropped)
		}
		delete(q.deferred, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
	q.cancel()
}

// Ticket completes when its operation has been applied or dropped.
type Ticket struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (t *Ticket) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed once the operation has completed.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the operation completes and returns its error.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
