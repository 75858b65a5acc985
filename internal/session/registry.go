package session

import (
	"log/slog"
	"sync"
	"time"
)

// Registry indexes live sessions by session id and by socket id.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Session
	bySocket map[string]*Session
	timers   map[string]*time.Timer
	grace    time.Duration
	onDelete []func(*Session)
	logger   *slog.Logger
}

// NewRegistry creates a registry whose disconnected sessions are deleted
// after grace.
func NewRegistry(grace time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:     map[string]*Session{},
		bySocket: map[string]*Session{},
		timers:   map[string]*time.Timer{},
		grace:    grace,
		logger:   logger,
	}
}

// OnDelete registers fn to run after a session has been removed.
func (r *Registry) OnDelete(fn func(*Session)) {
	r.mu.Lock()
	r.onDelete = append(r.onDelete, fn)
	r.mu.Unlock()
}

// SetGrace changes the cleanup window for future disconnects.
func (r *Registry) SetGrace(d time.Duration) {
	r.mu.Lock()
	r.grace = d
	r.mu.Unlock()
}

// Create registers a new session under both of its ids.
func (r *Registry) Create(opts Options) *Session {
	s := New(opts)
	r.mu.Lock()
	r.byID[s.ID] = s
	r.bySocket[opts.SocketID] = s
	r.mu.Unlock()
	return s
}

// GetByID returns the session with the given session id.
func (r *Registry) GetByID(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// GetBySocket returns the session bound to a socket id.
func (r *Registry) GetBySocket(socketID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySocket[socketID]
	return s, ok
}

// Restore re-attaches a known session to a new socket and cancels any
// pending cleanup. It reports false when the session is unknown.
func (r *Registry) Restore(sessionID, socketID string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}

	s.mu.Lock()
	old := s.socketID
	s.socketID = socketID
	s.state = StateConnected
	s.mu.Unlock()

	delete(r.bySocket, old)
	r.bySocket[socketID] = s
	r.mu.Unlock()

	r.logger.Info("session restored",
		slog.String("session_id", sessionID),
		slog.String("socket_id", socketID))
	return s, true
}

// Connect marks a freshly created session as connected.
func (r *Registry) Connect(s *Session) {
	s.setState(StateConnected)
}

// MarkForCleanup detaches the socket and schedules deletion after the grace
// window. The pending ask is cancelled; running tasks keep going.
func (r *Registry) MarkForCleanup(socketID string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.bySocket[socketID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.bySocket, socketID)
	s.setState(StateDisconnected)

	id := s.ID
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}
	r.timers[id] = time.AfterFunc(r.grace, func() { r.expire(id, s) })
	r.mu.Unlock()

	s.CancelAsk()
	s.cancelCallFns()
	return s, true
}

func (r *Registry) expire(id string, s *Session) {
	r.mu.Lock()
	// A restore may have won the race against the timer.
	if cur, ok := r.byID[id]; !ok || cur != s || s.State() != StateDisconnected {
		r.mu.Unlock()
		return
	}
	delete(r.timers, id)
	r.mu.Unlock()

	s.setState(StateAwaitingCleanup)
	r.logger.Info("session expired", slog.String("session_id", id))
	r.Delete(id)
}

// Delete removes the session immediately, cancels its tasks and pending
// ask, removes its files directory, and runs the OnDelete hooks.
func (r *Registry) Delete(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, sessionID)
	if cur, ok := r.bySocket[s.SocketID()]; ok && cur == s {
		delete(r.bySocket, s.SocketID())
	}
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
	hooks := append([]func(*Session){}, r.onDelete...)
	r.mu.Unlock()

	s.CancelAsk()
	s.cancelCallFns()
	s.CancelTasks()
	if err := s.RemoveFiles(); err != nil {
		r.logger.Error("failed to remove session files",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	s.setState(StateTerminated)

	for _, fn := range hooks {
		fn(s)
	}
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Close deletes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Delete(id)
	}
}
