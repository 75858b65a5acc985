// Package session holds per-client state that outlives a single websocket
// connection, and the registry that maps socket ids and session ids to it.
package session

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/pkg/config"
)

// State is a session lifecycle state.
type State int

const (
	StateNascent State = iota
	StateConnected
	StateDisconnected
	StateAwaitingCleanup
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNascent:
		return "nascent"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingCleanup:
		return "awaiting_cleanup"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Options are the attributes a client supplies on connect.
type Options struct {
	ID          string
	SocketID    string
	ThreadID    string
	User        *domain.User
	UserID      string
	Token       string
	Env         map[string]string
	ClientType  string
	ChatProfile string
	Languages   string
	FilesDir    string
	Config      *config.Config
}

// Session is the per-client state. All methods are safe for concurrent use.
type Session struct {
	ID string

	mu              sync.Mutex
	socketID        string
	threadID        string
	user            *domain.User
	userID          string
	token           string
	env             map[string]string
	clientType      string
	chatProfile     string
	languages       string
	chatSettings    map[string]any
	configOverrides map[string]any
	cfg             *config.Config
	state           State

	rootMessage    *domain.StepDict
	hasUserMessage bool
	shouldStop     bool
	history        []domain.StepDict

	files    map[string]domain.FileDict
	filesDir string

	ask     *PendingAsk
	callFns map[string]chan CallFnReply

	tasks  map[uint64]context.CancelFunc
	nextID uint64
}

// New creates a nascent session.
func New(opts Options) *Session {
	env := opts.Env
	if env == nil {
		env = map[string]string{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Session{
		ID:           opts.ID,
		socketID:     opts.SocketID,
		threadID:     opts.ThreadID,
		user:         opts.User,
		userID:       opts.UserID,
		token:        opts.Token,
		env:          env,
		clientType:   opts.ClientType,
		chatProfile:  opts.ChatProfile,
		languages:    opts.Languages,
		chatSettings: map[string]any{},
		cfg:          cfg,
		files:        map[string]domain.FileDict{},
		filesDir:     opts.FilesDir,
		callFns:      map[string]chan CallFnReply{},
		tasks:        map[uint64]context.CancelFunc{},
	}
}

func (s *Session) SocketID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketID
}

func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// SetThreadID rebinds the session to another thread, as on resume.
func (s *Session) SetThreadID(id string) {
	s.mu.Lock()
	s.threadID = id
	s.mu.Unlock()
}

// User returns the authenticated user, or nil for anonymous sessions.
func (s *Session) User() *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// UserID returns the data layer id of the user, or "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) ClientType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientType
}

func (s *Session) Languages() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.languages
}

// Env returns a copy of the client-supplied environment.
func (s *Session) Env() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.env)
}

func (s *Session) ChatProfile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatProfile
}

// ChatSettings returns a copy of the current chat settings values.
func (s *Session) ChatSettings() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.chatSettings)
}

func (s *Session) SetChatSettings(settings map[string]any) {
	s.mu.Lock()
	s.chatSettings = maps.Clone(settings)
	if s.chatSettings == nil {
		s.chatSettings = map[string]any{}
	}
	s.mu.Unlock()
}

// ConfigOverrides returns the overrides applied over the global config.
func (s *Session) ConfigOverrides() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.configOverrides)
}

// ApplyOverrides merges overrides over base and makes the result the
// session's effective config.
func (s *Session) ApplyOverrides(base *config.Config, overrides map[string]any) error {
	cfg, err := base.WithOverrides(overrides)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.configOverrides = maps.Clone(overrides)
	s.mu.Unlock()
	return nil
}

// Config returns the effective configuration for this session.
func (s *Session) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// HasUserMessage reports whether a user message has anchored the thread.
func (s *Session) HasUserMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasUserMessage
}

// SetHasUserMessage sets the flag and reports whether it was previously unset.
func (s *Session) SetHasUserMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := !s.hasUserMessage
	s.hasUserMessage = true
	return first
}

// RootMessage returns the last user message received, or nil.
func (s *Session) RootMessage() *domain.StepDict {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rootMessage == nil {
		return nil
	}
	m := *s.rootMessage
	return &m
}

func (s *Session) SetRootMessage(m domain.StepDict) {
	s.mu.Lock()
	s.rootMessage = &m
	s.mu.Unlock()
}

func (s *Session) ShouldStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldStop
}

func (s *Session) SetShouldStop(v bool) {
	s.mu.Lock()
	s.shouldStop = v
	s.mu.Unlock()
}

// StartTask derives a cancellable context for one inbound event and tags it
// with the session. The returned func must be called when the task ends.
func (s *Session) StartTask(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.tasks[id] = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
		cancel()
	}
}

// CancelTasks cancels every running task tagged with the session.
func (s *Session) CancelTasks() int {
	s.mu.Lock()
	cancels := slices.Collect(maps.Values(s.tasks))
	clear(s.tasks)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// History returns the ordered chat messages of the session.
func (s *Session) History() []domain.StepDict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// RecordMessage appends m to the history, or replaces the entry with the same id.
func (s *Session) RecordMessage(m domain.StepDict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history {
		if s.history[i].ID == m.ID {
			s.history[i] = m
			return
		}
	}
	s.history = append(s.history, m)
}

// ForgetMessage removes a message from the history.
func (s *Session) ForgetMessage(id string) {
	s.mu.Lock()
	s.history = slices.DeleteFunc(s.history, func(m domain.StepDict) bool { return m.ID == id })
	s.mu.Unlock()
}

// TruncateAfter replaces the message with m.ID and drops everything after it.
// It returns the dropped messages, or false when m.ID is unknown.
func (s *Session) TruncateAfter(m domain.StepDict) ([]domain.StepDict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.history, func(h domain.StepDict) bool { return h.ID == m.ID })
	if idx < 0 {
		return nil, false
	}
	dropped := slices.Clone(s.history[idx+1:])
	s.history = append(s.history[:idx], m)
	return dropped, true
}

// ResetHistory replaces the history, as when resuming a thread.
func (s *Session) ResetHistory(msgs []domain.StepDict) {
	s.mu.Lock()
	s.history = slices.Clone(msgs)
	s.mu.Unlock()
}

// PersistableState is what gets written to the thread metadata.
func (s *Session) PersistableState() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := map[string]any{
		"chat_settings": maps.Clone(s.chatSettings),
		"env":           maps.Clone(s.env),
	}
	if s.chatProfile != "" {
		state["chat_profile"] = s.chatProfile
	}
	if len(s.configOverrides) > 0 {
		state["config_overrides"] = maps.Clone(s.configOverrides)
	}
	return state
}

// RestoreState applies previously persisted thread metadata.
func (s *Session) RestoreState(metadata map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := metadata["chat_profile"].(string); ok && s.chatProfile == "" {
		s.chatProfile = p
	}
	if cs, ok := metadata["chat_settings"].(map[string]any); ok {
		s.chatSettings = maps.Clone(cs)
	}
	if env, ok := metadata["env"].(map[string]any); ok {
		for k, v := range env {
			if str, ok := v.(string); ok {
				if _, set := s.env[k]; !set {
					s.env[k] = str
				}
			}
		}
	}
}

// MarshalJSON exposes a debug view of the session.
func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := struct {
		ID             string `json:"id"`
		ThreadID       string `json:"threadId"`
		State          string `json:"state"`
		ChatProfile    string `json:"chatProfile,omitempty"`
		HasUserMessage bool   `json:"hasUserMessage"`
		Files          int    `json:"files"`
	}{s.ID, s.threadID, s.state.String(), s.chatProfile, s.hasUserMessage, len(s.files)}
	return json.Marshal(view)
}
