// Package socket serves the websocket the UI talks to: it authenticates
// connections, binds them to sessions, and dispatches inbound events to
// the developer's handlers.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tjfontaine/chatline/internal/callbacks"
	"github.com/tjfontaine/chatline/internal/chat"
	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/emitter"
	"github.com/tjfontaine/chatline/internal/persist"
	"github.com/tjfontaine/chatline/internal/pkg/config"
	"github.com/tjfontaine/chatline/internal/session"
	"github.com/tjfontaine/chatline/internal/tokens"
)

// Authenticator identifies the user behind a connection request. It
// returns a nil user for anonymous access and an error to refuse.
type Authenticator interface {
	Authenticate(r *http.Request) (*domain.User, string, error)
}

// Options configures a Hub.
type Options struct {
	Sessions  *session.Registry
	Queue     *persist.Queue
	Callbacks *callbacks.Registry
	Auth      Authenticator
	// Config returns the current global configuration.
	Config func() *config.Config
	Tokens *tokens.Registry
	Logger *slog.Logger
}

// Hub owns the live websocket clients and implements emitter.Transport.
type Hub struct {
	sessions  *session.Registry
	queue     *persist.Queue
	callbacks *callbacks.Registry
	auth      Authenticator
	config    func() *config.Config
	tokens    *tokens.Registry
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[string]*client
}

var _ emitter.Transport = (*Hub)(nil)

// NewHub creates a hub and hooks session deletion to on_chat_end.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = callbacks.NewBuilder().Build()
	}
	if opts.Queue == nil {
		opts.Queue = persist.NewQueue(nil, 1, opts.Logger)
	}
	if opts.Config == nil {
		cfg := config.Default()
		opts.Config = func() *config.Config { return cfg }
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		sessions:  opts.Sessions,
		queue:     opts.Queue,
		callbacks: opts.Callbacks,
		auth:      opts.Auth,
		config:    opts.Config,
		tokens:    opts.Tokens,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		clients:   map[string]*client{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	h.sessions.OnDelete(h.endChat)
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowed := h.config().Project.AllowOrigins
	if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
		return true
	}
	return slices.Contains(allowed, origin)
}

// Send implements emitter.Transport.
func (h *Hub) Send(ctx context.Context, socketID string, frame []byte) error {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("socket %s: %w", socketID, errClientGone)
	}
	return c.enqueue(ctx, frame)
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(event string, data any) {
	frame := emitter.Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			h.logger.Error("broadcast encode failed", slog.String("event", event), slog.String("error", err.Error()))
			return
		}
		frame.Data = raw
	}
	b, _ := json.Marshal(frame)

	h.mu.RLock()
	clients := slices.Collect(maps.Values(h.clients))
	h.mu.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		if err := c.enqueue(ctx, b); err != nil && !errors.Is(err, errClientGone) {
			h.logger.Warn("broadcast dropped for slow client",
				slog.String("event", event),
				slog.String("socket_id", c.socketID))
		}
		cancel()
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP authenticates the request, upgrades it and binds the connection
// to a new or restored session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config()
	q := r.URL.Query()

	var user *domain.User
	var token string
	if h.auth != nil {
		var err error
		user, token, err = h.auth.Authenticate(r)
		if err != nil {
			h.logger.Info("websocket refused", slog.String("error", err.Error()))
			writeError(w, domain.ToError(err))
			return
		}
	}

	env, err := parseUserEnv(q.Get("userEnv"), cfg.Project.UserEnv)
	if err != nil {
		writeError(w, domain.ToError(err))
		return
	}

	sessionID := q.Get("sessionId")
	if sessionID != "" {
		if _, err := uuid.Parse(sessionID); err != nil {
			writeError(w, domain.ErrInvalidRequest("sessionId must be a UUID"))
			return
		}
	}
	existing, restoring := h.sessions.GetByID(sessionID)
	if restoring && !sameUser(existing.User(), user) {
		writeError(w, domain.ErrAuth("session belongs to another user"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, uuid.NewString())
	h.mu.Lock()
	h.clients[c.socketID] = c
	h.mu.Unlock()

	var sess *session.Session
	if restoring {
		sess, restoring = h.sessions.Restore(sessionID, c.socketID)
	}
	if !restoring {
		sess = h.createSession(r.Context(), cfg, c.socketID, sessionID, user, token, env, q)
		c.resumeThread = q.Get("threadId")
	}
	c.mu.Lock()
	c.sess = sess
	c.restored = restoring
	c.mu.Unlock()

	h.logger.Info("websocket connected",
		slog.String("session_id", sess.ID),
		slog.String("socket_id", c.socketID),
		slog.Bool("restored", restoring))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) createSession(ctx context.Context, cfg *config.Config, socketID, sessionID string, user *domain.User, token string, env map[string]string, q map[string][]string) *session.Session {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	threadID := get("threadId")
	if threadID == "" {
		threadID = uuid.NewString()
	}

	sess := h.sessions.Create(session.Options{
		ID:          sessionID,
		SocketID:    socketID,
		ThreadID:    threadID,
		User:        user,
		UserID:      h.persistedUserID(ctx, user),
		Token:       token,
		Env:         env,
		ClientType:  get("clientType"),
		ChatProfile: get("chatProfile"),
		Languages:   get("languages"),
		FilesDir:    cfg.Project.FilesDir,
		Config:      cfg,
	})
	h.applyChatProfile(ctx, cfg, sess, user)
	h.sessions.Connect(sess)
	return sess
}

// persistedUserID returns the data layer id of user, creating the record
// when it does not exist yet.
func (h *Hub) persistedUserID(ctx context.Context, user *domain.User) string {
	dl := h.queue.DataLayer()
	if user == nil || dl == nil {
		return ""
	}
	pu, err := dl.GetUser(ctx, user.Identifier)
	if err == nil && pu == nil {
		pu, err = dl.CreateUser(ctx, *user)
	}
	if err != nil {
		h.logger.Error("resolve user failed",
			slog.String("user", user.Identifier),
			slog.String("error", err.Error()))
		return ""
	}
	return pu.ID
}

func (h *Hub) applyChatProfile(ctx context.Context, cfg *config.Config, sess *session.Session, user *domain.User) {
	profiles, err := h.callbacks.ChatProfiles(ctx, user, cfg.ChatProfiles)
	if err != nil {
		h.logger.Error("chat profiles failed", slog.String("error", err.Error()))
		return
	}
	name := sess.ChatProfile()
	for _, p := range profiles {
		if (name == "" && p.Default) || p.Name == name {
			if len(p.ConfigOverrides) == 0 {
				return
			}
			if err := sess.ApplyOverrides(cfg, p.ConfigOverrides); err != nil {
				h.logger.Error("chat profile overrides rejected",
					slog.String("profile", p.Name),
					slog.String("error", err.Error()))
			}
			return
		}
	}
}

// disconnect detaches a closed client. The session stays restorable for
// the configured session timeout.
func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	delete(h.clients, c.socketID)
	h.mu.Unlock()

	sess, ok := h.sessions.MarkForCleanup(c.socketID)
	if !ok {
		return
	}
	h.logger.Info("websocket disconnected",
		slog.String("session_id", sess.ID),
		slog.String("socket_id", c.socketID))

	if sess.HasUserMessage() && h.queue.Enabled() {
		h.queue.Enqueue(sess, persist.UpdateThread(domain.ThreadUpdate{
			ThreadID: sess.ThreadID(),
			Metadata: sess.PersistableState(),
		}))
	}
}

// endChat runs when a session is deleted.
func (h *Hub) endChat(sess *session.Session) {
	ctx := chat.WithContext(h.ctx, &chat.Context{
		Session: sess,
		Persist: h.queue,
		Tokens:  h.tokens,
		Logger:  h.logger,
		User:    sess.User(),
		Token:   sess.Token(),
		Env:     sess.Env(),
	})
	h.callbacks.ChatEnd(ctx)
	h.queue.Forget(sess.ID)
}

// chatContext binds sess and a websocket emitter to a task context.
func (h *Hub) chatContext(parent context.Context, sess *session.Session) context.Context {
	em := emitter.NewWebsocket(sess, h, h.logger)
	return chat.InitForWebsocket(parent, sess, em, h.queue, h.tokens, h.logger)
}

// task runs fn in its own goroutine with a context cancelled by stop,
// session cleanup, or hub shutdown.
func (h *Hub) task(sess *session.Session, fn func(ctx context.Context)) {
	ctx, done := sess.StartTask(h.ctx)
	ctx = h.chatContext(ctx, sess)
	go func() {
		defer done()
		fn(ctx)
	}()
}

// Close disconnects every client and deletes every session.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	h.sessions.Close()
	h.cancel()
}

func parseUserEnv(raw string, required []string) (map[string]string, error) {
	env := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, domain.ErrInvalidRequest("userEnv is not a JSON object of strings")
		}
	}
	var missing []string
	for _, k := range required {
		if env[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, domain.ErrInvalidRequest("missing user environment variables: " + strings.Join(missing, ", "))
	}
	return env, nil
}

func sameUser(a, b *domain.User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Identifier == b.Identifier
}

func writeError(w http.ResponseWriter, err *domain.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatusCode())
	json.NewEncoder(w).Encode(map[string]string{"detail": err.Message})
}
