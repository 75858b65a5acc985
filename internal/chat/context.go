// Package chat is the developer-facing API: messages, steps, actions,
// elements and asks, all bound to the session carried by a context.Context.
package chat

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/emitter"
	"github.com/tjfontaine/chatline/internal/persist"
	"github.com/tjfontaine/chatline/internal/pkg/config"
	"github.com/tjfontaine/chatline/internal/session"
	"github.com/tjfontaine/chatline/internal/tokens"
)

// Context is the ambient handle of a running callback.
type Context struct {
	// Session is nil for HTTP-scoped contexts.
	Session *session.Session
	Emitter emitter.Emitter
	Persist *persist.Queue
	Tokens  *tokens.Registry
	Logger  *slog.Logger

	// Set for HTTP-scoped contexts, which have no session.
	User  *domain.User
	Token string
	Env   map[string]string
}

type ctxKey struct{}

type stepFrame struct {
	step   *Step
	parent *stepFrame
}

type stepKey struct{}

// WithContext binds c to ctx.
func WithContext(ctx context.Context, c *Context) context.Context {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Emitter == nil {
		c.Emitter = emitter.Base{}
	}
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the bound Context, or ErrNoContext.
func FromContext(ctx context.Context) (*Context, error) {
	c, ok := ctx.Value(ctxKey{}).(*Context)
	if !ok || c == nil {
		return nil, domain.ErrNoContext
	}
	return c, nil
}

// InitForWebsocket binds a session and its websocket emitter to ctx.
func InitForWebsocket(ctx context.Context, sess *session.Session, em emitter.Emitter, q *persist.Queue, tr *tokens.Registry, logger *slog.Logger) context.Context {
	return WithContext(ctx, &Context{
		Session: sess,
		Emitter: em,
		Persist: q,
		Tokens:  tr,
		Logger:  logger,
		User:    sess.User(),
		Token:   sess.Token(),
		Env:     sess.Env(),
	})
}

// InitForHTTP binds a session-less context whose emits are discarded.
func InitForHTTP(ctx context.Context, user *domain.User, token string, env map[string]string) context.Context {
	return WithContext(ctx, &Context{User: user, Token: token, Env: env})
}

// CurrentStep returns the innermost step entered on ctx, or nil.
func CurrentStep(ctx context.Context) *Step {
	if f, ok := ctx.Value(stepKey{}).(*stepFrame); ok {
		return f.step
	}
	return nil
}

// CurrentRun returns the innermost run-typed step entered on ctx, or nil.
func CurrentRun(ctx context.Context) *Step {
	f, _ := ctx.Value(stepKey{}).(*stepFrame)
	for ; f != nil; f = f.parent {
		if f.step.Type == domain.StepTypeRun {
			return f.step
		}
	}
	return nil
}

func withStep(ctx context.Context, s *Step) context.Context {
	parent, _ := ctx.Value(stepKey{}).(*stepFrame)
	return context.WithValue(ctx, stepKey{}, &stepFrame{step: s, parent: parent})
}

// ActiveSteps returns the entered steps from outermost to innermost.
func ActiveSteps(ctx context.Context) []*Step {
	var out []*Step
	for f, _ := ctx.Value(stepKey{}).(*stepFrame); f != nil; f = f.parent {
		out = append([]*Step{f.step}, out...)
	}
	return out
}

// ThreadID returns the thread of the bound session, or "".
func (c *Context) ThreadID() string {
	if c.Session == nil {
		return ""
	}
	return c.Session.ThreadID()
}

// Config returns the session's effective config, or nil.
func (c *Context) Config() *config.Config {
	if c.Session == nil {
		return nil
	}
	return c.Session.Config()
}

func (c *Context) cot() string {
	if cfg := c.Config(); cfg != nil && cfg.UI.CoT != "" {
		return cfg.UI.CoT
	}
	return config.CoTFull
}

// persist queues op for the session. It waits for the write and returns its
// error only when failOnErr (or the global flag) is set and the write is not
// being held back for the first user message.
func (c *Context) persist(ctx context.Context, op persist.Op, failOnErr bool) error {
	if c.Session == nil || c.Persist == nil || !c.Persist.Enabled() {
		return nil
	}
	t := c.Persist.Enqueue(c.Session, op)
	if (failOnErr || c.Persist.FailOnError()) && c.Session.HasUserMessage() {
		return t.Wait(ctx)
	}
	return nil
}

// ShouldStop reports whether the user asked the running task to stop.
func ShouldStop(ctx context.Context) bool {
	c, err := FromContext(ctx)
	if err != nil || c.Session == nil {
		return false
	}
	return c.Session.ShouldStop() || ctx.Err() != nil
}
