package callbacks

import (
	"maps"

	"go.opentelemetry.io/otel/trace"
)

// Builder collects handlers at startup. Later registrations for the same
// event replace earlier ones.
type Builder struct {
	r Registry
}

func NewBuilder() *Builder {
	return &Builder{r: Registry{actions: map[string]ActionHandler{}}}
}

func (b *Builder) OnChatStart(h Handler) *Builder {
	b.r.chatStart = h
	return b
}

func (b *Builder) OnChatResume(h ResumeHandler) *Builder {
	b.r.chatResume = h
	return b
}

func (b *Builder) OnChatEnd(h Handler) *Builder {
	b.r.chatEnd = h
	return b
}

func (b *Builder) OnMessage(h MessageHandler) *Builder {
	b.r.message = h
	return b
}

func (b *Builder) OnSettingsUpdate(h SettingsHandler) *Builder {
	b.r.settings = h
	return b
}

func (b *Builder) OnAudioStart(h Handler) *Builder {
	b.r.audioStart = h
	return b
}

func (b *Builder) OnAudioChunk(h AudioChunkHandler) *Builder {
	b.r.audioChunk = h
	return b
}

func (b *Builder) OnAudioEnd(h Handler) *Builder {
	b.r.audioEnd = h
	return b
}

func (b *Builder) OnStop(h Handler) *Builder {
	b.r.stop = h
	return b
}

func (b *Builder) OnWindowMessage(h WindowMessageHandler) *Builder {
	b.r.windowMessage = h
	return b
}

func (b *Builder) OnLogout(h LogoutHandler) *Builder {
	b.r.logout = h
	return b
}

// OnAction registers the handler for actions named name.
func (b *Builder) OnAction(name string, h ActionHandler) *Builder {
	b.r.actions[name] = h
	return b
}

func (b *Builder) PasswordAuth(h PasswordAuthHandler) *Builder {
	b.r.passwordAuth = h
	return b
}

func (b *Builder) HeaderAuth(h HeaderAuthHandler) *Builder {
	b.r.headerAuth = h
	return b
}

func (b *Builder) OAuth(h OAuthHandler) *Builder {
	b.r.oauth = h
	return b
}

func (b *Builder) OnSharedThreadView(h SharedThreadViewHandler) *Builder {
	b.r.sharedThreadView = h
	return b
}

func (b *Builder) SetChatProfiles(h ChatProfilesHandler) *Builder {
	b.r.chatProfiles = h
	return b
}

func (b *Builder) SetStarters(h StartersHandler) *Builder {
	b.r.starters = h
	return b
}

// WithTracer overrides the global OpenTelemetry tracer.
func (b *Builder) WithTracer(t trace.Tracer) *Builder {
	b.r.tracer = t
	return b
}

// Build returns the registry. The builder may keep being used afterwards
// without affecting it.
func (b *Builder) Build() *Registry {
	r := b.r
	r.actions = maps.Clone(b.r.actions)
	if r.tracer == nil {
		r.tracer = defaultTracer()
	}
	return &r
}
