// Package callbacks holds the developer's event handlers and invokes them
// with task bracketing, tracing and error surfacing.
package callbacks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/chatline/internal/chat"
	"github.com/tjfontaine/chatline/internal/core/domain"
)

// Event names handlers are registered under.
const (
	OnChatStart        = "on_chat_start"
	OnChatResume       = "on_chat_resume"
	OnChatEnd          = "on_chat_end"
	OnMessage          = "on_message"
	OnAction           = "on_action"
	OnSettingsUpdate   = "on_settings_update"
	OnAudioStart       = "on_audio_start"
	OnAudioChunk       = "on_audio_chunk"
	OnAudioEnd         = "on_audio_end"
	OnStop             = "on_stop"
	OnWindowMessage    = "on_window_message"
	OnLogout           = "on_logout"
	PasswordAuth       = "password_auth_callback"
	HeaderAuth         = "header_auth_callback"
	OAuth              = "oauth_callback"
	OnSharedThreadView = "on_shared_thread_view"
	SetChatProfiles    = "set_chat_profiles"
	SetStarters        = "set_starters"
)

// These run inside a root run step so the steps they create nest under it.
var runStepCallbacks = map[string]bool{
	OnChatStart: true,
	OnMessage:   true,
	OnAudioEnd:  true,
}

// ErrorAuthor names the error messages posted when a handler fails.
const ErrorAuthor = "Error"

type (
	Handler                 func(ctx context.Context) error
	MessageHandler          func(ctx context.Context, msg *chat.Message) error
	ActionHandler           func(ctx context.Context, action *chat.Action) error
	SettingsHandler         func(ctx context.Context, settings map[string]any) error
	ResumeHandler           func(ctx context.Context, thread *domain.ThreadDict) error
	AudioChunkHandler       func(ctx context.Context, chunk AudioChunk) error
	WindowMessageHandler    func(ctx context.Context, data json.RawMessage) error
	PasswordAuthHandler     func(ctx context.Context, username, password string) (*domain.User, error)
	HeaderAuthHandler       func(ctx context.Context, headers http.Header) (*domain.User, error)
	OAuthHandler            func(ctx context.Context, providerID, token string, raw map[string]any, defaultUser *domain.User) (*domain.User, error)
	SharedThreadViewHandler func(ctx context.Context, thread *domain.ThreadDict, viewer *domain.User) (bool, error)
	ChatProfilesHandler     func(ctx context.Context, user *domain.User) ([]domain.ChatProfile, error)
	StartersHandler         func(ctx context.Context, user *domain.User) ([]domain.Starter, error)
	LogoutHandler           func(ctx context.Context, user *domain.User) error
)

// AudioChunk is one frame of microphone input.
type AudioChunk struct {
	IsStart     bool    `json:"isStart"`
	MimeType    string  `json:"mimeType"`
	ElapsedTime float64 `json:"elapsedTime"`
	Data        []byte  `json:"data"`
}

// Registry is the immutable set of handlers produced by a Builder.
type Registry struct {
	chatStart     Handler
	chatResume    ResumeHandler
	chatEnd       Handler
	message       MessageHandler
	actions       map[string]ActionHandler
	settings      SettingsHandler
	audioStart    Handler
	audioChunk    AudioChunkHandler
	audioEnd      Handler
	stop          Handler
	windowMessage WindowMessageHandler
	logout        LogoutHandler

	passwordAuth     PasswordAuthHandler
	headerAuth       HeaderAuthHandler
	oauth            OAuthHandler
	sharedThreadView SharedThreadViewHandler
	chatProfiles     ChatProfilesHandler
	starters         StartersHandler

	tracer trace.Tracer
}

// Has reports whether a handler is registered for event.
func (r *Registry) Has(event string) bool {
	switch event {
	case OnChatStart:
		return r.chatStart != nil
	case OnChatResume:
		return r.chatResume != nil
	case OnChatEnd:
		return r.chatEnd != nil
	case OnMessage:
		return r.message != nil
	case OnAction:
		return len(r.actions) > 0
	case OnSettingsUpdate:
		return r.settings != nil
	case OnAudioStart:
		return r.audioStart != nil
	case OnAudioChunk:
		return r.audioChunk != nil
	case OnAudioEnd:
		return r.audioEnd != nil
	case OnStop:
		return r.stop != nil
	case OnWindowMessage:
		return r.windowMessage != nil
	case OnLogout:
		return r.logout != nil
	case PasswordAuth:
		return r.passwordAuth != nil
	case HeaderAuth:
		return r.headerAuth != nil
	case OAuth:
		return r.oauth != nil
	case OnSharedThreadView:
		return r.sharedThreadView != nil
	case SetChatProfiles:
		return r.chatProfiles != nil
	case SetStarters:
		return r.starters != nil
	}
	return false
}

// invoke runs fn in a span, converting panics and errors into
// user-callback errors.
func (r *Registry) invoke(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	ctx, span := r.tracer.Start(ctx, "callback "+name,
		trace.WithAttributes(attribute.String("chatline.callback", name)))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			err = domain.ErrUserCallback(name, err)
		}
	}()
	return fn(ctx)
}

// dispatch invokes a session-scoped handler. With task set, the UI busy
// indicator brackets the call. A failure is logged and posted to the chat
// as an error message; it is also returned for the caller's bookkeeping.
func (r *Registry) dispatch(ctx context.Context, name string, task bool, fn func(ctx context.Context) error) error {
	c, err := chat.FromContext(ctx)
	if err != nil {
		return err
	}
	if task {
		c.Emitter.TaskStart(ctx)
		defer c.Emitter.TaskEnd(ctx)
	}

	run := fn
	if runStepCallbacks[name] {
		run = func(ctx context.Context) error {
			return chat.Run(ctx, chat.NewStep(name, domain.StepTypeRun), fn)
		}
	}

	err = r.invoke(ctx, name, run)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}

	attrs := []any{slog.String("callback", name), slog.String("error", err.Error())}
	if c.Session != nil {
		attrs = append(attrs, slog.String("session_id", c.Session.ID))
	}
	c.Logger.Error("callback failed", attrs...)

	detail := err.Error()
	if inner := errors.Unwrap(err); inner != nil {
		detail = inner.Error()
	}
	msg := chat.ErrorMessage(detail)
	msg.Name = ErrorAuthor
	if sendErr := msg.Send(ctx); sendErr != nil {
		c.Logger.Warn("error message not delivered", slog.String("error", sendErr.Error()))
	}
	return err
}

func (r *Registry) ChatStart(ctx context.Context) error {
	if r.chatStart == nil {
		return nil
	}
	return r.dispatch(ctx, OnChatStart, true, func(ctx context.Context) error { return r.chatStart(ctx) })
}

func (r *Registry) ChatResume(ctx context.Context, thread *domain.ThreadDict) error {
	if r.chatResume == nil {
		return nil
	}
	return r.dispatch(ctx, OnChatResume, true, func(ctx context.Context) error { return r.chatResume(ctx, thread) })
}

func (r *Registry) ChatEnd(ctx context.Context) error {
	if r.chatEnd == nil {
		return nil
	}
	return r.dispatch(ctx, OnChatEnd, false, func(ctx context.Context) error { return r.chatEnd(ctx) })
}

func (r *Registry) Message(ctx context.Context, msg *chat.Message) error {
	if r.message == nil {
		return nil
	}
	return r.dispatch(ctx, OnMessage, true, func(ctx context.Context) error { return r.message(ctx, msg) })
}

// Action dispatches to the handler registered under the action's name. An
// action nobody registered fails like a handler error, so the UI sees it.
func (r *Registry) Action(ctx context.Context, action *chat.Action) error {
	h, ok := r.actions[action.Name]
	if !ok {
		h = func(context.Context, *chat.Action) error {
			return errors.New("no action callback named " + action.Name)
		}
	}
	return r.dispatch(ctx, OnAction, true, func(ctx context.Context) error { return h(ctx, action) })
}

func (r *Registry) SettingsUpdate(ctx context.Context, settings map[string]any) error {
	if r.settings == nil {
		return nil
	}
	return r.dispatch(ctx, OnSettingsUpdate, false, func(ctx context.Context) error { return r.settings(ctx, settings) })
}

func (r *Registry) AudioStart(ctx context.Context) error {
	if r.audioStart == nil {
		return nil
	}
	return r.dispatch(ctx, OnAudioStart, false, func(ctx context.Context) error { return r.audioStart(ctx) })
}

func (r *Registry) AudioChunk(ctx context.Context, chunk AudioChunk) error {
	if r.audioChunk == nil {
		return nil
	}
	return r.dispatch(ctx, OnAudioChunk, false, func(ctx context.Context) error { return r.audioChunk(ctx, chunk) })
}

func (r *Registry) AudioEnd(ctx context.Context) error {
	if r.audioEnd == nil {
		return nil
	}
	return r.dispatch(ctx, OnAudioEnd, true, func(ctx context.Context) error { return r.audioEnd(ctx) })
}

func (r *Registry) Stop(ctx context.Context) error {
	if r.stop == nil {
		return nil
	}
	return r.dispatch(ctx, OnStop, false, func(ctx context.Context) error { return r.stop(ctx) })
}

func (r *Registry) WindowMessage(ctx context.Context, data json.RawMessage) error {
	if r.windowMessage == nil {
		return nil
	}
	return r.dispatch(ctx, OnWindowMessage, false, func(ctx context.Context) error { return r.windowMessage(ctx, data) })
}

// The handlers below run in HTTP scope: failures are returned, not posted.

func (r *Registry) Logout(ctx context.Context, user *domain.User) error {
	if r.logout == nil {
		return nil
	}
	return r.invoke(ctx, OnLogout, func(ctx context.Context) error { return r.logout(ctx, user) })
}

// AuthenticatePassword returns the user for the credentials, or nil when
// they are rejected.
func (r *Registry) AuthenticatePassword(ctx context.Context, username, password string) (*domain.User, error) {
	if r.passwordAuth == nil {
		return nil, nil
	}
	var u *domain.User
	err := r.invoke(ctx, PasswordAuth, func(ctx context.Context) (err error) {
		u, err = r.passwordAuth(ctx, username, password)
		return err
	})
	return u, err
}

// AuthenticateHeaders returns the user identified by request headers, or nil.
func (r *Registry) AuthenticateHeaders(ctx context.Context, headers http.Header) (*domain.User, error) {
	if r.headerAuth == nil {
		return nil, nil
	}
	var u *domain.User
	err := r.invoke(ctx, HeaderAuth, func(ctx context.Context) (err error) {
		u, err = r.headerAuth(ctx, headers)
		return err
	})
	return u, err
}

// AuthenticateOAuth maps a provider identity to the application user, or nil.
func (r *Registry) AuthenticateOAuth(ctx context.Context, providerID, token string, raw map[string]any, defaultUser *domain.User) (*domain.User, error) {
	if r.oauth == nil {
		return nil, nil
	}
	var u *domain.User
	err := r.invoke(ctx, OAuth, func(ctx context.Context) (err error) {
		u, err = r.oauth(ctx, providerID, token, raw, defaultUser)
		return err
	})
	return u, err
}

// CanViewSharedThread reports whether viewer may read a thread it does not own.
func (r *Registry) CanViewSharedThread(ctx context.Context, thread *domain.ThreadDict, viewer *domain.User) (bool, error) {
	if r.sharedThreadView == nil {
		return false, nil
	}
	var ok bool
	err := r.invoke(ctx, OnSharedThreadView, func(ctx context.Context) (err error) {
		ok, err = r.sharedThreadView(ctx, thread, viewer)
		return err
	})
	return ok, err
}

// ChatProfiles returns the profiles for user, falling back to configured.
func (r *Registry) ChatProfiles(ctx context.Context, user *domain.User, configured []domain.ChatProfile) ([]domain.ChatProfile, error) {
	if r.chatProfiles == nil {
		return configured, nil
	}
	var out []domain.ChatProfile
	err := r.invoke(ctx, SetChatProfiles, func(ctx context.Context) (err error) {
		out, err = r.chatProfiles(ctx, user)
		return err
	})
	return out, err
}

func (r *Registry) Starters(ctx context.Context, user *domain.User) ([]domain.Starter, error) {
	if r.starters == nil {
		return nil, nil
	}
	var out []domain.Starter
	err := r.invoke(ctx, SetStarters, func(ctx context.Context) (err error) {
		out, err = r.starters(ctx, user)
		return err
	})
	return out, err
}

func defaultTracer() trace.Tracer {
	return otel.Tracer("github.com/tjfontaine/chatline/internal/callbacks")
}
