// Package emitter pushes UI events to one client.
package emitter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// Outbound event names.
const (
	EventNewStep         = "new_step"
	EventUpdateStep      = "update_step"
	EventDeleteStep      = "delete_step"
	EventStreamStart     = "stream_start"
	EventStreamToken     = "stream_token"
	EventNewElement      = "new_element"
	EventUpdateElement   = "update_element"
	EventDeleteElement   = "delete_element"
	EventAction          = "action"
	EventRemoveAction    = "remove_action"
	EventAsk             = "ask"
	EventClearAsk        = "clear_ask"
	EventAskTimeout      = "ask_timeout"
	EventTaskStart       = "task_start"
	EventTaskEnd         = "task_end"
	EventSetCommands     = "set_commands"
	EventSetModes        = "set_modes"
	EventSetInputWidgets = "set_input_widgets"
	EventSetChatSettings = "set_chat_settings"
	EventTokenUsage      = "token_usage"
	EventReload          = "reload"
	EventWindowMessage   = "window_message"
	EventCallFn          = "call_fn"
	EventFirstInteraction = "first_interaction"
	EventResumeThread     = "resume_thread"
	EventResumeThreadError = "resume_thread_error"
	EventClearSession     = "clear_session"
)

// Frame is the JSON envelope of every websocket event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Token is the payload of a stream_token event.
type Token struct {
	ID         string `json:"id"`
	Token      string `json:"token"`
	IsSequence bool   `json:"isSequence"`
	IsInput    bool   `json:"isInput"`
}

// Emitter is the capability to push UI events to one client. Emits from a
// single goroutine reach the client in order.
type Emitter interface {
	SendStep(ctx context.Context, step domain.StepDict) error
	UpdateStep(ctx context.Context, step domain.StepDict) error
	DeleteStep(ctx context.Context, step domain.StepDict) error
	StreamStart(ctx context.Context, step domain.StepDict) error
	SendToken(ctx context.Context, id, token string, isSequence, isInput bool) error

	SendElement(ctx context.Context, element domain.ElementDict) error
	UpdateElement(ctx context.Context, element domain.ElementDict) error
	DeleteElement(ctx context.Context, element domain.ElementDict) error

	SendAction(ctx context.Context, action domain.ActionDict) error
	RemoveAction(ctx context.Context, action domain.ActionDict) error

	SetChatSettings(ctx context.Context, settings map[string]any) error
	SetCommands(ctx context.Context, commands []domain.Command) error
	SetModes(ctx context.Context, modes []domain.Mode) error
	SetInputWidgets(ctx context.Context, widgets []domain.InputWidget) error

	// AskUser sends an ask and blocks until the client replies, the ask is
	// superseded (ErrAskCancelled), or it times out. On timeout it returns
	// ErrAskTimeout when raiseOnTimeout is set and (nil, nil) otherwise.
	AskUser(ctx context.Context, msg domain.StepDict, spec domain.AskSpec, raiseOnTimeout bool) (json.RawMessage, error)
	TaskStart(ctx context.Context) error
	TaskEnd(ctx context.Context) error
	ClearAsk(ctx context.Context) error

	SendWindowMessage(ctx context.Context, data any) error
	// SendCallFn asks the embedding page to run a function and waits for its result.
	SendCallFn(ctx context.Context, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error)
	SendTokenUsage(ctx context.Context, usage domain.TokenUsage) error

	// Emit sends an arbitrary event.
	Emit(ctx context.Context, event string, data any) error
}

// Base is a no-op Emitter used where no client is attached, such as
// HTTP-scoped contexts.
type Base struct{}

var _ Emitter = Base{}

func (Base) SendStep(context.Context, domain.StepDict) error { return nil }
func (Base) UpdateStep(context.Context, domain.StepDict) error { return nil }
func (Base) DeleteStep(context.Context, domain.StepDict) error { return nil }
func (Base) StreamStart(context.Context, domain.StepDict) error { return nil }
func (Base) SendToken(context.Context, string, string, bool, bool) error { return nil }
func (Base) SendElement(context.Context, domain.ElementDict) error { return nil }
func (Base) UpdateElement(context.Context, domain.ElementDict) error { return nil }
func (Base) DeleteElement(context.Context, domain.ElementDict) error { return nil }
func (Base) SendAction(context.Context, domain.ActionDict) error { return nil }
func (Base) RemoveAction(context.Context, domain.ActionDict) error { return nil }
func (Base) SetChatSettings(context.Context, map[string]any) error { return nil }
func (Base) SetCommands(context.Context, []domain.Command) error { return nil }
func (Base) SetModes(context.Context, []domain.Mode) error { return nil }
func (Base) SetInputWidgets(context.Context, []domain.InputWidget) error { return nil }
func (Base) TaskStart(context.Context) error { return nil }
func (Base) TaskEnd(context.Context) error { return nil }
func (Base) ClearAsk(context.Context) error { return nil }
func (Base) SendWindowMessage(context.Context, any) error { return nil }
func (Base) SendTokenUsage(context.Context, domain.TokenUsage) error { return nil }
func (Base) Emit(context.Context, string, any) error { return nil }

func (Base) AskUser(context.Context, domain.StepDict, domain.AskSpec, bool) (json.RawMessage, error) {
	return nil, nil
}

func (Base) SendCallFn(context.Context, string, map[string]any, time.Duration) (json.RawMessage, error) {
	return nil, nil
}
