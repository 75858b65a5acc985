package emitter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/session"
)

// Transport delivers an encoded frame to the client bound to a socket id.
type Transport interface {
	Send(ctx context.Context, socketID string, frame []byte) error
}

// Websocket forwards events to whichever socket the session is bound to at
// emit time, so emits issued across a reconnect reach the new socket.
type Websocket struct {
	sess      *session.Session
	transport Transport
	logger    *slog.Logger
}

var _ Emitter = (*Websocket)(nil)

// NewWebsocket returns an emitter for sess.
func NewWebsocket(sess *session.Session, transport Transport, logger *slog.Logger) *Websocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Websocket{sess: sess, transport: transport, logger: logger}
}

// Session returns the session this emitter writes to.
func (w *Websocket) Session() *session.Session {
	return w.sess
}

func (w *Websocket) Emit(ctx context.Context, event string, data any) error {
	frame := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return domain.Wrap(domain.KindInvalidRequest, "encode "+event, err)
		}
		frame.Data = raw
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return domain.Wrap(domain.KindInvalidRequest, "encode "+event, err)
	}

	socketID := w.sess.SocketID()
	if err := w.transport.Send(ctx, socketID, b); err != nil {
		w.logger.Warn("emit dropped",
			slog.String("session_id", w.sess.ID),
			slog.String("socket_id", socketID),
			slog.String("event", event),
			slog.String("error", err.Error()))
		return domain.Wrap(domain.KindTransport, "emit "+event, err)
	}
	return nil
}

func (w *Websocket) SendStep(ctx context.Context, step domain.StepDict) error {
	return w.Emit(ctx, EventNewStep, step)
}

func (w *Websocket) UpdateStep(ctx context.Context, step domain.StepDict) error {
	return w.Emit(ctx, EventUpdateStep, step)
}

func (w *Websocket) DeleteStep(ctx context.Context, step domain.StepDict) error {
	return w.Emit(ctx, EventDeleteStep, step)
}

func (w *Websocket) StreamStart(ctx context.Context, step domain.StepDict) error {
	return w.Emit(ctx, EventStreamStart, step)
}

func (w *Websocket) SendToken(ctx context.Context, id, token string, isSequence, isInput bool) error {
	return w.Emit(ctx, EventStreamToken, Token{ID: id, Token: token, IsSequence: isSequence, IsInput: isInput})
}

func (w *Websocket) SendElement(ctx context.Context, element domain.ElementDict) error {
	return w.Emit(ctx, EventNewElement, element)
}

func (w *Websocket) UpdateElement(ctx context.Context, element domain.ElementDict) error {
	return w.Emit(ctx, EventUpdateElement, element)
}

func (w *Websocket) DeleteElement(ctx context.Context, element domain.ElementDict) error {
	return w.Emit(ctx, EventDeleteElement, map[string]string{"id": element.ID, "forId": element.ForID})
}

func (w *Websocket) SendAction(ctx context.Context, action domain.ActionDict) error {
	return w.Emit(ctx, EventAction, action)
}

func (w *Websocket) RemoveAction(ctx context.Context, action domain.ActionDict) error {
	return w.Emit(ctx, EventRemoveAction, action)
}

func (w *Websocket) SetChatSettings(ctx context.Context, settings map[string]any) error {
	w.sess.SetChatSettings(settings)
	return w.Emit(ctx, EventSetChatSettings, settings)
}

func (w *Websocket) SetCommands(ctx context.Context, commands []domain.Command) error {
	return w.Emit(ctx, EventSetCommands, commands)
}

func (w *Websocket) SetModes(ctx context.Context, modes []domain.Mode) error {
	return w.Emit(ctx, EventSetModes, modes)
}

func (w *Websocket) SetInputWidgets(ctx context.Context, widgets []domain.InputWidget) error {
	return w.Emit(ctx, EventSetInputWidgets, widgets)
}

func (w *Websocket) TaskStart(ctx context.Context) error {
	return w.Emit(ctx, EventTaskStart, nil)
}

func (w *Websocket) TaskEnd(ctx context.Context) error {
	return w.Emit(ctx, EventTaskEnd, nil)
}

func (w *Websocket) ClearAsk(ctx context.Context) error {
	return w.Emit(ctx, EventClearAsk, nil)
}

func (w *Websocket) SendWindowMessage(ctx context.Context, data any) error {
	return w.Emit(ctx, EventWindowMessage, data)
}

func (w *Websocket) SendTokenUsage(ctx context.Context, usage domain.TokenUsage) error {
	return w.Emit(ctx, EventTokenUsage, usage)
}

type askPayload struct {
	Msg  domain.StepDict `json:"msg"`
	Spec domain.AskSpec  `json:"spec"`
}

// AskUser registers the ask on the session, superseding any pending one,
// and waits for ask_response.
func (w *Websocket) AskUser(ctx context.Context, msg domain.StepDict, spec domain.AskSpec, raiseOnTimeout bool) (json.RawMessage, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.StepID == "" {
		spec.StepID = msg.ID
	}
	pending := w.sess.BeginAsk(spec)

	w.Emit(ctx, EventAsk, askPayload{Msg: msg, Spec: spec})
	w.TaskEnd(ctx)

	timer := time.NewTimer(spec.TimeoutDuration())
	defer timer.Stop()

	select {
	case reply := <-pending.Reply():
		if reply.Cancelled {
			return nil, domain.ErrAskCancelled
		}
		w.ClearAsk(ctx)
		w.TaskStart(ctx)
		return reply.Response, nil

	case <-timer.C:
		w.sess.EndAsk(pending)
		w.Emit(ctx, EventAskTimeout, nil)
		w.ClearAsk(ctx)
		w.TaskStart(ctx)
		if raiseOnTimeout {
			return nil, domain.ErrAskTimeout
		}
		return nil, nil

	case <-ctx.Done():
		w.sess.EndAsk(pending)
		return nil, ctx.Err()
	}
}

type callFnPayload struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

func (w *Websocket) SendCallFn(ctx context.Context, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	reply := w.sess.BeginCallFn(id)
	defer w.sess.EndCallFn(id)

	if err := w.Emit(ctx, EventCallFn, callFnPayload{ID: id, Name: name, Args: args}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		return r.Response, r.Err
	case <-timer.C:
		return nil, domain.ErrAskTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
