package socket

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tjfontaine/chatline/internal/callbacks"
	"github.com/tjfontaine/chatline/internal/chat"
	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/emitter"
	"github.com/tjfontaine/chatline/internal/session"
)

// Events sent by the client.
const (
	InConnectionSuccessful = "connection_successful"
	InClearSession         = "clear_session"
	InUIMessage            = "ui_message"
	InEditMessage          = "edit_message"
	InActionCall           = "action_call"
	InChatSettingsChange   = "settings_change"
	InAudioStart           = "audio_start"
	InAudioChunk           = "audio_chunk"
	InAudioEnd             = "audio_end"
	InStop                 = "stop"
	InAskResponse          = "ask_response"
	InCallFnResponse       = "call_fn_response"
	InWindowMessage        = "window_message"
)

// StoppedMessage is posted when the user stops the running task.
const StoppedMessage = "Task manually stopped."

type messagePayload struct {
	Message        domain.StepDict        `json:"message"`
	FileReferences []domain.FileReference `json:"fileReferences"`
}

type replyPayload struct {
	ID       string          `json:"id"`
	Response json.RawMessage `json:"response"`
}

// handle decodes one inbound frame and dispatches it. Handlers that may
// block run as session tasks so the read loop keeps serving replies.
func (h *Hub) handle(c *client, raw []byte) {
	var f emitter.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		h.logger.Warn("invalid frame", slog.String("socket_id", c.socketID), slog.String("error", err.Error()))
		return
	}
	sess := c.session()
	if sess == nil {
		return
	}

	switch f.Event {
	case InConnectionSuccessful:
		h.onConnected(c, sess)
	case InClearSession:
		h.sessions.Delete(sess.ID)
	case InUIMessage:
		h.onMessage(sess, f.Data)
	case InEditMessage:
		h.onEdit(sess, f.Data)
	case InActionCall:
		var d domain.ActionDict
		if !h.decode(sess, f, &d) {
			return
		}
		h.task(sess, func(ctx context.Context) {
			h.callbacks.Action(ctx, chat.ActionFromDict(d))
		})
	case InChatSettingsChange:
		var settings map[string]any
		if !h.decode(sess, f, &settings) {
			return
		}
		sess.SetChatSettings(settings)
		h.task(sess, func(ctx context.Context) {
			h.callbacks.SettingsUpdate(ctx, settings)
		})
	case InAudioStart:
		h.task(sess, func(ctx context.Context) { h.callbacks.AudioStart(ctx) })
	case InAudioChunk:
		var chunk callbacks.AudioChunk
		if !h.decode(sess, f, &chunk) {
			return
		}
		ctx := h.chatContext(h.ctx, sess)
		h.callbacks.AudioChunk(ctx, chunk)
	case InAudioEnd:
		h.task(sess, func(ctx context.Context) { h.callbacks.AudioEnd(ctx) })
	case InStop:
		h.onStop(sess)
	case InAskResponse:
		var p replyPayload
		if !h.decode(sess, f, &p) {
			return
		}
		if !sess.ResolveAsk(p.ID, p.Response) {
			h.logger.Debug("ask response without pending ask", slog.String("session_id", sess.ID))
		}
	case InCallFnResponse:
		var p replyPayload
		if !h.decode(sess, f, &p) {
			return
		}
		sess.ResolveCallFn(p.ID, p.Response)
	case InWindowMessage:
		data := f.Data
		h.task(sess, func(ctx context.Context) {
			h.callbacks.WindowMessage(ctx, data)
		})
	default:
		h.logger.Debug("unknown event", slog.String("session_id", sess.ID), slog.String("event", f.Event))
	}
}

func (h *Hub) decode(sess *session.Session, f emitter.Frame, v any) bool {
	if err := json.Unmarshal(f.Data, v); err != nil {
		h.logger.Warn("invalid event payload",
			slog.String("session_id", sess.ID),
			slog.String("event", f.Event),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// onMessage records the user message on the read loop, so messages keep
// their arrival order and a stop never loses one, then runs on_message as
// a task.
func (h *Hub) onMessage(sess *session.Session, data json.RawMessage) {
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.logger.Warn("invalid message payload", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
		return
	}
	if p.Message.ID == "" {
		p.Message.ID = uuid.NewString()
	} else if _, err := uuid.Parse(p.Message.ID); err != nil {
		h.logger.Debug("message id is not a uuid",
			slog.String("session_id", sess.ID),
			slog.String("message_id", p.Message.ID))
	}

	msg, err := chat.ProcessUserMessage(h.chatContext(h.ctx, sess), p.Message, p.FileReferences)
	if err != nil {
		h.logger.Error("process user message failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
		return
	}
	h.task(sess, func(ctx context.Context) {
		h.callbacks.Message(ctx, msg)
	})
}

func (h *Hub) onEdit(sess *session.Session, data json.RawMessage) {
	if cfg := sess.Config(); cfg != nil && !cfg.Features.EditMessage {
		h.logger.Warn("edit_message is disabled", slog.String("session_id", sess.ID))
		return
	}
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.logger.Warn("invalid edit payload", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
		return
	}
	h.task(sess, func(ctx context.Context) {
		msg, err := chat.EditMessage(ctx, p.Message)
		if err != nil {
			h.logger.Warn("edit message failed",
				slog.String("session_id", sess.ID),
				slog.String("message_id", p.Message.ID),
				slog.String("error", err.Error()))
			return
		}
		h.callbacks.Message(ctx, msg)
	})
}

func (h *Hub) onStop(sess *session.Session) {
	sess.SetShouldStop(true)
	n := sess.CancelTasks()
	sess.CancelAsk()
	h.logger.Info("tasks stopped", slog.String("session_id", sess.ID), slog.Int("cancelled", n))

	h.task(sess, func(ctx context.Context) {
		c, _ := chat.FromContext(ctx)
		m := chat.NewMessage(StoppedMessage)
		if err := m.Send(ctx); err != nil {
			h.logger.Warn("stop message not delivered", slog.String("error", err.Error()))
		}
		h.callbacks.Stop(ctx)
		c.Emitter.TaskEnd(ctx)
	})
}

// onConnected starts or resumes the chat once the client is ready to
// receive events. A restored connection continues where it left off.
func (h *Hub) onConnected(c *client, sess *session.Session) {
	c.mu.Lock()
	restored := c.restored
	threadID := c.resumeThread
	c.resumeThread = ""
	c.mu.Unlock()
	if restored {
		return
	}

	h.task(sess, func(ctx context.Context) {
		cc, _ := chat.FromContext(ctx)
		cc.Emitter.TaskEnd(ctx)
		cc.Emitter.ClearAsk(ctx)

		if threadID != "" && h.callbacks.Has(callbacks.OnChatResume) {
			thread, err := h.resumableThread(ctx, sess, threadID)
			if err != nil {
				h.logger.Info("thread not resumed",
					slog.String("session_id", sess.ID),
					slog.String("thread_id", threadID),
					slog.String("error", err.Error()))
				sess.SetThreadID(uuid.NewString())
				cc.Emitter.Emit(ctx, emitter.EventResumeThreadError, err.Error())
				return
			}
			h.resume(ctx, sess, thread)
			return
		}
		h.callbacks.ChatStart(ctx)
	})
}

// resumableThread loads threadID if it exists and belongs to the session's user.
func (h *Hub) resumableThread(ctx context.Context, sess *session.Session, threadID string) (*domain.ThreadDict, error) {
	dl := h.queue.DataLayer()
	if dl == nil {
		return nil, domain.NewError(domain.KindNotFound, "no data layer configured")
	}
	thread, err := dl.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, domain.ErrNotFound("thread not found")
	}
	author, err := dl.GetThreadAuthor(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if u := sess.User(); u != nil && author != "" && author != u.Identifier {
		return nil, domain.ErrAuthorization("thread belongs to another user")
	}
	return thread, nil
}

func (h *Hub) resume(ctx context.Context, sess *session.Session, thread *domain.ThreadDict) {
	cc, _ := chat.FromContext(ctx)

	if thread.Metadata != nil {
		sess.RestoreState(thread.Metadata)
		if ov, ok := thread.Metadata["config_overrides"].(map[string]any); ok && len(ov) > 0 {
			if err := sess.ApplyOverrides(h.config(), ov); err != nil {
				h.logger.Warn("stored config overrides rejected",
					slog.String("thread_id", thread.ID),
					slog.String("error", err.Error()))
			}
		}
	}
	sess.SetThreadID(thread.ID)
	sess.SetHasUserMessage()

	var history []domain.StepDict
	for _, st := range thread.Steps {
		if st.Type.IsMessage() {
			history = append(history, st)
		}
	}
	sess.ResetHistory(history)

	cc.Emitter.Emit(ctx, emitter.EventFirstInteraction, map[string]string{
		"interaction": "resume",
		"thread_id":   thread.ID,
	})
	cc.Emitter.Emit(ctx, emitter.EventResumeThread, thread)
	h.callbacks.ChatResume(ctx, thread)
}
