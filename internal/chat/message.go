package chat

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/emitter"
	"github.com/tjfontaine/chatline/internal/persist"
)

// DefaultAuthor names assistant messages created without an author.
const DefaultAuthor = "Assistant"

// Message is a step of a message type. Actions and Elements are sent as
// separate events scoped to the message.
type Message struct {
	*Step
	Actions  []*Action
	Elements []*Element
}

// NewMessage creates an assistant message.
func NewMessage(content string) *Message {
	s := NewStep(DefaultAuthor, domain.StepTypeAssistantMessage)
	s.Output = content
	return &Message{Step: s}
}

// NewUserMessage creates a user message authored by author.
func NewUserMessage(author, content string) *Message {
	s := NewStep(author, domain.StepTypeUserMessage)
	s.Output = content
	return &Message{Step: s}
}

// ErrorMessage creates an assistant message flagged as an error.
func ErrorMessage(content string) *Message {
	m := NewMessage(content)
	m.IsError = true
	return m
}

// MessageFromDict rebuilds a message from its serialized form.
func MessageFromDict(d domain.StepDict) *Message {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if !d.Type.IsMessage() {
		d.Type = domain.StepTypeAssistantMessage
	}
	return &Message{Step: StepFromDict(d)}
}

// Content returns the message text.
func (m *Message) Content() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Output
}

// SetContent replaces the message text. Call Update to publish it.
func (m *Message) SetContent(content string) {
	m.mu.Lock()
	m.Output = content
	m.mu.Unlock()
}

// Send sends the message, then its elements and actions.
func (m *Message) Send(ctx context.Context) error {
	if err := m.Step.Send(ctx); err != nil {
		return err
	}
	m.record(ctx)
	for _, e := range m.Elements {
		if err := e.Send(ctx, m.ID); err != nil {
			return err
		}
	}
	for _, a := range m.Actions {
		if err := a.Send(ctx, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// Update publishes the current state of the message.
func (m *Message) Update(ctx context.Context) error {
	if err := m.Step.Update(ctx); err != nil {
		return err
	}
	m.record(ctx)
	return nil
}

// Remove deletes the message and its actions.
func (m *Message) Remove(ctx context.Context) error {
	for _, a := range m.Actions {
		if err := a.Remove(ctx); err != nil {
			return err
		}
	}
	if err := m.Step.Remove(ctx); err != nil {
		return err
	}
	if c, err := FromContext(ctx); err == nil && c.Session != nil {
		c.Session.ForgetMessage(m.ID)
	}
	return nil
}

// Stream streams token into the message output.
func (m *Message) Stream(ctx context.Context, token string) error {
	return m.StreamToken(ctx, token, false, false)
}

func (m *Message) record(ctx context.Context) {
	c, err := FromContext(ctx)
	if err != nil || c.Session == nil {
		return
	}
	if d := m.ToDict(); d.Type.IsMessage() {
		c.Session.RecordMessage(d)
	}
}

// ProcessUserMessage handles a message typed by the user: it becomes the
// session's root message, anchors persistence of the thread, and gets the
// uploaded files referenced by fileRefs attached as elements. It emits
// first_interaction for the first message of the session.
func ProcessUserMessage(ctx context.Context, d domain.StepDict, fileRefs []domain.FileReference) (*Message, error) {
	c, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	sess := c.Session
	if sess == nil {
		return nil, domain.NewError(domain.KindInvalidRequest, "user message outside a session")
	}

	d.Type = domain.StepTypeUserMessage
	d.ThreadID = sess.ThreadID()
	d.Streaming = false
	if d.CreatedAt == "" {
		d.CreatedAt = domain.Now()
	}
	if d.Name == "" {
		if u := sess.User(); u != nil {
			d.Name = u.Identifier
		} else {
			d.Name = "User"
		}
	}
	m := sentMessage(d)

	sess.SetShouldStop(false)
	sess.SetRootMessage(d)
	sess.RecordMessage(d)

	update := domain.ThreadUpdate{
		ThreadID: d.ThreadID,
		Metadata: sess.PersistableState(),
	}
	if !sess.HasUserMessage() {
		name := d.Output
		update.Name = &name
	}
	if uid := sess.UserID(); uid != "" {
		update.UserID = &uid
	}
	if cfg := sess.Config(); cfg != nil && cfg.Features.AutoTagThread && sess.ChatProfile() != "" {
		update.Tags = []string{sess.ChatProfile()}
	}

	var first bool
	if c.Persist != nil {
		var t *persist.Ticket
		first, t = c.Persist.OnUserMessage(sess, &update, d)
		if c.Persist.FailOnError() {
			if err := t.Wait(ctx); err != nil {
				return m, err
			}
		}
	} else {
		first = sess.SetHasUserMessage()
	}

	for _, ref := range fileRefs {
		fd, ok := sess.File(ref.ID)
		if !ok {
			c.Logger.Warn("unknown file reference",
				slog.String("session_id", sess.ID),
				slog.String("file_id", ref.ID))
			continue
		}
		e := ElementFromFile(fd)
		if err := e.Send(ctx, m.ID); err != nil {
			return m, err
		}
		m.Elements = append(m.Elements, e)
	}

	if first {
		c.Emitter.Emit(ctx, emitter.EventFirstInteraction, map[string]string{
			"interaction": d.Output,
			"thread_id":   d.ThreadID,
		})
	}
	return m, nil
}

// EditMessage replaces the text of a message already in the session
// history, removes every message that followed it, and returns the edited
// message.
func EditMessage(ctx context.Context, d domain.StepDict) (*Message, error) {
	c, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	sess := c.Session
	if sess == nil {
		return nil, domain.NewError(domain.KindInvalidRequest, "edit outside a session")
	}

	var edited domain.StepDict
	found := false
	for _, h := range sess.History() {
		if h.ID == d.ID {
			edited, found = h, true
			break
		}
	}
	if !found {
		return nil, domain.ErrNotFound("message " + d.ID + " not in history")
	}
	edited.Output = d.Output

	dropped, _ := sess.TruncateAfter(edited)
	for i := len(dropped) - 1; i >= 0; i-- {
		old := sentMessage(dropped[i])
		if err := old.Remove(ctx); err != nil {
			return nil, err
		}
	}

	m := sentMessage(edited)
	if err := m.Update(ctx); err != nil {
		return m, err
	}
	if edited.Type == domain.StepTypeUserMessage {
		sess.SetRootMessage(edited)
	}
	return m, nil
}

// sentMessage rebuilds a message that already exists in the UI and the
// data layer.
func sentMessage(d domain.StepDict) *Message {
	m := MessageFromDict(d)
	m.created = true
	m.state = StepSent
	return m
}
