package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// ChatSettings is the settings panel shown next to the composer.
type ChatSettings struct {
	Inputs []domain.InputWidget
}

// Values returns the initial value of each widget, keyed by widget id.
func (s ChatSettings) Values() map[string]any {
	out := make(map[string]any, len(s.Inputs))
	for _, in := range s.Inputs {
		out[in.ID] = in.Initial
	}
	return out
}

// Send publishes the widgets and makes their initial values the session's
// chat settings.
func (s ChatSettings) Send(ctx context.Context) (map[string]any, error) {
	c, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	values := s.Values()
	if c.Session != nil {
		c.Session.SetChatSettings(values)
	}
	if err := c.Emitter.SetChatSettings(ctx, values); err != nil {
		return values, err
	}
	return values, c.Emitter.SetInputWidgets(ctx, s.Inputs)
}

// CurrentSettings returns the session's chat settings values.
func CurrentSettings(ctx context.Context) map[string]any {
	c, err := FromContext(ctx)
	if err != nil || c.Session == nil {
		return map[string]any{}
	}
	return c.Session.ChatSettings()
}

// SetCommands replaces the composer's command menu.
func SetCommands(ctx context.Context, commands []domain.Command) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}
	return c.Emitter.SetCommands(ctx, commands)
}

// SetModes replaces the composer's mode pickers.
func SetModes(ctx context.Context, modes []domain.Mode) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}
	return c.Emitter.SetModes(ctx, modes)
}

// SendWindowMessage posts data to the page embedding the UI.
func SendWindowMessage(ctx context.Context, data any) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}
	return c.Emitter.SendWindowMessage(ctx, data)
}

// CallFn asks the embedding page to run the function name and waits up to
// timeout for its result.
func CallFn(ctx context.Context, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	c, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return c.Emitter.SendCallFn(ctx, name, args, timeout)
}

// CurrentUser returns the user bound to ctx, or nil.
func CurrentUser(ctx context.Context) *domain.User {
	c, err := FromContext(ctx)
	if err != nil {
		return nil
	}
	return c.User
}

// History returns the ordered messages of the session.
func History(ctx context.Context) []domain.StepDict {
	c, err := FromContext(ctx)
	if err != nil || c.Session == nil {
		return nil
	}
	return c.Session.History()
}

// HistoryAsChat returns the session's messages as role/content pairs ready
// for a chat-completion prompt.
func HistoryAsChat(ctx context.Context) []domain.GenerationMessage {
	msgs := History(ctx)
	out := make([]domain.GenerationMessage, 0, len(msgs))
	for _, m := range msgs {
		role := "assistant"
		switch m.Type {
		case domain.StepTypeUserMessage:
			role = "user"
		case domain.StepTypeSystemMessage:
			role = "system"
		}
		out = append(out, domain.GenerationMessage{Role: role, Content: m.Output})
	}
	return out
}
