package chat

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// Action is a button attached to a message. Clicking it dispatches the
// action callback registered under Name.
type Action struct {
	ID      string
	Name    string
	Payload map[string]any
	Label   string
	Tooltip string
	Icon    string
	ForID   string

	mu      sync.Mutex
	removed bool
}

// NewAction creates an action with a fresh id.
func NewAction(name string, payload map[string]any, label string) *Action {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Action{ID: uuid.NewString(), Name: name, Payload: payload, Label: label}
}

// ActionFromDict rebuilds an action, as received in an action_call.
func ActionFromDict(d domain.ActionDict) *Action {
	return &Action{
		ID:      d.ID,
		Name:    d.Name,
		Payload: maps.Clone(d.Payload),
		Label:   d.Label,
		Tooltip: d.Tooltip,
		Icon:    d.Icon,
		ForID:   d.ForID,
	}
}

func (a *Action) ToDict() domain.ActionDict {
	payload := maps.Clone(a.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return domain.ActionDict{
		ID:      a.ID,
		Name:    a.Name,
		Payload: payload,
		Label:   a.Label,
		Tooltip: a.Tooltip,
		Icon:    a.Icon,
		ForID:   a.ForID,
	}
}

// Send attaches the action to the message forID and shows it.
func (a *Action) Send(ctx context.Context, forID string) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ForID = forID
	a.removed = false
	d := a.ToDict()
	a.mu.Unlock()
	return c.Emitter.SendAction(ctx, d)
}

// Remove hides the action. Removing an action twice is a no-op.
func (a *Action) Remove(ctx context.Context) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.removed {
		a.mu.Unlock()
		return nil
	}
	a.removed = true
	d := a.ToDict()
	a.mu.Unlock()
	return c.Emitter.RemoveAction(ctx, d)
}
