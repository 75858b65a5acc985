package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// AskUserMessage asks the user for a text reply.
type AskUserMessage struct {
	Content        string
	Author         string
	Timeout        int
	RaiseOnTimeout bool
}

// AskFileMessage asks the user to upload files.
type AskFileMessage struct {
	Content string
	Author  string
	// Accept is a list of mime types, or a map of mime type to extensions.
	Accept         any
	MaxSizeMB      int
	MaxFiles       int
	Timeout        int
	RaiseOnTimeout bool
}

// AskActionMessage asks the user to pick one of Actions.
type AskActionMessage struct {
	Content        string
	Author         string
	Actions        []*Action
	Timeout        int
	RaiseOnTimeout bool
}

func askMessage(author, content string) *Message {
	m := NewMessage(content)
	if author != "" {
		m.Name = author
	}
	m.waitForAnswer = true
	return m
}

// ask sends m and waits for the reply. A superseded ask yields (nil, nil).
func ask(ctx context.Context, m *Message, spec domain.AskSpec, raise bool) (json.RawMessage, error) {
	c, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.Send(ctx); err != nil {
		return nil, err
	}
	resp, err := c.Emitter.AskUser(ctx, m.ToDict(), spec, raise)
	if errors.Is(err, domain.ErrAskCancelled) {
		return nil, nil
	}
	return resp, err
}

// Send asks the question and returns the user's message, or nil when the
// ask timed out or was superseded. The reply goes through the same intake
// as a typed user message.
func (a AskUserMessage) Send(ctx context.Context) (*Message, error) {
	m := askMessage(a.Author, a.Content)
	spec := domain.AskSpec{Type: domain.AskText, Timeout: a.Timeout}
	resp, err := ask(ctx, m, spec, a.RaiseOnTimeout)
	if err != nil || resp == nil {
		return nil, err
	}
	var d domain.StepDict
	if err := json.Unmarshal(resp, &d); err != nil {
		return nil, domain.Wrap(domain.KindInvalidRequest, "decode ask reply", err)
	}
	return ProcessUserMessage(ctx, d, nil)
}

// Send asks for files and returns the uploaded files, or nil when the ask
// timed out or was superseded.
func (a AskFileMessage) Send(ctx context.Context) ([]domain.FileDict, error) {
	c, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	m := askMessage(a.Author, a.Content)
	spec := domain.AskSpec{
		Type:      domain.AskFile,
		Timeout:   a.Timeout,
		Accept:    a.Accept,
		MaxSizeMB: a.MaxSizeMB,
		MaxFiles:  a.MaxFiles,
	}
	if spec.MaxFiles == 0 {
		spec.MaxFiles = 1
	}
	if spec.MaxSizeMB == 0 {
		spec.MaxSizeMB = 2
	}
	resp, err := ask(ctx, m, spec, a.RaiseOnTimeout)
	if err != nil || resp == nil {
		return nil, err
	}
	var files []domain.FileDict
	if err := json.Unmarshal(resp, &files); err != nil {
		return nil, domain.Wrap(domain.KindInvalidRequest, "decode ask reply", err)
	}
	if c.Session != nil {
		for i, f := range files {
			if known, ok := c.Session.File(f.ID); ok {
				files[i] = known
			}
		}
	}
	return files, nil
}

// Send shows the actions and returns the one the user picked, or nil when
// the ask timed out or was superseded. The actions are removed afterwards
// and the message content records the outcome.
func (a AskActionMessage) Send(ctx context.Context) (*domain.ActionDict, error) {
	m := askMessage(a.Author, a.Content)
	m.Actions = a.Actions
	keys := make([]string, 0, len(a.Actions))
	for _, act := range a.Actions {
		keys = append(keys, act.ID)
	}
	spec := domain.AskSpec{Type: domain.AskAction, Timeout: a.Timeout, Keys: keys}
	resp, askErr := ask(ctx, m, spec, a.RaiseOnTimeout)

	var picked *domain.ActionDict
	if askErr == nil && resp != nil {
		var d domain.ActionDict
		if err := json.Unmarshal(resp, &d); err != nil {
			askErr = domain.Wrap(domain.KindInvalidRequest, "decode ask reply", err)
		} else {
			picked = &d
		}
	}

	for _, act := range a.Actions {
		if err := act.Remove(ctx); err != nil {
			return picked, err
		}
	}
	if picked != nil {
		m.SetContent(fmt.Sprintf("**Selected:** %s", picked.Label))
	} else {
		m.SetContent("Timed out: no action was taken")
	}
	m.mu.Lock()
	m.waitForAnswer = false
	m.mu.Unlock()
	if err := m.Update(ctx); err != nil && askErr == nil {
		askErr = err
	}
	return picked, askErr
}
