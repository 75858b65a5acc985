package chat

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/persist"
	"github.com/tjfontaine/chatline/internal/pkg/config"
)

// StepState is the lifecycle state of a step.
type StepState int

const (
	StepConstructed StepState = iota
	StepSent
	StepStreaming
	StepUpdated
	StepRemoved
)

// Runs started by these callbacks are shown even when CoT is hidden.
var rootRunNames = map[string]bool{
	"on_chat_start":  true,
	"on_message":     true,
	"on_audio_end":   true,
	"on_chat_resume": true,
}

// Step is a node of the thread's reasoning tree. Exported fields may be set
// before Send; afterwards use the methods, which are safe for concurrent use.
type Step struct {
	ID          string
	Name        string
	Type        domain.StepType
	ParentID    string
	ThreadID    string
	Input       string
	Output      string
	Language    string
	ShowInput   string
	DefaultOpen bool
	Indent      int
	Metadata    map[string]any
	Tags        []string
	IsError     bool
	Start       string
	End         string
	CreatedAt   string
	Generation  *domain.Generation
	Command     string
	Modes       map[string]string
	// FailOnPersistError makes Send, Update and Remove return data-layer errors.
	FailOnPersistError bool

	waitForAnswer bool
	mu            sync.Mutex
	streaming     bool
	created       bool
	state         StepState
}

// NewStep creates a step with a fresh id.
func NewStep(name string, typ domain.StepType) *Step {
	if !typ.Valid() {
		typ = domain.StepTypeUndefined
	}
	return &Step{ID: uuid.NewString(), Name: name, Type: typ}
}

// StepFromDict rebuilds a step from its serialized form.
func StepFromDict(d domain.StepDict) *Step {
	return &Step{
		ID:            d.ID,
		Name:          d.Name,
		Type:          d.Type,
		ParentID:      d.ParentID,
		ThreadID:      d.ThreadID,
		Input:         d.Input,
		Output:        d.Output,
		Language:      d.Language,
		ShowInput:     d.ShowInput,
		DefaultOpen:   d.DefaultOpen,
		Indent:        d.Indent,
		Metadata:      maps.Clone(d.Metadata),
		Tags:          slices.Clone(d.Tags),
		IsError:       d.IsError,
		Start:         d.Start,
		End:           d.End,
		CreatedAt:     d.CreatedAt,
		Generation:    d.Generation,
		Command:       d.Command,
		Modes:         maps.Clone(d.Modes),
		waitForAnswer: d.WaitForAnswer,
		streaming:     d.Streaming,
	}
}

// ToDict serializes the step.
func (s *Step) ToDict() domain.StepDict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dictLocked()
}

func (s *Step) dictLocked() domain.StepDict {
	return domain.StepDict{
		ID:            s.ID,
		Name:          s.Name,
		Type:          s.Type,
		ThreadID:      s.ThreadID,
		ParentID:      s.ParentID,
		Command:       s.Command,
		Modes:         maps.Clone(s.Modes),
		Streaming:     s.streaming,
		WaitForAnswer: s.waitForAnswer,
		IsError:       s.IsError,
		Metadata:      maps.Clone(s.Metadata),
		Tags:          slices.Clone(s.Tags),
		Input:         s.Input,
		Output:        s.Output,
		CreatedAt:     s.CreatedAt,
		Start:         s.Start,
		End:           s.End,
		Generation:    s.Generation,
		ShowInput:     s.ShowInput,
		DefaultOpen:   s.DefaultOpen,
		Language:      s.Language,
		Indent:        s.Indent,
	}
}

// State returns the lifecycle state.
func (s *Step) State() StepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Step) isRootRun() bool {
	return s.Type == domain.StepTypeRun && (s.ParentID == "" || rootRunNames[s.Name])
}

// stubbed reports whether the UI should only see an envelope of the step.
func (s *Step) stubbed(cot string) bool {
	if s.Type.IsMessage() || s.isRootRun() {
		return false
	}
	switch cot {
	case config.CoTHidden:
		return true
	case config.CoTToolCall:
		return s.Type != domain.StepTypeTool
	}
	return false
}

func stub(d domain.StepDict) domain.StepDict {
	return domain.StepDict{
		ID:        d.ID,
		Type:      d.Type,
		ParentID:  d.ParentID,
		ThreadID:  d.ThreadID,
		CreatedAt: d.CreatedAt,
		Streaming: d.Streaming,
	}
}

func (s *Step) visible(c *Context, d domain.StepDict) domain.StepDict {
	if s.stubbed(c.cot()) {
		return stub(d)
	}
	return d
}

// Send records the creation time, resolves the parent from the active steps
// on ctx, queues the data-layer create and emits the step. Sending a step
// that was already sent updates it instead; sending a streamed step ends
// the stream.
func (s *Step) Send(ctx context.Context) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StepRemoved {
		s.mu.Unlock()
		return nil
	}
	if s.created {
		s.mu.Unlock()
		return s.Update(ctx)
	}
	if s.CreatedAt == "" {
		s.CreatedAt = domain.Now()
	}
	if s.ParentID == "" {
		if cur := CurrentStep(ctx); cur != nil && cur != s {
			s.ParentID = cur.ID
		}
	}
	if s.ThreadID == "" {
		s.ThreadID = c.ThreadID()
	}
	s.created = true
	s.streaming = false
	s.state = StepSent
	d := s.dictLocked()
	s.mu.Unlock()

	if err := c.persist(ctx, persist.CreateStep(d), s.FailOnPersistError); err != nil {
		return err
	}
	c.Emitter.SendStep(ctx, s.visible(c, d))
	return nil
}

// Update clears streaming, queues the data-layer update and emits the step.
// A step that was never sent is sent instead.
func (s *Step) Update(ctx context.Context) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StepRemoved {
		s.mu.Unlock()
		return nil
	}
	if !s.created {
		s.mu.Unlock()
		return s.Send(ctx)
	}
	s.streaming = false
	s.state = StepUpdated
	d := s.dictLocked()
	s.mu.Unlock()

	if err := c.persist(ctx, persist.UpdateStep(d), s.FailOnPersistError); err != nil {
		return err
	}
	c.Emitter.UpdateStep(ctx, s.visible(c, d))

	if d.Type == domain.StepTypeLLM && d.Generation != nil && c.Tokens != nil {
		c.Emitter.SendTokenUsage(ctx, c.Tokens.Usage(d.ID, d.Generation))
	}
	return nil
}

// Remove deletes the step from the UI and the data layer. Removing twice is
// a no-op.
func (s *Step) Remove(ctx context.Context) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StepRemoved {
		s.mu.Unlock()
		return nil
	}
	s.state = StepRemoved
	d := s.dictLocked()
	s.mu.Unlock()

	if err := c.persist(ctx, persist.DeleteStep(d.ID), s.FailOnPersistError); err != nil {
		return err
	}
	c.Emitter.DeleteStep(ctx, d)
	return nil
}

// StreamToken appends token to the output (or input when isInput), or
// replaces it when isSequence carries a cumulative snapshot. The first token
// emits stream_start; later ones emit stream_token.
func (s *Step) StreamToken(ctx context.Context, token string, isSequence, isInput bool) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StepRemoved {
		s.mu.Unlock()
		return nil
	}
	switch {
	case isSequence && isInput:
		s.Input = token
	case isSequence:
		s.Output = token
	case isInput:
		s.Input += token
	default:
		s.Output += token
	}
	first := !s.streaming
	if first {
		s.streaming = true
		if s.CreatedAt == "" {
			s.CreatedAt = domain.Now()
		}
		if s.ThreadID == "" {
			s.ThreadID = c.ThreadID()
		}
		if s.ParentID == "" {
			if cur := CurrentStep(ctx); cur != nil && cur != s {
				s.ParentID = cur.ID
			}
		}
		s.state = StepStreaming
	}
	d := s.dictLocked()
	s.mu.Unlock()

	if first {
		return c.Emitter.StreamStart(ctx, s.visible(c, d))
	}
	if s.stubbed(c.cot()) {
		return nil
	}
	return c.Emitter.SendToken(ctx, d.ID, token, isSequence, isInput)
}

// Enter marks the step started, sends it, and returns a context on which it
// is the current step.
func (s *Step) Enter(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	s.Start = domain.Now()
	if s.ParentID == "" {
		if cur := CurrentStep(ctx); cur != nil {
			s.ParentID = cur.ID
		}
	}
	s.mu.Unlock()

	if err := s.Send(ctx); err != nil {
		return ctx, err
	}
	return withStep(ctx, s), nil
}

// Exit marks the step ended and updates it. A non-nil cause is recorded as
// the output with the error flag set.
func (s *Step) Exit(ctx context.Context, cause error) error {
	s.mu.Lock()
	s.End = domain.Now()
	if cause != nil {
		s.Output = cause.Error()
		s.IsError = true
	}
	s.mu.Unlock()
	return s.Update(ctx)
}

// Run enters s, calls fn with the step as current, and exits with fn's error.
func Run(ctx context.Context, s *Step, fn func(ctx context.Context) error) error {
	inner, err := s.Enter(ctx)
	if err != nil {
		return err
	}
	runErr := fn(inner)
	if err := s.Exit(ctx, runErr); err != nil && runErr == nil {
		return err
	}
	return runErr
}
