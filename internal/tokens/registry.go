// Package tokens fills in token counts for llm steps whose generation
// record lacks them.
package tokens

import (
	"strings"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// Counter counts tokens for the models it supports.
type Counter interface {
	CountText(model, text string) (int, error)
	CountMessages(model string, msgs []domain.GenerationMessage) (int, error)
	SupportsModel(model string) bool
}

// Registry picks a counter by model, falling back to an estimator.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the tiktoken counter and the
// character estimator as fallback.
func NewRegistry() *Registry {
	return &Registry{
		counters: []Counter{NewTiktokenCounter()},
		fallback: NewEstimator(),
	}
}

// Register adds a counter ahead of the defaults.
func (r *Registry) Register(counter Counter) {
	r.counters = append([]Counter{counter}, r.counters...)
}

// SetFallback sets the counter for unsupported models.
func (r *Registry) SetFallback(counter Counter) {
	r.fallback = counter
}

// GetCounter returns the counter for model.
func (r *Registry) GetCounter(model string) Counter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// Usage reports the token usage of a generation. Counts the provider
// already supplied are kept as is.
func (r *Registry) Usage(stepID string, gen *domain.Generation) domain.TokenUsage {
	u := domain.TokenUsage{
		StepID:       stepID,
		Model:        gen.Model,
		InputTokens:  gen.InputTokenCount,
		OutputTokens: gen.OutputTokenCount,
	}
	counter := r.GetCounter(gen.Model)

	if u.InputTokens == 0 {
		switch {
		case len(gen.Messages) > 0:
			u.InputTokens, _ = counter.CountMessages(gen.Model, gen.Messages)
		case gen.Prompt != "":
			u.InputTokens, _ = counter.CountText(gen.Model, gen.Prompt)
		}
	}
	if u.OutputTokens == 0 && gen.Completion != "" {
		u.OutputTokens, _ = counter.CountText(gen.Model, gen.Completion)
	}

	u.TotalTokens = gen.TokenCount
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

func (e *Estimator) CountText(model, text string) (int, error) {
	return int(float64(len(text)) / e.CharsPerToken), nil
}

func (e *Estimator) CountMessages(model string, msgs []domain.GenerationMessage) (int, error) {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Role) + len(m.Content) + 4 // role and separators
	}
	return int(float64(chars) / e.CharsPerToken), nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
