package tokens

import (
	"testing"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

func TestEstimator_CountText(t *testing.T) {
	e := NewEstimator()
	n, err := e.CountText("any", "abcdefgh")
	if err != nil || n != 2 {
		t.Errorf("CountText() = %d, %v; want 2", n, err)
	}
}

func TestTiktokenCounter_CountText(t *testing.T) {
	c := NewTiktokenCounter()
	n, err := c.CountText("gpt-4o", "Hello, world!")
	if err != nil {
		t.Fatalf("CountText() error = %v", err)
	}
	if n < 2 || n > 6 {
		t.Errorf("CountText() = %d, want between 2 and 6", n)
	}
}

func TestTiktokenCounter_CountMessages(t *testing.T) {
	c := NewTiktokenCounter()
	n, err := c.CountMessages("gpt-4", []domain.GenerationMessage{
		{Role: "user", Content: "What is 2+2?"},
		{Role: "assistant", Content: "4"},
	})
	if err != nil {
		t.Fatalf("CountMessages() error = %v", err)
	}
	// Two messages of framing plus priming is 11 before content.
	if n <= 11 {
		t.Errorf("CountMessages() = %d, want > 11", n)
	}
}

func TestModelMatcher(t *testing.T) {
	m := NewModelMatcher([]string{"gpt-"}, []string{"ada"})
	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"ada", true},
		{"adam", false},
		{"claude-3", false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := m.Matches(tt.model); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestRegistry_Usage(t *testing.T) {
	r := NewRegistry()

	t.Run("keeps provider counts", func(t *testing.T) {
		u := r.Usage("s1", &domain.Generation{Model: "gpt-4o", InputTokenCount: 10, OutputTokenCount: 5})
		if u.InputTokens != 10 || u.OutputTokens != 5 || u.TotalTokens != 15 {
			t.Errorf("Usage() = %+v", u)
		}
	})

	t.Run("counts missing values", func(t *testing.T) {
		u := r.Usage("s1", &domain.Generation{Model: "unknown-model", Prompt: "abcdefgh", Completion: "abcd"})
		if u.InputTokens != 2 || u.OutputTokens != 1 || u.TotalTokens != 3 {
			t.Errorf("Usage() = %+v", u)
		}
		if u.StepID != "s1" {
			t.Errorf("StepID = %q", u.StepID)
		}
	})
}
