package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "kind and message",
			err:      NewError(KindInvalidRequest, "bad payload"),
			expected: "invalid_request: bad payload",
		},
		{
			name:     "wrapped cause",
			err:      Wrap(KindPersistence, "create_step", errors.New("disk full")),
			expected: "persistence: create_step: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected int
	}{
		{"auth", ErrAuth("no token"), http.StatusUnauthorized},
		{"authorization", ErrAuthorization("not yours"), http.StatusForbidden},
		{"not found", ErrNotFound("nope"), http.StatusNotFound},
		{"invalid request", ErrInvalidRequest("bad"), http.StatusBadRequest},
		{"config", ErrConfig("bad"), http.StatusInternalServerError},
		{"persistence", ErrPersistence("op", errors.New("x")), http.StatusInternalServerError},
		{"override", ErrNotFound("nope").WithStatusCode(http.StatusGone), http.StatusGone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestError_IsMatchesKind(t *testing.T) {
	timeout := fmt.Errorf("ask: %w", NewError(KindAskTimeout, "no reply after 30s"))
	if !errors.Is(timeout, ErrAskTimeout) {
		t.Error("expected wrapped ask timeout to match ErrAskTimeout")
	}
	if errors.Is(timeout, ErrAskCancelled) {
		t.Error("ask timeout must not match ErrAskCancelled")
	}
	if errors.Is(ErrThreadNotFound, ErrSessionNotFound) {
		t.Error("sentinels with different messages must not match")
	}
	if KindOf(timeout) != KindAskTimeout {
		t.Errorf("KindOf() = %q, want %q", KindOf(timeout), KindAskTimeout)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf() should be empty for foreign errors")
	}
}

func TestStepType(t *testing.T) {
	for _, typ := range []StepType{StepTypeUserMessage, StepTypeAssistantMessage, StepTypeSystemMessage} {
		if !typ.IsMessage() {
			t.Errorf("%s should be a message type", typ)
		}
	}
	for _, typ := range []StepType{StepTypeRun, StepTypeTool, StepTypeLLM, StepTypeUndefined} {
		if typ.IsMessage() {
			t.Errorf("%s should not be a message type", typ)
		}
	}
	if StepType("bogus").Valid() {
		t.Error("unknown step type reported valid")
	}
}

func TestMode_DefaultOption(t *testing.T) {
	m := Mode{ID: "model", Options: []ModeOption{{ID: "fast"}, {ID: "smart", Default: true}}}
	if got := m.DefaultOption(); got != "smart" {
		t.Errorf("DefaultOption() = %q, want smart", got)
	}
	m.Options[1].Default = false
	if got := m.DefaultOption(); got != "fast" {
		t.Errorf("DefaultOption() = %q, want fast", got)
	}
	if got := (Mode{}).DefaultOption(); got != "" {
		t.Errorf("DefaultOption() on empty mode = %q", got)
	}
}

func TestThreadDict_IsShared(t *testing.T) {
	var nilThread *ThreadDict
	if nilThread.IsShared() {
		t.Error("nil thread cannot be shared")
	}
	th := &ThreadDict{Metadata: map[string]any{"is_shared": true}}
	if !th.IsShared() {
		t.Error("expected shared thread")
	}
	th.Metadata["is_shared"] = "yes"
	if th.IsShared() {
		t.Error("non-bool is_shared must not count")
	}
}
