package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// Frame is an event captured by a RecordingTransport.
type Frame struct {
	SocketID string
	Event    string
	Data     json.RawMessage
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		t.Fatalf("decode %s: %v", f.Event, err)
	}
}

// RecordingTransport captures every frame sent to it. Sends to sockets
// marked closed fail.
type RecordingTransport struct {
	mu     sync.Mutex
	frames []Frame
	closed map[string]bool
	notify chan struct{}
}

func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{closed: map[string]bool{}, notify: make(chan struct{}, 1)}
}

// Close makes later sends to socketID fail.
func (r *RecordingTransport) Close(socketID string) {
	r.mu.Lock()
	r.closed[socketID] = true
	r.mu.Unlock()
}

func (r *RecordingTransport) Send(ctx context.Context, socketID string, frame []byte) error {
	var f struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed[socketID] {
		r.mu.Unlock()
		return errors.New("socket closed")
	}
	r.frames = append(r.frames, Frame{SocketID: socketID, Event: f.Event, Data: f.Data})
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Frames returns every captured frame.
func (r *RecordingTransport) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// Events returns the captured event names in order.
func (r *RecordingTransport) Events() []string {
	var out []string
	for _, f := range r.Frames() {
		out = append(out, f.Event)
	}
	return out
}

// Of returns the captured frames with the given event name.
func (r *RecordingTransport) Of(event string) []Frame {
	var out []Frame
	for _, f := range r.Frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// WaitFor blocks until n frames with the given event have been captured.
func (r *RecordingTransport) WaitFor(t *testing.T, event string, n int) []Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if got := r.Of(event); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d %q frames; got events %v", n, event, r.Events())
			return nil
		}
	}
}
