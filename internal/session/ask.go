package session

import (
	"encoding/json"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// AskReply is delivered to the waiter of a pending ask.
type AskReply struct {
	Response  json.RawMessage
	Cancelled bool
}

// PendingAsk is the single outstanding ask of a session.
type PendingAsk struct {
	ID   string
	Spec domain.AskSpec

	reply chan AskReply
}

// Reply returns the channel the waiter receives exactly one reply on.
func (a *PendingAsk) Reply() <-chan AskReply {
	return a.reply
}

// BeginAsk registers a new pending ask, cancelling the previous one.
func (s *Session) BeginAsk(spec domain.AskSpec) *PendingAsk {
	a := &PendingAsk{ID: spec.ID, Spec: spec, reply: make(chan AskReply, 1)}

	s.mu.Lock()
	prev := s.ask
	s.ask = a
	s.mu.Unlock()

	if prev != nil {
		prev.reply <- AskReply{Cancelled: true}
	}
	return a
}

// PendingAsk returns the outstanding ask, or nil.
func (s *Session) PendingAsk() *PendingAsk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ask
}

// ResolveAsk delivers a client reply. An empty id matches whatever ask is
// pending. It reports false when nothing matched.
func (s *Session) ResolveAsk(id string, response json.RawMessage) bool {
	s.mu.Lock()
	a := s.ask
	if a == nil || (id != "" && a.ID != id) {
		s.mu.Unlock()
		return false
	}
	s.ask = nil
	s.mu.Unlock()

	a.reply <- AskReply{Response: response}
	return true
}

// CancelAsk resolves the pending ask, if any, with a cancellation marker.
func (s *Session) CancelAsk() bool {
	s.mu.Lock()
	a := s.ask
	s.ask = nil
	s.mu.Unlock()

	if a == nil {
		return false
	}
	a.reply <- AskReply{Cancelled: true}
	return true
}

// EndAsk clears a if it is still the pending ask. Used after a timeout.
func (s *Session) EndAsk(a *PendingAsk) {
	s.mu.Lock()
	if s.ask == a {
		s.ask = nil
	}
	s.mu.Unlock()
}

// CallFnReply is the client's answer to a call_fn event.
type CallFnReply struct {
	Response json.RawMessage
	Err      error
}

// BeginCallFn registers a waiter for the call_fn response with the given id.
func (s *Session) BeginCallFn(id string) <-chan CallFnReply {
	ch := make(chan CallFnReply, 1)
	s.mu.Lock()
	s.callFns[id] = ch
	s.mu.Unlock()
	return ch
}

// ResolveCallFn delivers a call_fn response. It reports false for unknown ids.
func (s *Session) ResolveCallFn(id string, response json.RawMessage) bool {
	s.mu.Lock()
	ch, ok := s.callFns[id]
	delete(s.callFns, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	ch <- CallFnReply{Response: response}
	return true
}

// EndCallFn drops the waiter for id.
func (s *Session) EndCallFn(id string) {
	s.mu.Lock()
	delete(s.callFns, id)
	s.mu.Unlock()
}

// cancelCallFns fails every outstanding call_fn waiter.
func (s *Session) cancelCallFns() {
	s.mu.Lock()
	pending := s.callFns
	s.callFns = map[string]chan CallFnReply{}
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- CallFnReply{Err: domain.ErrAskCancelled}
	}
}
