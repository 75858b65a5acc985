package testutil

import (
	"context"
	"sync"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
	"github.com/tjfontaine/chatline/internal/datalayer/memory"
)

// Call is one write observed by a RecordingDataLayer.
type Call struct {
	Op string
	ID string
}

// RecordingDataLayer wraps an in-memory data layer and records every write
// in the order the data layer received it.
type RecordingDataLayer struct {
	ports.DataLayer

	mu    sync.Mutex
	calls []Call
	// Err, when set, is returned by every recorded write.
	Err error
}

// NewRecordingDataLayer returns a recorder over a fresh memory store.
func NewRecordingDataLayer() *RecordingDataLayer {
	return &RecordingDataLayer{DataLayer: memory.New(nil)}
}

func (r *RecordingDataLayer) record(op, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: op, ID: id})
	return r.Err
}

// Calls returns the recorded writes.
func (r *RecordingDataLayer) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsOf returns the ids of recorded writes of the given op.
func (r *RecordingDataLayer) CallsOf(op string) []string {
	var ids []string
	for _, c := range r.Calls() {
		if c.Op == op {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func (r *RecordingDataLayer) CreateStep(ctx context.Context, step domain.StepDict) error {
	if err := r.record("create_step", step.ID); err != nil {
		return err
	}
	return r.DataLayer.CreateStep(ctx, step)
}

func (r *RecordingDataLayer) UpdateStep(ctx context.Context, step domain.StepDict) error {
	if err := r.record("update_step", step.ID); err != nil {
		return err
	}
	return r.DataLayer.UpdateStep(ctx, step)
}

func (r *RecordingDataLayer) DeleteStep(ctx context.Context, id string) error {
	if err := r.record("delete_step", id); err != nil {
		return err
	}
	return r.DataLayer.DeleteStep(ctx, id)
}

func (r *RecordingDataLayer) CreateElement(ctx context.Context, e domain.ElementRecord) error {
	if err := r.record("create_element", e.ID); err != nil {
		return err
	}
	return r.DataLayer.CreateElement(ctx, e)
}

func (r *RecordingDataLayer) DeleteElement(ctx context.Context, id, threadID string) error {
	if err := r.record("delete_element", id); err != nil {
		return err
	}
	return r.DataLayer.DeleteElement(ctx, id, threadID)
}

func (r *RecordingDataLayer) UpdateThread(ctx context.Context, u domain.ThreadUpdate) error {
	if err := r.record("update_thread", u.ThreadID); err != nil {
		return err
	}
	return r.DataLayer.UpdateThread(ctx, u)
}
