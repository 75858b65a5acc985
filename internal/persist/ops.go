package persist

import (
	"context"
	"errors"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
)

// OpKind names a data-layer write.
type OpKind string

const (
	OpCreateStep    OpKind = "create_step"
	OpUpdateStep    OpKind = "update_step"
	OpDeleteStep    OpKind = "delete_step"
	OpCreateElement OpKind = "create_element"
	OpDeleteElement OpKind = "delete_element"
	OpUpdateThread  OpKind = "update_thread"
)

// Op is one queued data-layer write. Exactly one payload field is set.
type Op struct {
	Kind    OpKind
	Step    *domain.StepDict
	Element *domain.ElementRecord
	Thread  *domain.ThreadUpdate

	// ID and ThreadID identify the target of delete operations.
	ID       string
	ThreadID string
}

func CreateStep(s domain.StepDict) Op {
	return Op{Kind: OpCreateStep, Step: &s}
}

func UpdateStep(s domain.StepDict) Op {
	return Op{Kind: OpUpdateStep, Step: &s}
}

func DeleteStep(id string) Op {
	return Op{Kind: OpDeleteStep, ID: id}
}

func CreateElement(e domain.ElementRecord) Op {
	return Op{Kind: OpCreateElement, Element: &e}
}

func DeleteElement(id, threadID string) Op {
	return Op{Kind: OpDeleteElement, ID: id, ThreadID: threadID}
}

func UpdateThread(u domain.ThreadUpdate) Op {
	return Op{Kind: OpUpdateThread, Thread: &u}
}

// String returns the kind and target id, for logs.
func (o Op) String() string {
	switch {
	case o.Step != nil:
		return string(o.Kind) + "(" + o.Step.ID + ")"
	case o.Element != nil:
		return string(o.Kind) + "(" + o.Element.ID + ")"
	case o.Thread != nil:
		return string(o.Kind) + "(" + o.Thread.ThreadID + ")"
	}
	return string(o.Kind) + "(" + o.ID + ")"
}

// Apply performs the write against dl.
func (o Op) Apply(ctx context.Context, dl ports.DataLayer) error {
	switch o.Kind {
	case OpCreateStep:
		return dl.CreateStep(ctx, *o.Step)
	case OpUpdateStep:
		return dl.UpdateStep(ctx, *o.Step)
	case OpDeleteStep:
		return dl.DeleteStep(ctx, o.ID)
	case OpCreateElement:
		return dl.CreateElement(ctx, *o.Element)
	case OpDeleteElement:
		return dl.DeleteElement(ctx, o.ID, o.ThreadID)
	case OpUpdateThread:
		return dl.UpdateThread(ctx, *o.Thread)
	}
	return errors.New("unknown persistence op " + string(o.Kind))
}
