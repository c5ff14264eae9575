package pipeline

import (
	"context"

	"github.com/askjohngeorge/leadline/internal/frame"
)

// FuncFilter passes frames matching a predicate and drops the rest.
// Lifecycle frames (Start, End, Cancel, Error) always pass so a filter can
// never wedge pipeline startup or shutdown, and frames moving against the
// configured direction always pass.
type FuncFilter struct {
	name string
	pred func(f frame.Frame) bool
	dir  frame.Direction
}

// NewFuncFilter builds a filter over downstream frames.
func NewFuncFilter(name string, pred func(f frame.Frame) bool) *FuncFilter {
	return &FuncFilter{name: name, pred: pred, dir: frame.Downstream}
}

// NewUpstreamFuncFilter builds a filter over upstream frames.
func NewUpstreamFuncFilter(name string, pred func(f frame.Frame) bool) *FuncFilter {
	return &FuncFilter{name: name, pred: pred, dir: frame.Upstream}
}

func (ff *FuncFilter) Name() string { return ff.name }

func (ff *FuncFilter) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit Emit) error {
	switch f.(type) {
	case *frame.Start, *frame.End, *frame.Cancel, *frame.Error:
		emit(f, dir)
		return nil
	}
	if dir != ff.dir || ff.pred(f) {
		emit(f, dir)
	}
	return nil
}

var _ Processor = (*FuncFilter)(nil)
