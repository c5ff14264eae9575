package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/askjohngeorge/leadline/internal/frame"
)

// seenCap bounds the merge dedup set. It is only cleared between
// top-level dispatches, when no fan-out is in flight.
const seenCap = 8192

// Parallel fans every incoming frame out to several branch chains and
// merges their output back into the main chain. A frame that more than one
// branch passes through unchanged is emitted once; frames created inside a
// branch carry fresh IDs and always pass.
type Parallel struct {
	name     string
	branches [][]Processor
	log      *slog.Logger

	outer    Inject
	schedule func(fn func(ctx context.Context))
	bindOnce sync.Once

	seen map[uint64]struct{}
}

// NewParallel builds a parallel stage from branch chains, each given in
// downstream order.
func NewParallel(name string, log *slog.Logger, branches ...[]Processor) *Parallel {
	if log == nil {
		log = slog.Default()
	}
	return &Parallel{
		name:     name,
		branches: branches,
		log:      log.With("component", name),
		seen:     make(map[uint64]struct{}),
	}
}

func (p *Parallel) Name() string { return p.name }

// Bind stores the injector for frames leaving the parallel stage from a
// background goroutine.
func (p *Parallel) Bind(inject Inject) { p.outer = inject }

// BindScheduler stores the dispatch-goroutine scheduler used to route
// branch-internal injections through the remaining branch stages.
func (p *Parallel) BindScheduler(schedule func(fn func(ctx context.Context))) {
	p.schedule = schedule
}

func (p *Parallel) bindBranches() {
	for bi, branch := range p.branches {
		for si, proc := range branch {
			b, ok := proc.(Bindable)
			if !ok {
				continue
			}
			bi, si := bi, si
			b.Bind(func(f frame.Frame, dir frame.Direction) {
				if p.schedule == nil {
					return
				}
				p.schedule(func(ctx context.Context) {
					idx := si + 1
					if dir == frame.Upstream {
						idx = si - 1
					}
					p.walkBranch(ctx, bi, queued{f: f, dir: dir, idx: idx}, p.injectEmit())
				})
			})
			if tb, ok := proc.(TaskBindable); ok {
				tb.BindScheduler(p.schedule)
			}
		}
	}
}

// injectEmit merges branch output reached via injection back through the
// outer injector, which enqueues after this stage.
func (p *Parallel) injectEmit() Emit {
	return func(f frame.Frame, dir frame.Direction) {
		if p.outer != nil {
			p.outer(f, dir)
		}
	}
}

func (p *Parallel) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit Emit) error {
	p.bindOnce.Do(p.bindBranches)

	// No fan-out is in flight between top-level frames, so the dedup set
	// can be reset safely here.
	if len(p.seen) > seenCap {
		p.seen = make(map[uint64]struct{})
	}

	for bi := range p.branches {
		item := queued{f: f, dir: dir, idx: 0}
		if dir == frame.Upstream {
			item.idx = len(p.branches[bi]) - 1
		}
		p.walkBranch(ctx, bi, item, emit)
	}
	return nil
}

// walkBranch advances item through branch bi depth first; frames falling
// off either end merge into out, deduplicated by frame ID.
func (p *Parallel) walkBranch(ctx context.Context, bi int, item queued, out Emit) {
	branch := p.branches[bi]
	if item.idx < 0 {
		p.mergeOut(out, item.f, frame.Upstream)
		return
	}
	if item.idx >= len(branch) {
		p.mergeOut(out, item.f, frame.Downstream)
		return
	}

	proc := branch[item.idx]
	branchEmit := func(f frame.Frame, dir frame.Direction) {
		next := item.idx + 1
		if dir == frame.Upstream {
			next = item.idx - 1
		}
		p.walkBranch(ctx, bi, queued{f: f, dir: dir, idx: next}, out)
	}
	if err := proc.Process(ctx, item.f, item.dir, branchEmit); err != nil {
		p.log.Error("branch processor failed",
			"processor", proc.Name(), "frame", item.f.Kind(), "error", err)
		p.mergeOut(out, frame.NewError(fmt.Errorf("%s: %w", proc.Name(), err), false), frame.Upstream)
	}
}

func (p *Parallel) mergeOut(out Emit, f frame.Frame, dir frame.Direction) {
	if _, dup := p.seen[f.ID()]; dup {
		return
	}
	p.seen[f.ID()] = struct{}{}
	out(f, dir)
}
