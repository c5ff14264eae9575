// Package pipeline provides the frame-processing runtime: a linear chain of
// processors driven by a single dispatch goroutine, mirroring a cascaded
// voice pipeline. Frames travel downstream (audio in -> audio out) or
// upstream (errors, interruption requests). Background work started by a
// processor re-enters the chain through the queue, never by calling another
// processor directly, so per-stage frame ordering is preserved without
// per-processor locking.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
)

// Emit hands a frame onward from a stage. Implementations are only valid
// for the duration of the Process call that received them; background
// goroutines use the Inject func bound via Bindable instead.
type Emit func(f frame.Frame, dir frame.Direction)

// Processor is one stage of a pipeline. Process is called from the
// dispatch goroutine only; implementations must not block on slow I/O
// there, but hand such work to their own goroutines and re-enter through
// an injector.
type Processor interface {
	Name() string
	Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit Emit) error
}

// Inject enqueues a frame into the pipeline as if the bound stage had
// emitted it. Safe to call from any goroutine. Calls after the pipeline
// stopped are dropped.
type Inject func(f frame.Frame, dir frame.Direction)

// Bindable is implemented by processors whose background goroutines need
// to emit frames. Bind is called once before the first frame.
type Bindable interface {
	Bind(inject Inject)
}

// TaskBindable is implemented by container stages that must run work on
// the dispatch goroutine, such as Parallel routing injected frames through
// its branch chains.
type TaskBindable interface {
	BindScheduler(schedule func(fn func(ctx context.Context)))
}

// queueSize bounds pending injected frames. The dispatch goroutine never
// enqueues to itself, so this only backpressures external producers.
const queueSize = 256

// drainTimeout bounds how long shutdown waits for a Cancel frame to clear
// the chain.
const drainTimeout = 2 * time.Second

type queued struct {
	f   frame.Frame
	dir frame.Direction
	idx int
}

// Pipeline is a linear chain of processors.
type Pipeline struct {
	procs []Processor
	log   *slog.Logger

	// sink receives frames that fall off the downstream end.
	sink func(f frame.Frame)

	queue chan func(ctx context.Context)
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	// terminal is set by the dispatch goroutine when an End or Cancel
	// frame falls off the downstream end.
	terminal bool

	mu      sync.Mutex
	fatal   error
	started bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Default slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithSink sets the callback for frames leaving the downstream end of the
// chain. Default drops them.
func WithSink(sink func(f frame.Frame)) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// New builds a pipeline from procs in downstream order.
func New(procs []Processor, opts ...Option) *Pipeline {
	p := &Pipeline{
		procs: procs,
		log:   slog.Default(),
		queue: make(chan func(ctx context.Context), queueSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "pipeline")
	return p
}

// Run binds injectors, starts the dispatch goroutine and delivers start
// downstream. It returns when ctx is cancelled, an End frame clears the
// chain, or a processor reports a fatal error. A fatal error is returned;
// cancellation and clean end return nil.
func (p *Pipeline) Run(ctx context.Context, start frame.Start) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pipeline already started")
	}
	p.started = true
	p.mu.Unlock()

	for i, proc := range p.procs {
		if b, ok := proc.(Bindable); ok {
			b.Bind(p.injectorFor(i))
		}
		if tb, ok := proc.(TaskBindable); ok {
			tb.BindScheduler(p.schedule)
		}
	}

	ended := make(chan struct{})
	p.wg.Add(1)
	go p.dispatchLoop(ctx, ended)

	p.Push(&start, frame.Downstream)

	var runErr error
	select {
	case <-ctx.Done():
		// Deliver Cancel so stages stop their tasks, then shut down.
		p.Push(frame.NewCancel(), frame.Downstream)
		select {
		case <-ended:
		case <-time.After(drainTimeout):
			p.log.Warn("cancel frame did not drain, forcing shutdown")
		}
	case <-ended:
		runErr = p.fatalErr()
	}

	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
	return runErr
}

// Push enqueues a frame at the head of the chain. Safe from any goroutine.
func (p *Pipeline) Push(f frame.Frame, dir frame.Direction) {
	p.schedule(func(ctx context.Context) {
		p.dispatch(ctx, queued{f: f, dir: dir, idx: 0})
	})
}

// schedule runs fn on the dispatch goroutine, preserving queue order with
// respect to other injected frames. Calls after shutdown are dropped.
func (p *Pipeline) schedule(fn func(ctx context.Context)) {
	select {
	case p.queue <- fn:
	case <-p.done:
	}
}

func (p *Pipeline) injectorFor(i int) Inject {
	// Injected frames enter after stage i, as if stage i emitted them.
	return func(f frame.Frame, dir frame.Direction) {
		p.schedule(func(ctx context.Context) {
			idx := i + 1
			if dir == frame.Upstream {
				idx = i - 1
			}
			p.dispatch(ctx, queued{f: f, dir: dir, idx: idx})
		})
	}
}

func (p *Pipeline) dispatchLoop(ctx context.Context, ended chan<- struct{}) {
	defer p.wg.Done()
	defer close(ended)
	for {
		select {
		case <-p.done:
			return
		case fn := <-p.queue:
			fn(ctx)
			if p.terminal || p.fatalErr() != nil {
				return
			}
		}
	}
}

// dispatch walks item through the chain synchronously, depth first: a
// frame emitted by stage i is fully handled by stages i+1..n before the
// emitting Process call returns.
func (p *Pipeline) dispatch(ctx context.Context, item queued) {
	if item.idx < 0 {
		// Fell off the upstream end.
		if ef, ok := item.f.(*frame.Error); ok {
			p.handleError(ef)
		}
		return
	}
	if item.idx >= len(p.procs) {
		switch item.f.(type) {
		case *frame.End, *frame.Cancel:
			p.terminal = true
		}
		if p.sink != nil && item.dir == frame.Downstream {
			p.sink(item.f)
		}
		return
	}

	proc := p.procs[item.idx]
	emit := func(f frame.Frame, dir frame.Direction) {
		next := item.idx + 1
		if dir == frame.Upstream {
			next = item.idx - 1
		}
		p.dispatch(ctx, queued{f: f, dir: dir, idx: next})
	}
	if err := proc.Process(ctx, item.f, item.dir, emit); err != nil {
		p.log.Error("processor failed",
			"processor", proc.Name(), "frame", item.f.Kind(), "error", err)
		p.handleError(frame.NewError(fmt.Errorf("%s: %w", proc.Name(), err), false))
	}
}

func (p *Pipeline) handleError(ef *frame.Error) {
	if !ef.Fatal {
		p.log.Warn("pipeline error", "error", ef.Err)
		return
	}
	p.mu.Lock()
	if p.fatal == nil {
		p.fatal = ef.Err
	}
	p.mu.Unlock()
	p.log.Error("fatal pipeline error", "error", ef.Err)
}

func (p *Pipeline) fatalErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

// Stopped returns a channel closed when the pipeline shuts down. Stage
// goroutines select on it to avoid leaking.
func (p *Pipeline) Stopped() <-chan struct{} {
	return p.done
}
