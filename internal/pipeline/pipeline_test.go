package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
)

// splitter replaces an inbound Text frame with two derived ones.
type splitter struct{}

func (splitter) Name() string { return "splitter" }

func (splitter) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit Emit) error {
	if tf, ok := f.(*frame.Text); ok && dir == frame.Downstream {
		emit(frame.NewText(tf.Text+"-a"), frame.Downstream)
		emit(frame.NewText(tf.Text+"-b"), frame.Downstream)
		return nil
	}
	emit(f, dir)
	return nil
}

// asyncStage passes frames through and exposes its bound injector.
type asyncStage struct {
	mu     sync.Mutex
	inject Inject
}

func (s *asyncStage) Name() string { return "async" }

func (s *asyncStage) Bind(inject Inject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject = inject
}

func (s *asyncStage) injector() Inject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inject
}

func (s *asyncStage) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit Emit) error {
	emit(f, dir)
	return nil
}

// failOn emits a fatal error upstream when it sees the trigger kind.
type failOn struct {
	kind string
}

func (f *failOn) Name() string { return "failon" }

func (f *failOn) Process(_ context.Context, fr frame.Frame, dir frame.Direction, emit Emit) error {
	if fr.Kind() == f.kind {
		emit(frame.NewError(errors.New("boom"), true), frame.Upstream)
		return nil
	}
	emit(fr, dir)
	return nil
}

// errOn returns a processing error on the trigger kind.
type errOn struct {
	kind string
}

func (e *errOn) Name() string { return "erron" }

func (e *errOn) Process(_ context.Context, fr frame.Frame, dir frame.Direction, emit Emit) error {
	if fr.Kind() == e.kind {
		return errors.New("transient failure")
	}
	emit(fr, dir)
	return nil
}

// runPipeline starts p on a background goroutine and waits until head saw
// the Start frame, so subsequent pushes are ordered after it.
func runPipeline(t *testing.T, p *Pipeline, head *recorder) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background(), testStart()) }()
	if !waitFor(t, time.Second, func() bool { return head.saw("Start") }) {
		t.Fatal("pipeline did not deliver the start frame")
	}
	return errCh
}

func TestPipelineDeliversDownstream(t *testing.T) {
	head := newRecorder("head")
	tail := newRecorder("tail")
	var mu sync.Mutex
	var sunk []string
	p := New([]Processor{head, tail}, WithSink(func(f frame.Frame) {
		mu.Lock()
		sunk = append(sunk, f.Kind())
		mu.Unlock()
	}))

	errCh := runPipeline(t, p, head)
	p.Push(frame.NewText("hello"), frame.Downstream)
	p.Push(frame.NewEnd(), frame.Downstream)

	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"Start", "Text", "End"}
	for _, r := range []*recorder{head, tail} {
		got := r.kinds()
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("%s saw %v, want %v", r.Name(), got, want)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(sunk, ",") != strings.Join(want, ",") {
		t.Errorf("sink saw %v, want %v", sunk, want)
	}
}

func TestPipelineDepthFirstOrder(t *testing.T) {
	head := newRecorder("head")
	tail := newRecorder("tail")
	p := New([]Processor{head, splitter{}, tail})

	errCh := runPipeline(t, p, head)
	p.Push(frame.NewText("x"), frame.Downstream)
	p.Push(frame.NewText("y"), frame.Downstream)
	p.Push(frame.NewEnd(), frame.Downstream)

	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	var texts []string
	for _, f := range tail.frames() {
		if tf, ok := f.(*frame.Text); ok {
			texts = append(texts, tf.Text)
		}
	}
	// Both derived frames of x clear the chain before y enters it.
	want := []string{"x-a", "x-b", "y-a", "y-b"}
	if strings.Join(texts, ",") != strings.Join(want, ",") {
		t.Errorf("tail saw %v, want %v", texts, want)
	}
}

func TestPipelineInjectorEntersAfterStage(t *testing.T) {
	head := newRecorder("head")
	async := &asyncStage{}
	tail := newRecorder("tail")
	p := New([]Processor{head, async, tail})

	errCh := runPipeline(t, p, head)

	inject := async.injector()
	if inject == nil {
		t.Fatal("injector not bound")
	}
	inject(frame.NewText("bg"), frame.Downstream)
	if !waitFor(t, time.Second, func() bool { return tail.saw("Text") }) {
		t.Fatal("injected frame never reached the tail")
	}
	if head.saw("Text") {
		t.Error("downstream injection re-entered earlier stages")
	}

	// Upstream injection enters before the stage and travels backward.
	inject(frame.NewStartInterruption(), frame.Upstream)
	if !waitFor(t, time.Second, func() bool { return head.saw("StartInterruption") }) {
		t.Fatal("upstream injection never reached the head")
	}
	if tail.saw("StartInterruption") {
		t.Error("upstream injection leaked downstream")
	}

	p.Push(frame.NewEnd(), frame.Downstream)
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPipelineFatalErrorStopsRun(t *testing.T) {
	head := newRecorder("head")
	p := New([]Processor{head, &failOn{kind: "Text"}})

	errCh := runPipeline(t, p, head)
	p.Push(frame.NewText("trigger"), frame.Downstream)

	err := <-errCh
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestPipelineProcessorErrorIsNonFatal(t *testing.T) {
	head := newRecorder("head")
	tail := newRecorder("tail")
	p := New([]Processor{head, &errOn{kind: "Text"}, tail})

	errCh := runPipeline(t, p, head)
	p.Push(frame.NewText("trigger"), frame.Downstream)
	p.Push(frame.NewEnd(), frame.Downstream)

	if err := <-errCh; err != nil {
		t.Fatalf("expected clean shutdown despite stage error, got %v", err)
	}
	// The failing frame was dropped, the pipeline moved on.
	if tail.saw("Text") {
		t.Error("failing frame leaked past the broken stage")
	}
	if !tail.saw("End") {
		t.Error("pipeline did not continue after the stage error")
	}
}

func TestPipelineContextCancellation(t *testing.T) {
	head := newRecorder("head")
	p := New([]Processor{head})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx, testStart()) }()
	if !waitFor(t, time.Second, func() bool { return head.saw("Start") }) {
		t.Fatal("pipeline did not start")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("cancellation must return nil, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	if !head.saw("Cancel") {
		t.Error("stages did not receive the Cancel frame")
	}
}

func TestPipelineRejectsDoubleRun(t *testing.T) {
	head := newRecorder("head")
	p := New([]Processor{head})

	errCh := runPipeline(t, p, head)
	if err := p.Run(context.Background(), testStart()); err == nil {
		t.Error("second Run did not fail")
	}

	p.Push(frame.NewEnd(), frame.Downstream)
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPipelineUpstreamTravel(t *testing.T) {
	head := newRecorder("head")
	async := &asyncStage{}
	tail := newRecorder("tail")
	p := New([]Processor{head, tail, async})

	errCh := runPipeline(t, p, head)

	// A non-fatal error injected upstream from the last stage passes the
	// earlier stages and is absorbed at the upstream end.
	async.injector()(frame.NewError(errors.New("recoverable"), false), frame.Upstream)
	if !waitFor(t, time.Second, func() bool { return head.saw("Error") }) {
		t.Fatal("upstream error never reached the head")
	}
	if !tail.saw("Error") {
		t.Error("upstream error skipped an intermediate stage")
	}

	p.Push(frame.NewEnd(), frame.Downstream)
	if err := <-errCh; err != nil {
		t.Fatalf("non-fatal error must not fail the run: %v", err)
	}
}
