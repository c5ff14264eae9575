package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
)

// consumer swallows everything except system frames, like a branch that
// only feeds a side channel.
type consumer struct{}

func (consumer) Name() string { return "consumer" }

func (consumer) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit Emit) error {
	if frame.IsSystem(f) {
		emit(f, dir)
	}
	return nil
}

func TestParallelFanOutAndDedup(t *testing.T) {
	left := newRecorder("left")
	right := newRecorder("right")
	par := NewParallel("parallel", nil, []Processor{left}, []Processor{right})
	head := newRecorder("head")
	tail := newRecorder("tail")
	p := New([]Processor{head, par, tail})

	errCh := runPipeline(t, p, head)
	p.Push(frame.NewText("x"), frame.Downstream)
	p.Push(frame.NewEnd(), frame.Downstream)

	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	// Every branch sees the frame; the merged stream carries it once.
	if left.count("Text") != 1 || right.count("Text") != 1 {
		t.Errorf("branches saw Text %d/%d times, want 1/1", left.count("Text"), right.count("Text"))
	}
	if got := tail.count("Text"); got != 1 {
		t.Errorf("merged stream carried Text %d times, want 1", got)
	}
	if got := tail.count("Start"); got != 1 {
		t.Errorf("merged stream carried Start %d times, want 1", got)
	}
	if got := tail.count("End"); got != 1 {
		t.Errorf("merged stream carried End %d times, want 1", got)
	}
}

func TestParallelAsymmetricBranches(t *testing.T) {
	par := NewParallel("parallel", nil, []Processor{splitter{}}, []Processor{consumer{}})
	head := newRecorder("head")
	tail := newRecorder("tail")
	p := New([]Processor{head, par, tail})

	errCh := runPipeline(t, p, head)
	p.Push(frame.NewText("x"), frame.Downstream)
	p.Push(frame.NewEnd(), frame.Downstream)

	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	// The splitter branch replaced x with two fresh frames; the consumer
	// branch dropped it. Only the fresh frames reach the merged stream.
	var texts []string
	for _, f := range tail.frames() {
		if tf, ok := f.(*frame.Text); ok {
			texts = append(texts, tf.Text)
		}
	}
	want := []string{"x-a", "x-b"}
	if strings.Join(texts, ",") != strings.Join(want, ",") {
		t.Errorf("merged texts %v, want %v", texts, want)
	}
}

func TestParallelBranchInjection(t *testing.T) {
	async := &asyncStage{}
	branchTail := newRecorder("branch_tail")
	par := NewParallel("parallel", nil, []Processor{async, branchTail})
	head := newRecorder("head")
	tail := newRecorder("tail")
	p := New([]Processor{head, par, tail})

	errCh := runPipeline(t, p, head)
	if !waitFor(t, time.Second, func() bool { return branchTail.saw("Start") }) {
		t.Fatal("branch never received the start frame")
	}

	// A background injection inside the branch routes through the rest of
	// the branch and merges into the main chain after the parallel stage.
	async.injector()(frame.NewText("bg"), frame.Downstream)
	if !waitFor(t, time.Second, func() bool { return tail.saw("Text") }) {
		t.Fatal("branch injection never reached the merged stream")
	}
	if !branchTail.saw("Text") {
		t.Error("branch injection skipped the remaining branch stages")
	}
	if head.saw("Text") {
		t.Error("branch injection re-entered the trunk before the parallel stage")
	}

	p.Push(frame.NewEnd(), frame.Downstream)
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestParallelUpstreamEntersAtBranchTail(t *testing.T) {
	branch := newRecorder("branch")
	par := NewParallel("parallel", nil, []Processor{branch})
	out := &rec{}

	intr := frame.NewStartInterruption()
	if err := par.Process(context.Background(), intr, frame.Upstream, out.emit); err != nil {
		t.Fatalf("process: %v", err)
	}

	if !branch.saw("StartInterruption") {
		t.Error("upstream frame skipped the branch")
	}
	if out.len() != 1 {
		t.Fatalf("expected one merged frame, got %d", out.len())
	}
	f, dir := out.at(0)
	if f != intr || dir != frame.Upstream {
		t.Errorf("unexpected merge: %s %v", f.Kind(), dir)
	}
}
