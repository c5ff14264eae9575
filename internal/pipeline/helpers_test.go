package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
)

// rec records frames handed to its emit method.
type rec struct {
	mu    sync.Mutex
	items []struct {
		f   frame.Frame
		dir frame.Direction
	}
}

func (r *rec) emit(f frame.Frame, dir frame.Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, struct {
		f   frame.Frame
		dir frame.Direction
	}{f, dir})
}

func (r *rec) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.items))
	for i, it := range r.items {
		out[i] = it.f.Kind()
	}
	return out
}

func (r *rec) frames() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame.Frame, len(r.items))
	for i, it := range r.items {
		out[i] = it.f
	}
	return out
}

func (r *rec) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *rec) at(i int) (frame.Frame, frame.Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it := r.items[i]
	return it.f, it.dir
}

// recorder is a passthrough stage that remembers every frame it saw.
type recorder struct {
	name string

	mu  sync.Mutex
	got []frame.Frame
}

func newRecorder(name string) *recorder { return &recorder{name: name} }

func (r *recorder) Name() string { return r.name }

func (r *recorder) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit Emit) error {
	r.mu.Lock()
	r.got = append(r.got, f)
	r.mu.Unlock()
	emit(f, dir)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, f := range r.got {
		out[i] = f.Kind()
	}
	return out
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.got {
		if f.Kind() == kind {
			n++
		}
	}
	return n
}

func (r *recorder) saw(kind string) bool { return r.count(kind) > 0 }

// waitFor polls cond every 5 ms until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func testStart() frame.Start {
	return *frame.NewStart(16000, 1, 24000, 1, true)
}
