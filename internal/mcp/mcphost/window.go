package mcphost

import (
	"slices"
	"sync"
	"time"
)

// window tracks the last N tool-call latencies in a ring buffer for
// percentile calculation. All methods are safe for concurrent use.
type window struct {
	mu      sync.Mutex
	samples []time.Duration
	pos     int // next write position
	count   int // total samples written, may exceed len(samples)
	errors  int
	size    int
}

// newWindow creates a window with the given capacity; size ≤ 0 defaults
// to 100.
func newWindow(size int) *window {
	if size <= 0 {
		size = 100
	}
	return &window{
		samples: make([]time.Duration, size),
		size:    size,
	}
}

// Record adds one measurement, overwriting the oldest once the buffer is
// full. The error counter is an approximation clamped to the window size;
// per-slot error tracking is not worth the bookkeeping here.
func (w *window) Record(latency time.Duration, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.pos] = latency
	w.pos = (w.pos + 1) % w.size
	w.count++

	if isError {
		w.errors++
		if w.errors > w.size {
			w.errors = w.size
		}
	}
}

// filled returns the number of meaningful samples in the buffer.
func (w *window) filled() int {
	if w.count >= w.size {
		return w.size
	}
	return w.count
}

// sorted returns the current samples in ascending order. Caller holds mu.
func (w *window) sorted() []time.Duration {
	n := w.filled()
	if n == 0 {
		return nil
	}
	cp := make([]time.Duration, n)
	copy(cp, w.samples[:n])
	slices.Sort(cp)
	return cp
}

// P50 returns the median latency, or 0 with no measurements.
func (w *window) P50() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)/2]
}

// P99 returns the 99th-percentile latency, or 0 with no measurements.
func (w *window) P99() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[int(float64(len(s)-1)*0.99)]
}

// ErrorRate returns the error fraction over the current window (0.0–1.0).
func (w *window) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.filled()
	if n == 0 {
		return 0
	}
	return float64(min(w.errors, n)) / float64(n)
}

// Count returns the total number of invocations recorded.
func (w *window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
