package lead

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultFlushInterval is the period between transcript writes.
const defaultFlushInterval = 10 * time.Second

// Flusher buffers one call's transcript lines and writes them to the store
// periodically, so a crash mid-call loses at most one interval of speech.
// The pipeline's aggregators feed it; [Flusher.Close] performs the final
// flush at call end.
//
// All methods are safe for concurrent use.
type Flusher struct {
	log      *slog.Logger
	store    Store
	callID   string
	interval time.Duration

	mu      sync.Mutex
	pending []TranscriptEntry

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFlusher creates a flusher for one call. interval ≤ 0 selects the
// default. Call [Flusher.Start] to begin the background loop.
func NewFlusher(store Store, callID string, interval time.Duration, log *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Flusher{
		log:      log.With("component", "lead_flusher", "call_id", callID),
		store:    store,
		callID:   callID,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic flush loop. The loop runs until [Flusher.Close]
// is called or ctx is cancelled.
func (f *Flusher) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.loop(ctx)
}

// Add buffers one spoken line for the next flush.
func (f *Flusher) Add(role, text string) {
	if text == "" {
		return
	}
	f.mu.Lock()
	f.pending = append(f.pending, TranscriptEntry{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
	f.mu.Unlock()
}

// Flush writes all buffered entries immediately. On store failure the
// entries are requeued for the next attempt.
func (f *Flusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := f.store.AppendTranscript(ctx, f.callID, batch); err != nil {
		f.mu.Lock()
		f.pending = append(batch, f.pending...)
		f.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the loop and flushes whatever remains. Safe to call multiple
// times.
func (f *Flusher) Close(ctx context.Context) error {
	f.stopOnce.Do(func() {
		close(f.done)
	})
	f.wg.Wait()
	return f.Flush(ctx)
}

func (f *Flusher) loop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				f.log.Warn("transcript flush failed", "error", err)
			}
		}
	}
}
