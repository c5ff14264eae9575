package endpointing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
)

// idleWait is the fail-safe window: a turn resolves at most this long
// after the last ambiguous classifier verdict. Relative, restarted on
// every non-YES verdict. idlePoll is the timer poll increment; extension
// works by moving the shared deadline, never by spawning a second timer.
// Vars so tests can shorten them.
var (
	idleWait = 5 * time.Second
	idlePoll = 10 * time.Millisecond
)

// accumulatorResetter is what the completeness check needs from the audio
// accumulator.
type accumulatorResetter interface {
	Reset()
}

// CompletenessCheck interprets the classifier's verdict. An exact "YES"
// resolves the turn immediately: it synthesizes the definitive
// stop-of-speech signal, resets the audio accumulator and fires the
// notifier. Anything else arms (or extends) a five second idle timer that
// resolves the turn by default, so the pipeline can never hang on a
// classifier that never says YES.
type CompletenessCheck struct {
	log      *slog.Logger
	notifier *Notifier
	acc      accumulatorResetter

	mu        sync.Mutex
	deadline  time.Time
	timerLive bool
	gen       uint64
}

func NewCompletenessCheck(notifier *Notifier, acc accumulatorResetter, log *slog.Logger) *CompletenessCheck {
	if log == nil {
		log = slog.Default()
	}
	return &CompletenessCheck{
		log:      log.With("component", "completeness_check"),
		notifier: notifier,
		acc:      acc,
	}
}

func (c *CompletenessCheck) Name() string { return "completeness_check" }

func (c *CompletenessCheck) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.Text:
		// Classifier verdict. The match is deliberately exact: anything
		// that is not the literal token "YES", including "Yes." or
		// trailing whitespace, falls into the timeout path.
		if fr.Text == "YES" {
			c.log.Debug("classifier verdict: complete")
			c.cancelTimer()
			emit(frame.NewUserStoppedSpeaking(), frame.Downstream)
			c.acc.Reset()
			c.notifier.Notify()
		} else if fr.Text != "" {
			c.log.Debug("classifier verdict ambiguous, arming idle timer", "verdict", fr.Text)
			c.armOrExtend(ctx)
		}
		return nil

	case *frame.UserStartedSpeaking, *frame.StartInterruption:
		// A stale timer must never fire a stop-signal into a new
		// utterance.
		c.cancelTimer()
	}

	emit(f, dir)
	return nil
}

// armOrExtend moves the shared deadline forward and starts the single
// timer goroutine if none is live.
func (c *CompletenessCheck) armOrExtend(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = time.Now().Add(idleWait)
	if c.timerLive {
		return
	}
	c.timerLive = true
	c.gen++
	go c.idleLoop(ctx, c.gen)
}

func (c *CompletenessCheck) cancelTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timerLive = false
}

// idleLoop polls the shared deadline in small increments. It exits when
// cancelled (timerLive cleared or superseded by a newer generation) or
// when the deadline passes, in which case the turn is treated as complete.
func (c *CompletenessCheck) idleLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if !c.timerLive || c.gen != gen {
				c.mu.Unlock()
				return
			}
			if time.Now().Before(c.deadline) {
				c.mu.Unlock()
				continue
			}
			c.timerLive = false
			c.mu.Unlock()

			c.log.Debug("idle timeout, treating turn as complete")
			c.acc.Reset()
			c.notifier.Notify()
			return
		}
	}
}

var _ pipeline.Processor = (*CompletenessCheck)(nil)
