package stage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/audio"
	"github.com/askjohngeorge/leadline/pkg/provider/tts"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// synthTextBuf is the per-session text queue. Dispatch never blocks on the
// provider; overflow chunks are dropped with a warning.
const synthTextBuf = 64

// Synthesizer turns response text into speech audio. Text frames within an
// LLM response stream into one provider session, so the provider can chunk
// sentences itself; closing the session at response end flushes the tail.
// Standalone text (greetings, canned lines) synthesizes as a one-shot
// session. Interruptions abort the live session, dropping unspoken audio.
type Synthesizer struct {
	log      *slog.Logger
	provider tts.Provider
	voice    types.VoiceProfile

	inject pipeline.Inject

	outRate int
	outCh   int

	mu         sync.Mutex
	taskCtx    context.Context
	textCh     chan string
	cancel     context.CancelFunc
	responding bool
}

// NewSynthesizer builds the stage for one voice.
func NewSynthesizer(provider tts.Provider, voice types.VoiceProfile, log *slog.Logger) *Synthesizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synthesizer{
		log:      log.With("component", "synthesizer"),
		provider: provider,
		voice:    voice,
		outRate:  16000,
		outCh:    1,
	}
}

func (s *Synthesizer) Name() string { return "synthesizer" }

// Bind receives the injector session goroutines emit audio through.
func (s *Synthesizer) Bind(inject pipeline.Inject) { s.inject = inject }

func (s *Synthesizer) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.Start:
		if fr.AudioOutSampleRate > 0 {
			s.outRate = fr.AudioOutSampleRate
		}
		if fr.AudioOutChannels > 0 {
			s.outCh = fr.AudioOutChannels
		}
		s.mu.Lock()
		s.taskCtx = ctx
		s.mu.Unlock()

	case *frame.LLMFullResponseStart:
		s.responding = true

	case *frame.Text:
		if dir == frame.Downstream {
			if s.responding {
				s.speakStreamed(fr.Text, emit)
			} else {
				s.speakOneShot(fr.Text, emit)
			}
		}

	case *frame.LLMFullResponseEnd:
		s.responding = false
		s.closeSession()

	case *frame.StartInterruption:
		s.responding = false
		s.abortSession()

	case *frame.End, *frame.Cancel:
		s.responding = false
		s.abortSession()
	}

	emit(f, dir)
	return nil
}

// speakStreamed queues text onto the live session, opening one if needed.
func (s *Synthesizer) speakStreamed(text string, emit pipeline.Emit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.textCh == nil && !s.openSessionLocked(emit) {
		return
	}
	select {
	case s.textCh <- text:
	default:
		s.log.Warn("synthesis queue full, dropping text", "len", len(text))
	}
}

// speakOneShot synthesizes a standalone line in its own session.
func (s *Synthesizer) speakOneShot(text string, emit pipeline.Emit) {
	s.mu.Lock()
	parent := s.taskCtx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	sctx, cancel := context.WithCancel(parent)
	ch := make(chan string, 1)
	ch <- text
	close(ch)

	audioCh, err := s.provider.SynthesizeStream(sctx, ch, s.voice)
	if err != nil {
		cancel()
		s.log.Error("synthesis failed", "error", err)
		emit(frame.NewError(fmt.Errorf("synthesize: %w", err), false), frame.Upstream)
		return
	}
	go s.collect(audioCh, cancel)
}

// openSessionLocked starts a streaming session. Caller holds mu.
func (s *Synthesizer) openSessionLocked(emit pipeline.Emit) bool {
	parent := s.taskCtx
	if parent == nil {
		parent = context.Background()
	}
	sctx, cancel := context.WithCancel(parent)
	textCh := make(chan string, synthTextBuf)

	audioCh, err := s.provider.SynthesizeStream(sctx, textCh, s.voice)
	if err != nil {
		cancel()
		s.log.Error("synthesis session failed", "error", err)
		emit(frame.NewError(fmt.Errorf("synthesize: %w", err), false), frame.Upstream)
		return false
	}

	s.textCh = textCh
	s.cancel = cancel
	go s.collect(audioCh, cancel)
	return true
}

// closeSession ends the live session gracefully: the provider flushes any
// buffered text and closes the audio channel when done.
func (s *Synthesizer) closeSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.textCh == nil {
		return
	}
	close(s.textCh)
	s.textCh = nil
	s.cancel = nil
}

// abortSession tears the live session down immediately, discarding any
// queued text and unspoken audio.
func (s *Synthesizer) abortSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.textCh == nil {
		return
	}
	s.cancel()
	close(s.textCh)
	s.textCh = nil
	s.cancel = nil
}

// collect drains one session's audio into the pipeline.
func (s *Synthesizer) collect(audioCh <-chan []byte, cancel context.CancelFunc) {
	defer cancel()

	s.inject(frame.NewTTSStarted(), frame.Downstream)
	for b := range audioCh {
		if len(b) == 0 {
			continue
		}
		s.inject(frame.NewTTSAudioRaw(audio.AudioFrame{
			Data:       b,
			SampleRate: s.outRate,
			Channels:   s.outCh,
		}), frame.Downstream)
	}
	s.inject(frame.NewTTSStopped(), frame.Downstream)
}

var _ pipeline.Processor = (*Synthesizer)(nil)
var _ pipeline.Bindable = (*Synthesizer)(nil)
