package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/provider/stt"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// Recognizer streams caller audio into an STT session and injects the
// resulting transcriptions back into the chain: finals as Transcription
// frames, interims as InterimTranscription. Audio frames pass through
// unchanged so the accumulator downstream still sees the raw speech.
//
// The session opens on the Start frame with the negotiated input format and
// closes on End or Cancel. Empty recognition results are dropped.
type Recognizer struct {
	log      *slog.Logger
	provider stt.Provider
	cfg      stt.StreamConfig
	userID   string

	inject pipeline.Inject

	mu     sync.Mutex
	sess   stt.SessionHandle
	closed bool
}

// NewRecognizer builds the stage. cfg carries the language and keyword
// hints; the audio format is overwritten by the Start frame. userID labels
// the transcription frames, typically the caller identity.
func NewRecognizer(provider stt.Provider, cfg stt.StreamConfig, userID string, log *slog.Logger) *Recognizer {
	if log == nil {
		log = slog.Default()
	}
	if userID == "" {
		userID = "caller"
	}
	return &Recognizer{
		log:      log.With("component", "recognizer"),
		provider: provider,
		cfg:      cfg,
		userID:   userID,
	}
}

func (r *Recognizer) Name() string { return "recognizer" }

// Bind receives the injector the transcript readers publish through.
func (r *Recognizer) Bind(inject pipeline.Inject) { r.inject = inject }

func (r *Recognizer) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.Start:
		cfg := r.cfg
		cfg.SampleRate = fr.AudioInSampleRate
		cfg.Channels = fr.AudioInChannels
		sess, err := r.provider.StartStream(ctx, cfg)
		if err != nil {
			emit(f, dir)
			emit(frame.NewError(fmt.Errorf("stt stream: %w", err), true), frame.Upstream)
			return nil
		}
		r.mu.Lock()
		r.sess = sess
		r.mu.Unlock()
		go r.readFinals(sess)
		go r.readPartials(sess)
		r.log.Debug("stt session open",
			"sample_rate", cfg.SampleRate, "channels", cfg.Channels)

	case *frame.InputAudioRaw:
		if dir == frame.Downstream {
			if err := r.sendAudio(fr.Audio.Data); err != nil {
				emit(f, dir)
				return err
			}
		}

	case *frame.End, *frame.Cancel:
		r.closeSession()
	}

	emit(f, dir)
	return nil
}

func (r *Recognizer) sendAudio(chunk []byte) error {
	r.mu.Lock()
	sess, closed := r.sess, r.closed
	r.mu.Unlock()
	if sess == nil || closed {
		return nil
	}
	if err := sess.SendAudio(chunk); err != nil {
		return fmt.Errorf("stt send audio: %w", err)
	}
	return nil
}

// readFinals forwards authoritative results. The loop ends when the session
// closes its channel.
func (r *Recognizer) readFinals(sess stt.SessionHandle) {
	for t := range sess.Finals() {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		r.log.Debug("final transcription", "text", t.Text, "confidence", t.Confidence)
		r.inject(frame.NewTranscription(t.Text, r.userID, time.Now()), frame.Downstream)
	}
}

func (r *Recognizer) readPartials(sess stt.SessionHandle) {
	for t := range sess.Partials() {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		r.inject(frame.NewInterimTranscription(t.Text, r.userID, time.Now()), frame.Downstream)
	}
}

func (r *Recognizer) closeSession() {
	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.closed = true
	r.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		r.log.Warn("stt session close", "error", err)
	}
}

// SetKeywords forwards a keyword-boost update to the live session, for flow
// nodes that introduce new vocabulary mid-call.
func (r *Recognizer) SetKeywords(keywords []types.KeywordBoost) error {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.SetKeywords(keywords)
}

var _ pipeline.Processor = (*Recognizer)(nil)
var _ pipeline.Bindable = (*Recognizer)(nil)
