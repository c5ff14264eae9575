package stage

import (
	"context"
	"log/slog"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
)

// Corrector rewrites recognised text, fixing domain terms the recogniser
// mishears. Implemented by transcript.PhoneticCorrector.
type Corrector interface {
	Correct(text string) string
}

// TranscriptCorrector applies a Corrector to final transcriptions in place.
// Interim transcriptions pass through uncorrected; they are display-only and
// about to be superseded.
type TranscriptCorrector struct {
	log *slog.Logger
	c   Corrector
}

func NewTranscriptCorrector(c Corrector, log *slog.Logger) *TranscriptCorrector {
	if log == nil {
		log = slog.Default()
	}
	return &TranscriptCorrector{log: log.With("component", "transcript_corrector"), c: c}
}

func (t *TranscriptCorrector) Name() string { return "transcript_corrector" }

func (t *TranscriptCorrector) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	if fr, ok := f.(*frame.Transcription); ok && dir == frame.Downstream {
		if corrected := t.c.Correct(fr.Text); corrected != fr.Text {
			t.log.Debug("transcription corrected", "from", fr.Text, "to", corrected)
			fr.Text = corrected
		}
	}
	emit(f, dir)
	return nil
}

var _ pipeline.Processor = (*TranscriptCorrector)(nil)
