// Package stage adapts the speech and language providers into pipeline
// processors: voice activity boundary detection, streaming recognition,
// transcript correction, the turn-completeness classifier, conversation
// response generation and speech synthesis. Each stage owns its provider
// session for the lifetime of a call; long I/O runs in stage goroutines that
// re-enter the chain through the bound injector.
package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/provider/vad"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// defaultVADFrameMs is the analysis window when the config leaves it unset.
const defaultVADFrameMs = 20

// VADAnalyzer slices inbound caller audio into fixed analysis windows, runs
// them through a VAD session and synthesizes the speech boundary signals the
// turn-taking pipeline runs on. When interruptions are allowed, every speech
// onset also raises StartInterruption so buffering stages discard the
// now-stale response; StopInterruption follows the matching speech end.
//
// Boundary frames are emitted before the audio frame that triggered them, so
// downstream accumulators see the state change first. Input is 16-bit mono
// PCM; the sample rate comes from the Start frame.
type VADAnalyzer struct {
	log    *slog.Logger
	engine vad.Engine
	cfg    vad.Config

	sess         vad.SessionHandle
	frameBytes   int
	buf          []byte
	interruptOK  bool
	userSpeaking bool
}

// NewVADAnalyzer builds the analyzer. cfg carries the thresholds and frame
// size; the sample rate is overwritten by the Start frame's input format.
func NewVADAnalyzer(engine vad.Engine, cfg vad.Config, log *slog.Logger) *VADAnalyzer {
	if log == nil {
		log = slog.Default()
	}
	return &VADAnalyzer{
		log:    log.With("component", "vad_analyzer"),
		engine: engine,
		cfg:    cfg,
	}
}

func (v *VADAnalyzer) Name() string { return "vad_analyzer" }

func (v *VADAnalyzer) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.Start:
		v.interruptOK = fr.AllowInterruptions
		cfg := v.cfg
		cfg.SampleRate = fr.AudioInSampleRate
		if cfg.FrameSizeMs == 0 {
			cfg.FrameSizeMs = defaultVADFrameMs
		}
		sess, err := v.engine.NewSession(cfg)
		if err != nil {
			emit(f, dir)
			emit(frame.NewError(fmt.Errorf("vad session: %w", err), true), frame.Upstream)
			return nil
		}
		v.sess = sess
		v.frameBytes = cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
		v.buf = v.buf[:0]
		v.log.Debug("vad session open",
			"sample_rate", cfg.SampleRate, "frame_ms", cfg.FrameSizeMs)

	case *frame.InputAudioRaw:
		if dir == frame.Downstream && v.sess != nil {
			if err := v.analyze(fr.Audio.Data, emit); err != nil {
				return err
			}
		}

	case *frame.End, *frame.Cancel:
		v.closeSession()
	}

	emit(f, dir)
	return nil
}

// analyze runs every complete analysis window through the VAD session and
// emits boundary frames for state transitions. The remainder carries over to
// the next audio frame.
func (v *VADAnalyzer) analyze(data []byte, emit pipeline.Emit) error {
	v.buf = append(v.buf, data...)
	for len(v.buf) >= v.frameBytes {
		chunk := v.buf[:v.frameBytes]
		n := copy(v.buf, v.buf[v.frameBytes:])
		v.buf = v.buf[:n]

		ev, err := v.sess.ProcessFrame(chunk)
		if err != nil {
			return fmt.Errorf("vad process frame: %w", err)
		}
		switch ev.Type {
		case types.VADSpeechStart:
			v.speechStart(emit)
		case types.VADSpeechEnd:
			v.speechEnd(emit)
		}
	}
	return nil
}

func (v *VADAnalyzer) speechStart(emit pipeline.Emit) {
	if v.userSpeaking {
		return
	}
	v.userSpeaking = true
	v.log.Debug("user started speaking")
	if v.interruptOK {
		emit(frame.NewStartInterruption(), frame.Downstream)
	}
	emit(frame.NewUserStartedSpeaking(), frame.Downstream)
}

func (v *VADAnalyzer) speechEnd(emit pipeline.Emit) {
	if !v.userSpeaking {
		return
	}
	v.userSpeaking = false
	v.log.Debug("user stopped speaking")
	if v.interruptOK {
		emit(frame.NewStopInterruption(), frame.Downstream)
	}
	emit(frame.NewUserStoppedSpeaking(), frame.Downstream)
}

func (v *VADAnalyzer) closeSession() {
	if v.sess == nil {
		return
	}
	if err := v.sess.Close(); err != nil {
		v.log.Warn("vad session close", "error", err)
	}
	v.sess = nil
}

var _ pipeline.Processor = (*VADAnalyzer)(nil)
