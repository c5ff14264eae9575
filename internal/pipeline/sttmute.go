package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/askjohngeorge/leadline/internal/frame"
)

// MuteStrategy selects when the STT mute stage suppresses user speech.
type MuteStrategy string

const (
	// MuteFirstSpeech suppresses user speech only while the bot delivers
	// its first utterance, protecting the greeting from barge-in.
	MuteFirstSpeech MuteStrategy = "first_speech"
	// MuteAlways suppresses user speech whenever the bot is speaking.
	MuteAlways MuteStrategy = "always"
	// MuteFunctionCall suppresses user speech while a function call is in
	// flight.
	MuteFunctionCall MuteStrategy = "function_call"
)

// ParseMuteStrategy validates a configured strategy name.
func ParseMuteStrategy(s string) (MuteStrategy, error) {
	switch MuteStrategy(s) {
	case MuteFirstSpeech, MuteAlways, MuteFunctionCall:
		return MuteStrategy(s), nil
	default:
		return "", fmt.Errorf("unknown mute strategy %q", s)
	}
}

// STTMute sits between the transport input and the recogniser and, while
// muted, drops inbound audio along with speech boundary and interruption
// signals so the rest of the pipeline never sees the user during protected
// windows.
type STTMute struct {
	strategy MuteStrategy
	log      *slog.Logger

	muted           bool
	botSpeaking     bool
	firstSpeechDone bool
	callsInFlight   int
}

func NewSTTMute(strategy MuteStrategy, log *slog.Logger) *STTMute {
	if log == nil {
		log = slog.Default()
	}
	return &STTMute{strategy: strategy, log: log.With("component", "sttmute")}
}

func (m *STTMute) Name() string { return "sttmute" }

func (m *STTMute) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit Emit) error {
	switch fr := f.(type) {
	case *frame.BotStartedSpeaking:
		m.botSpeaking = true
		m.updateMuted()
	case *frame.BotStoppedSpeaking:
		m.botSpeaking = false
		if m.strategy == MuteFirstSpeech && m.muted {
			m.firstSpeechDone = true
		}
		m.updateMuted()
	case *frame.FunctionCallInProgress:
		m.callsInFlight++
		m.updateMuted()
	case *frame.FunctionCallResult:
		if m.callsInFlight > 0 {
			m.callsInFlight--
		}
		m.updateMuted()
	case *frame.InputAudioRaw, *frame.UserStartedSpeaking, *frame.UserStoppedSpeaking,
		*frame.StartInterruption, *frame.StopInterruption,
		*frame.Transcription, *frame.InterimTranscription:
		if m.muted && dir == frame.Downstream {
			if _, isAudio := fr.(*frame.InputAudioRaw); !isAudio {
				m.log.Debug("suppressed while muted", "frame", f.Kind())
			}
			return nil
		}
	}
	emit(f, dir)
	return nil
}

func (m *STTMute) updateMuted() {
	was := m.muted
	switch m.strategy {
	case MuteFirstSpeech:
		m.muted = m.botSpeaking && !m.firstSpeechDone
	case MuteAlways:
		m.muted = m.botSpeaking
	case MuteFunctionCall:
		m.muted = m.callsInFlight > 0
	}
	if was != m.muted {
		m.log.Debug("stt mute changed", "muted", m.muted, "strategy", string(m.strategy))
	}
}

var _ Processor = (*STTMute)(nil)
