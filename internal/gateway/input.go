package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/audio"
)

// DefaultUserID tags the caller's transcriptions when no identity is known.
// Sessions label recogniser output with the same ID.
const DefaultUserID = "caller"

// Input is the pipeline head stage. A read goroutine pumps the connection:
// binary messages become InputAudioRaw frames normalised to the pipeline's
// recognition format, control events become their frame equivalents. The
// app-message event synthesizes a full typed turn: UserStartedSpeaking,
// Transcription, UserStoppedSpeaking.
//
// A read error or a stop event ends the call with a graceful End frame.
type Input struct {
	log    *slog.Logger
	conn   *Conn
	userID string

	inject pipeline.Inject

	mu      sync.Mutex
	started bool

	// closing suppresses the disconnect End when the pipeline is already
	// shutting down.
	closing atomic.Bool

	// Read-goroutine state. The control handler runs on the same goroutine,
	// so no locking. conv normalises wire-format frames to the pipeline's
	// recognition format; the wire format may change via a start event.
	decoder  *audio.OpusDecoder
	conv     audio.FormatConverter
	wireRate int
	wireCh   int
	elapsed  time.Duration
}

// InputOption configures an Input.
type InputOption func(*Input)

// WithUserID overrides the identifier attached to caller transcriptions.
func WithUserID(id string) InputOption {
	return func(in *Input) { in.userID = id }
}

// NewInput builds the head stage for one connection.
func NewInput(conn *Conn, log *slog.Logger, opts ...InputOption) *Input {
	if log == nil {
		log = slog.Default()
	}
	in := &Input{
		log:    log.With("component", "gateway-input"),
		conn:   conn,
		userID: DefaultUserID,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Input) Name() string { return "gateway-input" }

// Bind receives the injector the read goroutine delivers frames through.
func (in *Input) Bind(inject pipeline.Inject) { in.inject = inject }

func (in *Input) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.Start:
		in.mu.Lock()
		if !in.started {
			in.started = true
			pipeRate := fr.AudioInSampleRate
			if pipeRate <= 0 {
				pipeRate = 16000
			}
			pipeCh := max(fr.AudioInChannels, 1)
			// Callers send the recognition format until a start event says
			// otherwise.
			in.wireRate = pipeRate
			in.wireCh = pipeCh
			in.conv = audio.FormatConverter{
				Target: audio.Format{SampleRate: pipeRate, Channels: pipeCh},
				Log:    in.log,
			}
			go in.readLoop(ctx)
		}
		in.mu.Unlock()

	case *frame.End, *frame.Cancel:
		in.closing.Store(true)
	}

	emit(f, dir)
	return nil
}

// readLoop pumps the connection until it closes or ctx is cancelled. An
// unexpected read error counts as the caller hanging up.
func (in *Input) readLoop(ctx context.Context) {
	for {
		mt, data, err := in.conn.Read(ctx)
		if err != nil {
			if !in.closing.Swap(true) {
				in.log.Info("caller disconnected", "remote", in.conn.Remote())
				in.inject(frame.NewEnd(), frame.Downstream)
			}
			return
		}

		switch mt {
		case websocket.MessageBinary:
			in.handleAudio(data)
		case websocket.MessageText:
			in.handleControl(data)
		}
	}
}

// handleAudio turns one binary message into an InputAudioRaw frame in the
// pipeline's recognition format.
func (in *Input) handleAudio(data []byte) {
	if in.decoder != nil {
		pcm, err := in.decoder.Decode(data)
		if err != nil {
			in.log.Warn("dropping undecodable packet", "error", err)
			return
		}
		data = pcm
	}
	if len(data) == 0 {
		return
	}

	af := in.conv.Convert(audio.AudioFrame{
		Data:       data,
		SampleRate: in.wireRate,
		Channels:   in.wireCh,
		Timestamp:  in.elapsed,
	})
	if len(af.Data) == 0 {
		return
	}
	in.elapsed += af.Duration()
	in.inject(frame.NewInputAudioRaw(af), frame.Downstream)
}

func (in *Input) handleControl(data []byte) {
	ev, err := parseClientEvent(data)
	if err != nil {
		in.log.Warn("dropping bad control message", "error", err)
		return
	}

	switch ev.Type {
	case EventAppMessage:
		if ev.Message == "" {
			return
		}
		in.inject(frame.NewUserStartedSpeaking(), frame.Downstream)
		in.inject(frame.NewTranscription(ev.Message, in.userID, time.Now().UTC()), frame.Downstream)
		in.inject(frame.NewUserStoppedSpeaking(), frame.Downstream)

	case EventStart:
		in.applyFormat(ev)

	case EventStop:
		in.log.Info("caller requested stop", "remote", in.conn.Remote())
		in.closing.Store(true)
		in.inject(frame.NewEnd(), frame.Downstream)

	default:
		in.log.Warn("unknown control event", "type", ev.Type)
	}
}

// applyFormat records the caller's declared format and codec. Inbound frames
// keep being normalised to the pipeline's recognition format, so a mid-call
// change only affects decoding, not the stages downstream.
func (in *Input) applyFormat(ev ClientEvent) {
	if ev.SampleRate > 0 {
		in.wireRate = ev.SampleRate
	}
	if ev.Channels > 0 {
		in.wireCh = ev.Channels
	}

	switch ev.Codec {
	case CodecOpus:
		dec, err := audio.NewOpusDecoder(in.wireRate, in.wireCh)
		if err != nil {
			in.log.Warn("opus not available for declared format, staying on pcm",
				"rate", in.wireRate, "channels", in.wireCh, "error", err)
			return
		}
		in.decoder = dec
	case CodecPCM, "":
		in.decoder = nil
	default:
		in.log.Warn("unknown codec in start event", "codec", ev.Codec)
		return
	}

	in.log.Info("caller audio format set",
		"codec", ev.Codec, "rate", in.wireRate, "channels", in.wireCh)
}

var _ pipeline.Processor = (*Input)(nil)
var _ pipeline.Bindable = (*Input)(nil)
