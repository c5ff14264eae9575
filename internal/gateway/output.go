package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/audio"
)

const (
	// outQueueSize buffers synthesis audio awaiting playout. Synthesis runs
	// faster than real time, so the queue holds most of a response.
	outQueueSize = 256

	// paceLead is how far ahead of real time the writer may send. A small
	// lead absorbs network jitter without flooding the client.
	paceLead = 200 * time.Millisecond

	// defaultStopGap is the silence window after the last written chunk
	// before the bot counts as done speaking.
	defaultStopGap = 350 * time.Millisecond
)

type itemKind int

const (
	itemAudio itemKind = iota
	itemFlush
	itemEnd
)

type outItem struct {
	kind itemKind
	af   audio.AudioFrame
	gen  uint64
}

// Output is the pipeline tail stage. A writer goroutine paces synthesis audio
// to real time on the connection and brackets playback with
// BotStartedSpeaking and BotStoppedSpeaking, injected upstream for the mute
// and endpointing stages and mirrored to the caller as control events.
//
// An interruption discards everything queued. A write failure marks the
// connection dead; later frames are dropped instead of written. An End frame
// is held until the queue has played out, then re-injected so the pipeline
// stops only after the caller heard the whole goodbye.
type Output struct {
	log  *slog.Logger
	conn *Conn

	inject pipeline.Inject

	wire    audio.Format
	useOpus bool
	encoder *audio.OpusEncoder
	conv    audio.FormatConverter

	queue   chan outItem
	gen     atomic.Uint64
	dead    atomic.Bool
	ending  atomic.Bool
	stopGap time.Duration

	mu      sync.Mutex
	started bool
}

// OutputOption configures an Output.
type OutputOption func(*Output)

// WithStopGap overrides the silence window that ends a speaking span.
func WithStopGap(d time.Duration) OutputOption {
	return func(o *Output) {
		if d > 0 {
			o.stopGap = d
		}
	}
}

// WithOpusWire encodes outbound audio as Opus packets instead of raw PCM.
func WithOpusWire() OutputOption {
	return func(o *Output) { o.useOpus = true }
}

// NewOutput builds the tail stage for one connection. wire is the format the
// caller receives; synthesis frames are converted to it before writing.
func NewOutput(conn *Conn, wire audio.Format, log *slog.Logger, opts ...OutputOption) (*Output, error) {
	if log == nil {
		log = slog.Default()
	}
	o := &Output{
		log:     log.With("component", "gateway-output"),
		conn:    conn,
		wire:    wire,
		conv:    audio.FormatConverter{Target: wire},
		queue:   make(chan outItem, outQueueSize),
		stopGap: defaultStopGap,
	}
	o.conv.Log = o.log
	for _, opt := range opts {
		opt(o)
	}
	if o.useOpus {
		enc, err := audio.NewOpusEncoder(wire.SampleRate, wire.Channels)
		if err != nil {
			return nil, err
		}
		o.encoder = enc
	}
	return o, nil
}

func (o *Output) Name() string { return "gateway-output" }

// Bind receives the injector used for speech boundary frames and the
// deferred End.
func (o *Output) Bind(inject pipeline.Inject) { o.inject = inject }

func (o *Output) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.Start:
		o.mu.Lock()
		if !o.started {
			o.started = true
			go o.writeLoop(ctx)
		}
		o.mu.Unlock()

	case *frame.TTSAudioRaw:
		if dir == frame.Downstream {
			if o.dead.Load() || o.ending.Load() {
				return nil
			}
			select {
			case o.queue <- outItem{kind: itemAudio, af: fr.Audio, gen: o.gen.Load()}:
			default:
				o.log.Warn("playout queue full, dropping audio", "bytes", len(fr.Audio.Data))
			}
			return nil
		}

	case *frame.TTSStopped:
		// Marks the tail of one utterance: flush any partial codec frame.
		select {
		case o.queue <- outItem{kind: itemFlush, gen: o.gen.Load()}:
		default:
		}

	case *frame.StartInterruption:
		o.gen.Add(1)
		o.drainQueue()

	case *frame.Cancel:
		o.gen.Add(1)
		o.drainQueue()

	case *frame.End:
		o.mu.Lock()
		started := o.started
		o.mu.Unlock()
		if started && !o.ending.Swap(true) {
			o.enqueueEnd()
			// The writer re-injects End after playout.
			return nil
		}
	}

	emit(f, dir)
	return nil
}

// enqueueEnd guarantees the end marker lands even on a full queue by shedding
// the oldest audio.
func (o *Output) enqueueEnd() {
	end := outItem{kind: itemEnd}
	for {
		select {
		case o.queue <- end:
			return
		default:
			select {
			case <-o.queue:
			default:
			}
		}
	}
}

func (o *Output) drainQueue() {
	for {
		select {
		case <-o.queue:
		default:
			return
		}
	}
}

// writeLoop owns the playout clock. It runs until the End marker or ctx
// cancellation.
func (o *Output) writeLoop(ctx context.Context) {
	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	speaking := false
	var next time.Time
	var lastGen uint64
	var buf []byte

	stopSpeaking := func() {
		if speaking {
			speaking = false
			o.announceSpeaking(ctx, false)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-idle.C:
			stopSpeaking()

		case it := <-o.queue:
			switch it.kind {
			case itemEnd:
				o.flush(ctx, &buf)
				stopSpeaking()
				if !o.dead.Load() {
					_ = o.conn.WriteEvent(ctx, ServerEvent{Type: EventCallEnded})
				}
				o.inject(frame.NewEnd(), frame.Downstream)
				return

			case itemFlush:
				if it.gen == o.gen.Load() {
					o.flush(ctx, &buf)
				}

			case itemAudio:
				if it.gen != o.gen.Load() {
					// Interrupted while queued; the partial codec frame
					// belongs to the discarded response.
					buf = buf[:0]
					continue
				}
				if it.gen != lastGen {
					lastGen = it.gen
					next = time.Time{}
					buf = buf[:0]
				}

				af := o.conv.Convert(it.af)
				if len(af.Data) == 0 {
					continue
				}
				if !speaking {
					speaking = true
					o.announceSpeaking(ctx, true)
				}
				o.send(ctx, af, &next, &buf)

				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(o.stopGap)
			}
		}
	}
}

// send paces one chunk onto the wire. The playout clock advances by the
// chunk's duration; the writer sleeps whenever it runs more than paceLead
// ahead of real time.
func (o *Output) send(ctx context.Context, af audio.AudioFrame, next *time.Time, buf *[]byte) {
	if o.dead.Load() {
		return
	}

	now := time.Now()
	if next.Before(now) {
		*next = now
	}
	if ahead := next.Sub(now) - paceLead; ahead > 0 {
		t := time.NewTimer(ahead)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	if o.encoder != nil {
		*buf = append(*buf, af.Data...)
		fb := o.encoder.FrameBytes()
		for len(*buf) >= fb {
			pkt, err := o.encoder.Encode((*buf)[:fb])
			*buf = (*buf)[fb:]
			if err != nil {
				o.log.Warn("opus encode failed", "error", err)
				continue
			}
			o.writeWire(ctx, pkt)
		}
	} else {
		o.writeWire(ctx, af.Data)
	}

	*next = next.Add(af.Duration())
}

// flush pads and encodes a partial codec frame so utterances do not bleed
// into each other. No-op on the PCM wire.
func (o *Output) flush(ctx context.Context, buf *[]byte) {
	if o.encoder == nil || len(*buf) == 0 {
		return
	}
	fb := o.encoder.FrameBytes()
	padded := make([]byte, fb)
	copy(padded, *buf)
	*buf = (*buf)[:0]

	pkt, err := o.encoder.Encode(padded)
	if err != nil {
		o.log.Warn("opus encode failed", "error", err)
		return
	}
	o.writeWire(ctx, pkt)
}

func (o *Output) writeWire(ctx context.Context, data []byte) {
	if o.dead.Load() {
		return
	}
	if err := o.conn.WriteBinary(ctx, data); err != nil {
		if !o.dead.Swap(true) {
			o.log.Warn("client write failed, dropping audio for the rest of the call",
				"error", err)
		}
	}
}

// announceSpeaking brackets a playback span: boundary frames go upstream for
// the mute and endpointing stages, control events go to the caller.
func (o *Output) announceSpeaking(ctx context.Context, started bool) {
	if started {
		o.inject(frame.NewBotStartedSpeaking(), frame.Upstream)
	} else {
		o.inject(frame.NewBotStoppedSpeaking(), frame.Upstream)
	}
	if o.dead.Load() {
		return
	}
	ev := ServerEvent{Type: EventBotStoppedSpeaking}
	if started {
		ev.Type = EventBotStartedSpeaking
	}
	if err := o.conn.WriteEvent(ctx, ev); err != nil && !o.dead.Swap(true) {
		o.log.Warn("client write failed, dropping audio for the rest of the call",
			"error", err)
	}
}

var _ pipeline.Processor = (*Output)(nil)
var _ pipeline.Bindable = (*Output)(nil)
