package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/askjohngeorge/leadline/internal/config"
	"github.com/askjohngeorge/leadline/internal/convo"
	"github.com/askjohngeorge/leadline/internal/endpointing"
	"github.com/askjohngeorge/leadline/internal/flow"
	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/gateway"
	"github.com/askjohngeorge/leadline/internal/knowledge"
	"github.com/askjohngeorge/leadline/internal/lead"
	"github.com/askjohngeorge/leadline/internal/mcp"
	"github.com/askjohngeorge/leadline/internal/observe"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/internal/report"
	"github.com/askjohngeorge/leadline/internal/schedule"
	"github.com/askjohngeorge/leadline/internal/stage"
	"github.com/askjohngeorge/leadline/internal/transcript"
	"github.com/askjohngeorge/leadline/pkg/audio"
	"github.com/askjohngeorge/leadline/pkg/provider/llm"
	"github.com/askjohngeorge/leadline/pkg/provider/stt"
	"github.com/askjohngeorge/leadline/pkg/provider/tts"
	"github.com/askjohngeorge/leadline/pkg/provider/vad"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// pipeRate and pipeChannels are the internal processing format. The gateway
// input normalises wire audio to this before the recogniser sees it, and the
// gateway output converts synthesis back to the wire format.
const (
	pipeRate     = 16000
	pipeChannels = 1
)

// farewellGrace bounds how long an armed call end waits for the goodbye to
// finish playing before the session is ended anyway. Covers flows that end
// without a final spoken line and callers that hang up mid-goodbye.
// Variable so tests can shorten it.
var farewellGrace = 10 * time.Second

// finishTimeout bounds post-call bookkeeping: transcript flush, lead record
// close, and report generation.
const finishTimeout = 30 * time.Second

// defaultContextBudget is the compaction budget used when the conversation
// provider does not report a context window.
const defaultContextBudget = 16000

// sessionDeps bundles the long-lived dependencies a session borrows from the
// App. Everything here is shared across calls; per-call state lives on the
// Session itself.
type sessionDeps struct {
	cfg        *config.Config
	flowCfg    *flow.Config
	llm        llm.Provider
	classifier llm.Provider
	sttProv    stt.Provider
	ttsProv    tts.Provider
	vadEngine  vad.Engine
	leads      lead.Store
	scheduler  schedule.Scheduler
	searcher   knowledge.Searcher
	mcpHost    mcp.Host
	reports    *report.Generator
	metrics    *observe.Metrics
	wire       audio.Format
	wireCodec  string
	log        *slog.Logger
}

// Session is one phone call: a pipeline from the caller's websocket through
// recognition, turn-taking, the flow engine, and synthesis back to the wire,
// plus the lead record and transcript that outlive the audio.
type Session struct {
	callID string
	log    *slog.Logger

	pipe    *pipeline.Pipeline
	eng     *flow.Engine
	endW    *endWatcher
	flusher *lead.Flusher
	manager *convo.Manager
	leads   lead.Store
	reports *report.Generator
	metrics *observe.Metrics

	start     frame.Start
	startedAt time.Time

	// started closes when the Start frame has traversed the whole pipeline,
	// meaning every stage is configured and the greeting may be pushed.
	started   chan struct{}
	startOnce sync.Once

	// done closes when Run returns. CloseAll waits on it.
	done chan struct{}

	// ctx is the run context, set at the top of Run. The turn recorder's
	// compaction goroutine reads it.
	ctx context.Context
}

// newSession assembles the processing pipeline for one call. The conn is
// owned by the gateway server; the session only reads and writes it.
func newSession(deps sessionDeps, callID string, conn *gateway.Conn) (*Session, error) {
	cfg := deps.cfg
	log := deps.log.With("call_id", callID)

	s := &Session{
		callID:    callID,
		log:       log,
		leads:     deps.leads,
		reports:   deps.reports,
		metrics:   deps.metrics,
		startedAt: time.Now().UTC(),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	c := convo.NewContext()
	notifier := endpointing.NewNotifier()

	s.endW = newEndWatcher(log)
	s.flusher = lead.NewFlusher(deps.leads, callID, cfg.Storage.FlushInterval(), log)
	s.manager = convo.NewManager(c, contextBudget(deps.llm), llmSummariser{provider: deps.llm},
		convo.WithManagerLogger(log))

	// Each committed turn feeds the durable transcript; assistant turns also
	// give the compactor a chance to fold old history.
	record := func(role, text string) {
		s.flusher.Add(role, text)
		if role == types.RoleAssistant {
			go func() {
				if err := s.manager.CheckAndCompact(s.ctx); err != nil {
					log.Warn("context compaction failed", "error", err)
				}
			}()
		}
	}

	// ── Flow engine ──────────────────────────────────────────────────────
	engOpts := []flow.Option{
		flow.WithLogger(log),
		flow.WithMetrics(deps.metrics),
		flow.WithSay(func(text string) {
			s.pipe.Push(frame.NewText(text), frame.Downstream)
		}),
		flow.WithEndCall(s.endW.Arm),
	}
	if deps.mcpHost != nil {
		engOpts = append(engOpts, flow.WithMCP(deps.mcpHost, types.BudgetStandard))
	}
	s.eng = flow.NewEngine(deps.flowCfg, c, engOpts...)

	var builtinOpts []flow.BuiltinOption
	if deps.scheduler != nil {
		builtinOpts = append(builtinOpts, flow.WithScheduler(deps.scheduler, cfg.Schedule.Days))
		if cfg.Schedule.Timezone != "" {
			builtinOpts = append(builtinOpts, flow.WithBookingTimezone(cfg.Schedule.Timezone))
		}
	}
	if deps.searcher != nil {
		builtinOpts = append(builtinOpts, flow.WithKnowledge(deps.searcher, cfg.Knowledge.TopK))
	}
	flow.NewBuiltins(deps.leads, callID, log, builtinOpts...).Register(s.eng)

	// ── Stages ───────────────────────────────────────────────────────────
	in := gateway.NewInput(conn, log)

	vadStage := stage.NewVADAnalyzer(deps.vadEngine, vad.Config{
		SampleRate:       pipeRate,
		FrameSizeMs:      20,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	}, log)

	var keywords []types.KeywordBoost
	var terms []string
	for _, k := range cfg.Agent.Keywords {
		keywords = append(keywords, types.KeywordBoost{Keyword: k.Keyword, Boost: k.Boost})
		terms = append(terms, k.Keyword)
	}

	recog := stage.NewRecognizer(deps.sttProv, stt.StreamConfig{
		SampleRate: pipeRate,
		Channels:   pipeChannels,
		Language:   cfg.Agent.Language,
		Keywords:   keywords,
	}, gateway.DefaultUserID, log)

	slot := endpointing.NewUserAggregatorBuffer(log)
	userAgg := endpointing.NewUserAggregator(c, log, endpointing.WithTurnRecorder(record))
	acc := endpointing.NewAudioAccumulator(log)

	instruction := cfg.Endpointing.ClassifierInstruction
	if instruction == "" {
		instruction = endpointing.DefaultClassifierInstruction
	}
	judge := endpointing.NewStatementJudge(notifier, instruction, log)
	classify := stage.NewClassifier(deps.classifier, log)
	tap := newMetricsTap(deps.metrics)
	check := endpointing.NewCompletenessCheck(notifier, acc, log)

	assembler := endpointing.NewContextAssembler(c, log)
	convoStage := stage.NewConversation(deps.llm, c, s.eng, cfg.Agent.Temperature, log)
	gate := endpointing.NewOutputGate(notifier, c, slot, cfg.Endpointing.RecloseGateAfterTurn, log)

	par := pipeline.NewParallel("turn_router", log,
		[]pipeline.Processor{maskRawBoundary()},
		[]pipeline.Processor{judge, classify, tap, check},
		[]pipeline.Processor{contextLane(), assembler, convoStage, gate},
	)

	synth := stage.NewSynthesizer(deps.ttsProv, voiceProfile(cfg.Agent.Voice), log)

	var outOpts []gateway.OutputOption
	if deps.wireCodec == gateway.CodecOpus {
		outOpts = append(outOpts, gateway.WithOpusWire())
	}
	out, err := gateway.NewOutput(conn, deps.wire, log, outOpts...)
	if err != nil {
		return nil, fmt.Errorf("session %s: output stage: %w", callID, err)
	}

	assistAgg := endpointing.NewAssistantAggregator(c, log, endpointing.WithTurnRecorder(record))

	procs := []pipeline.Processor{in, s.endW, vadStage}
	if cfg.Endpointing.MuteStrategy != "" {
		strategy, err := pipeline.ParseMuteStrategy(string(cfg.Endpointing.MuteStrategy))
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", callID, err)
		}
		procs = append(procs, pipeline.NewSTTMute(strategy, log))
	}
	procs = append(procs, recog)
	if len(terms) > 0 {
		procs = append(procs, stage.NewTranscriptCorrector(transcript.NewPhoneticCorrector(terms), log))
	}
	procs = append(procs, slot, userAgg, acc, par, synth, out, assistAgg)

	s.pipe = pipeline.New(procs,
		pipeline.WithLogger(log),
		pipeline.WithSink(func(f frame.Frame) {
			if _, ok := f.(*frame.Start); ok {
				s.startOnce.Do(func() { close(s.started) })
			}
		}),
	)
	s.start = *frame.NewStart(pipeRate, pipeChannels, pipeRate, pipeChannels,
		cfg.Agent.InterruptionsAllowed())
	return s, nil
}

// Run drives the call to completion: it opens the lead record, runs the
// pipeline, speaks the flow's opening line once every stage is live, and
// closes the books when the caller hangs up or the flow ends the call.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	if err := s.leads.StartCall(ctx, s.callID, time.Now().UTC()); err != nil {
		s.log.Warn("lead record not opened", "error", err)
	}
	s.flusher.Start(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- s.pipe.Run(ctx, s.start) }()

	// The greeting must trail the Start frame, or stages would see text
	// before they are configured. The sink closes started once Start falls
	// off the downstream end.
	select {
	case <-s.started:
		if err := s.eng.Start(); err != nil {
			s.log.Error("flow start failed", "error", err)
			cancel()
		}
	case <-s.pipe.Stopped():
	case <-ctx.Done():
	}

	err := <-runErr
	s.finish(ctx)
	return err
}

// Close asks the session to end gracefully. The End frame drains the
// pipeline in order, so queued speech plays out before Run returns.
// Safe to call from any goroutine and idempotent.
func (s *Session) Close() {
	s.endW.pushEnd()
}

// finish flushes and closes the call's persistent state. It runs on a
// detached context: the caller hanging up must not abort its own paperwork.
func (s *Session) finish(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err := s.flusher.Close(ctx); err != nil {
		s.log.Warn("transcript flush failed", "error", err)
	}
	if err := s.leads.EndCall(ctx, s.callID, time.Now().UTC()); err != nil {
		s.log.Warn("lead record not closed", "error", err)
	}
	s.recordOutcome(ctx)
	if err := s.reports.Generate(ctx, s.callID); err != nil {
		s.log.Warn("post-call report failed", "error", err)
	}
}

// recordOutcome counts the lead as complete or partial once the call is over.
func (s *Session) recordOutcome(ctx context.Context) {
	l, err := s.leads.Get(ctx, s.callID)
	if err != nil {
		s.log.Warn("lead lookup failed", "error", err)
		return
	}
	status := "partial"
	if l.Complete() {
		status = "complete"
	}
	s.metrics.RecordLeadCaptured(ctx, status)
	s.log.Info("lead captured", "status", status, "follow_up", l.FollowUp)
}

// contextBudget derives the compaction budget from the provider's context
// window.
func contextBudget(p llm.Provider) int {
	if w := p.Capabilities().ContextWindow; w > 0 {
		return w
	}
	return defaultContextBudget
}

// voiceProfile converts the configured voice into the provider-facing form.
// Pitch rides in metadata; providers that cannot shift pitch ignore it.
func voiceProfile(vc config.VoiceConfig) types.VoiceProfile {
	p := types.VoiceProfile{
		ID:          vc.VoiceID,
		Provider:    vc.Provider,
		SpeedFactor: vc.SpeedFactor,
	}
	if vc.PitchShift != 0 {
		p.Metadata = map[string]string{
			"pitch_shift": strconv.FormatFloat(vc.PitchShift, 'f', -1, 64),
		}
	}
	return p
}

// maskRawBoundary is the passthrough branch of the turn router. It blocks the
// recogniser-side UserStoppedSpeaking so that stages below the router only
// ever see the boundary the completeness check re-issues once the turn is
// actually over.
func maskRawBoundary() *pipeline.FuncFilter {
	return pipeline.NewFuncFilter("mask_raw_boundary", func(f frame.Frame) bool {
		_, stopped := f.(*frame.UserStoppedSpeaking)
		return !stopped
	})
}

// contextLane admits only the frames the generation branch consumes.
func contextLane() *pipeline.FuncFilter {
	return pipeline.NewFuncFilter("context_lane", func(f frame.Frame) bool {
		switch f.(type) {
		case *frame.UtteranceContext, *frame.LLMContext, *frame.LLMMessages,
			*frame.StartInterruption, *frame.StopInterruption,
			*frame.FunctionCallInProgress, *frame.FunctionCallResult:
			return true
		}
		return false
	})
}

// ─── End watcher ─────────────────────────────────────────────────────────────

// endWatcher turns the flow's end_conversation action into an orderly End
// frame. Pushing End the moment the flow decides to hang up would cancel the
// in-flight goodbye, so the watcher arms instead and fires once the bot
// finishes speaking. A grace timer covers flows that end silently.
type endWatcher struct {
	log    *slog.Logger
	inject pipeline.Inject

	mu     sync.Mutex
	armed  bool
	pushed bool
	timer  *time.Timer
}

var _ pipeline.Processor = (*endWatcher)(nil)
var _ pipeline.Bindable = (*endWatcher)(nil)

func newEndWatcher(log *slog.Logger) *endWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &endWatcher{log: log.With("component", "end_watcher")}
}

func (w *endWatcher) Name() string { return "end_watcher" }

// Bind may race a CloseAll during startup, so it holds the lock.
func (w *endWatcher) Bind(inject pipeline.Inject) {
	w.mu.Lock()
	w.inject = inject
	w.mu.Unlock()
}

// Arm schedules the call end. Safe to call from flow action handlers on the
// dispatch goroutine and idempotent.
func (w *endWatcher) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed || w.pushed {
		return
	}
	w.armed = true
	w.timer = time.AfterFunc(farewellGrace, w.pushEnd)
	w.log.Info("call end armed")
}

func (w *endWatcher) pushEnd() {
	w.mu.Lock()
	inject := w.inject
	if w.pushed || inject == nil {
		w.mu.Unlock()
		return
	}
	w.pushed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.log.Info("ending call")
	inject(frame.NewEnd(), frame.Downstream)
}

func (w *endWatcher) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch f.(type) {
	case *frame.BotStoppedSpeaking:
		w.mu.Lock()
		fire := w.armed && !w.pushed
		w.mu.Unlock()
		if fire && dir == frame.Upstream {
			w.pushEnd()
		}
	case *frame.End, *frame.Cancel:
		w.mu.Lock()
		w.pushed = true
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}
	emit(f, dir)
	return nil
}

// ─── Metrics tap ─────────────────────────────────────────────────────────────

// metricsTap observes the judging branch. It counts verdicts and
// interruptions and times each turn from the caller falling silent to the
// bot starting its reply. State is only touched from the dispatch goroutine.
type metricsTap struct {
	m *observe.Metrics

	silenceAt time.Time
	sawYes    bool
}

var _ pipeline.Processor = (*metricsTap)(nil)

func newMetricsTap(m *observe.Metrics) *metricsTap {
	return &metricsTap{m: m}
}

func (t *metricsTap) Name() string { return "metrics_tap" }

func (t *metricsTap) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.UserStoppedSpeaking:
		if dir == frame.Downstream {
			t.silenceAt = time.Now()
			t.sawYes = false
		}
	case *frame.Text:
		if dir == frame.Downstream {
			t.m.RecordVerdict(ctx, verdictLabel(fr.Text))
			if fr.Text == "YES" {
				t.sawYes = true
			}
		}
	case *frame.StartInterruption:
		if dir == frame.Downstream {
			t.m.RecordInterruption(ctx)
			t.silenceAt = time.Time{}
		}
	case *frame.BotStartedSpeaking:
		if dir == frame.Upstream && !t.silenceAt.IsZero() {
			cause := "timeout"
			if t.sawYes {
				cause = "verdict"
			}
			t.m.RecordTurnResolved(ctx, cause, time.Since(t.silenceAt))
			t.silenceAt = time.Time{}
		}
	}
	emit(f, dir)
	return nil
}

func verdictLabel(text string) string {
	switch text {
	case "YES":
		return "yes"
	case "NO":
		return "no"
	default:
		return "error"
	}
}

// ─── Summariser ──────────────────────────────────────────────────────────────

// summariseInstruction prompts the compaction model. The summary replaces
// dropped history, so it must carry every fact the qualification flow still
// needs.
const summariseInstruction = `Summarise this phone conversation between a voice assistant and a caller in under 150 words. Preserve every concrete fact the caller gave: name, company, contact details, use case, timeline, budget, and any preferences or objections. Write plain prose, no headings.`

// llmSummariser adapts the conversation provider to the context compactor.
type llmSummariser struct {
	provider llm.Provider
}

var _ convo.Summariser = llmSummariser{}

func (s llmSummariser) Summarise(ctx context.Context, msgs []types.Message) (string, error) {
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		Temperature:  0.3,
		MaxTokens:    300,
		SystemPrompt: summariseInstruction,
	})
	if err != nil {
		return "", fmt.Errorf("summarise history: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
