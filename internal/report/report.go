// Package report produces the post-call lead report.
//
// After a call ends the [Generator] loads the lead record and the full
// transcript, asks the conversation LLM for a short summary plus a call
// disposition, and attaches both to the stored lead. Report generation is
// best-effort: a failed report leaves the lead record intact, just without a
// summary.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/askjohngeorge/leadline/internal/lead"
	"github.com/askjohngeorge/leadline/internal/transcript"
	"github.com/askjohngeorge/leadline/pkg/provider/llm"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// Corrector fixes misheard domain terms in transcript text before it is
// summarised. Implemented by llmcorrect.Corrector.
type Corrector interface {
	Correct(ctx context.Context, text string, terms []string) (string, []transcript.Correction, error)
}

// reportPrompt is the system prompt sent to the LLM when summarising a call.
const reportPrompt = `You review transcripts of inbound calls handled by a voice assistant that
qualifies leads for an AI consulting agency.
Write a 2-3 sentence summary of the call, then judge the outcome.
Respond in exactly this format:

Summary: <2-3 sentence summary>
Disposition: <one of: booked, qualified, follow-up, unqualified, incomplete>

Use "booked" when a discovery call was scheduled, "qualified" when the caller's
details were collected but no call was booked, "follow-up" when the caller asked
to be contacted later, "unqualified" when the caller was not a fit, and
"incomplete" when the call ended before qualification finished.`

// validDispositions is the closed set of outcomes a report may carry.
var validDispositions = map[string]bool{
	"booked":      true,
	"qualified":   true,
	"follow-up":   true,
	"unqualified": true,
	"incomplete":  true,
}

// Generator builds and stores post-call reports.
type Generator struct {
	store      lead.Store
	llm        llm.Provider
	corrector  Corrector
	terms      []string
	log        *slog.Logger
	timeout    time.Duration
	maxEntries int
}

// Option is a functional option for [NewGenerator].
type Option func(*Generator)

// WithTimeout bounds how long a single report generation may take, LLM call
// included. Defaults to 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(g *Generator) { g.timeout = d }
}

// WithMaxTranscriptEntries caps how many transcript entries are included in
// the summarisation prompt. When the call is longer the most-recent entries
// are kept. Defaults to 200.
func WithMaxTranscriptEntries(n int) Option {
	return func(g *Generator) { g.maxEntries = n }
}

// WithCorrector runs transcripts through c before summarisation, fixing
// mishearings of the configured vocabulary and of whatever the caller gave
// during the call (their name, their company). Correction failures are
// logged and the raw transcript is used instead.
func WithCorrector(c Corrector, vocabulary []string) Option {
	return func(g *Generator) {
		g.corrector = c
		g.terms = vocabulary
	}
}

// NewGenerator creates a [Generator] that reads from and writes to store and
// summarises with provider.
func NewGenerator(store lead.Store, provider llm.Provider, log *slog.Logger, opts ...Option) *Generator {
	if log == nil {
		log = slog.Default()
	}
	g := &Generator{
		store:      store,
		llm:        provider,
		log:        log,
		timeout:    30 * time.Second,
		maxEntries: 200,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate builds the report for callID and attaches it to the lead record.
//
// The lead record and transcript are fetched concurrently. The LLM response is
// parsed for a summary and a disposition; when the model returns a disposition
// outside the known set the disposition falls back to a heuristic derived from
// the lead record itself. Callers treat a returned error as log-only: the lead
// record stays valid without a summary.
func (g *Generator) Generate(ctx context.Context, callID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var (
		rec     *lead.Lead
		entries []lead.TranscriptEntry
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		l, err := g.store.Get(egCtx, callID)
		if err != nil {
			return fmt.Errorf("report: load lead %q: %w", callID, err)
		}
		rec = l
		return nil
	})
	eg.Go(func() error {
		t, err := g.store.Transcript(egCtx, callID)
		if err != nil {
			return fmt.Errorf("report: load transcript %q: %w", callID, err)
		}
		if len(t) > g.maxEntries {
			t = t[len(t)-g.maxEntries:]
		}
		entries = t
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	// A call that ended before anyone spoke is not worth an LLM round trip.
	if len(entries) == 0 {
		disposition := fallbackDisposition(rec)
		summary := "Caller disconnected before any conversation took place."
		if err := g.store.AttachSummary(ctx, callID, summary, disposition); err != nil {
			return fmt.Errorf("report: attach summary for %q: %w", callID, err)
		}
		return nil
	}

	transcriptBlock := formatTranscript(entries)
	if g.corrector != nil {
		transcriptBlock = g.polish(ctx, callID, rec, transcriptBlock)
	}

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: reportPrompt,
		Messages: []types.Message{
			{
				Role:    types.RoleUser,
				Content: formatDetails(rec) + "\nTranscript:\n" + transcriptBlock,
			},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return fmt.Errorf("report: summarise call %q: %w", callID, err)
	}

	summary, disposition := parseReport(resp.Content)
	if summary == "" {
		summary = strings.TrimSpace(resp.Content)
	}
	if !validDispositions[disposition] {
		fallback := fallbackDisposition(rec)
		g.log.Warn("report disposition outside known set, using fallback",
			"call_id", callID, "got", disposition, "fallback", fallback)
		disposition = fallback
	}

	if err := g.store.AttachSummary(ctx, callID, summary, disposition); err != nil {
		return fmt.Errorf("report: attach summary for %q: %w", callID, err)
	}
	g.log.Info("post-call report stored", "call_id", callID, "disposition", disposition)
	return nil
}

// polish runs the transcript block through the corrector with the call's
// term vocabulary. Best-effort: any failure returns the block unchanged.
func (g *Generator) polish(ctx context.Context, callID string, rec *lead.Lead, text string) string {
	terms := make([]string, 0, len(g.terms)+2)
	terms = append(terms, g.terms...)
	if rec.Name != "" {
		terms = append(terms, rec.Name)
	}
	if rec.Company != "" {
		terms = append(terms, rec.Company)
	}
	if len(terms) == 0 {
		return text
	}

	corrected, fixes, err := g.corrector.Correct(ctx, text, terms)
	if err != nil {
		g.log.Warn("transcript correction failed, using raw transcript", "call_id", callID, "error", err)
		return text
	}
	if len(fixes) > 0 {
		g.log.Debug("transcript corrected", "call_id", callID, "corrections", len(fixes))
	}
	return corrected
}

// formatDetails renders the lead snapshot section of the summarisation
// prompt.
func formatDetails(rec *lead.Lead) string {
	var sb strings.Builder

	sb.WriteString("Caller details:\n")
	writeDetail(&sb, "name", rec.Name)
	writeDetail(&sb, "email", rec.Email)
	writeDetail(&sb, "company", rec.Company)
	writeDetail(&sb, "phone", rec.Phone)
	writeDetail(&sb, "use case", rec.UseCase)
	writeDetail(&sb, "start date", rec.StartDate)
	writeDetail(&sb, "deadline", rec.Deadline)
	writeDetail(&sb, "budget", rec.Budget)
	writeDetail(&sb, "feedback", rec.Feedback)
	writeDetail(&sb, "follow-up", rec.FollowUp)
	if rec.BookingUID != "" {
		sb.WriteString("  discovery call: booked\n")
	}
	return sb.String()
}

// formatTranscript renders transcript entries one role-tagged line each.
func formatTranscript(entries []lead.TranscriptEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s]: %s\n", e.Role, e.Text)
	}
	return sb.String()
}

func writeDetail(sb *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(sb, "  %s: %s\n", label, value)
}

// parseReport extracts the summary and disposition from the LLM response. The
// disposition is normalised to the lowercase hyphenated form; a missing or
// unrecognised line yields an empty disposition for the caller to handle.
func parseReport(raw string) (summary, disposition string) {
	var summaryLines []string
	for line := range strings.Lines(raw) {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "disposition:"):
			disposition = normaliseDisposition(line[len("disposition:"):])
		case strings.HasPrefix(lower, "summary:"):
			summaryLines = append(summaryLines, strings.TrimSpace(line[len("summary:"):]))
		case line != "" && disposition == "":
			// Continuation of a multi-line summary.
			summaryLines = append(summaryLines, line)
		}
	}
	return strings.Join(summaryLines, " "), disposition
}

func normaliseDisposition(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, `."'`)
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, " ", "-")
	return s
}

// fallbackDisposition derives a disposition from the lead record alone, for
// calls where the LLM did not return a usable one.
func fallbackDisposition(rec *lead.Lead) string {
	switch {
	case rec.BookingUID != "":
		return "booked"
	case rec.Complete():
		return "qualified"
	case rec.FollowUp != "":
		return "follow-up"
	default:
		return "incomplete"
	}
}
