// Package llmcorrect implements a language-model transcript correction pass
// for mishearings the phonetic matcher cannot resolve.
//
// The [Corrector] sends transcript text to an [llm.Provider] together with
// the terms the call is known to involve: the configured keyword vocabulary
// plus whatever the caller has given so far (their name, their company). The
// model is instructed to fix only words that look like misheard versions of
// those terms and to return the corrected text with an itemised substitution
// list. Every substitution is then verified token-by-token against the
// declared list; anything the model changed without declaring is reverted.
//
// This pass runs only after a call has ended, on the report path, so the
// extra model round trip never touches turn latency. When the model response
// cannot be parsed the original text is returned unchanged with no error;
// a report built from a raw transcript beats no report.
package llmcorrect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/askjohngeorge/leadline/internal/transcript"
	"github.com/askjohngeorge/leadline/pkg/provider/llm"
	"github.com/askjohngeorge/leadline/pkg/types"
)

const defaultTemperature = 0.1

// instructionTemplate is the base system prompt. The term list is appended
// at call time so each request carries the vocabulary of its own call.
const instructionTemplate = `You clean up transcripts of phone calls handled by a voice assistant.

Your task: fix words the speech recogniser misheard when the speaker clearly meant one of the known terms listed below.

Rules:
- ONLY correct words that appear to be misheard versions of the known terms.
- Do NOT change ordinary words, grammar, punctuation, or sentence structure.
- Be conservative. If you are not confident a word is a misheard term, leave it unchanged.
- Corrected terms must match the canonical spelling from the list exactly.

Known terms:
%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "corrected_text": "<full corrected transcript>",
  "corrections": [
    {"original": "<original word>", "corrected": "<corrected word>", "confidence": <0.0-1.0>}
  ]
}

If no corrections are needed, return an empty corrections array and corrected_text equal to the input.`

// modelResponse is the JSON structure the model is asked to return.
type modelResponse struct {
	CorrectedText string `json:"corrected_text"`
	Corrections   []struct {
		Original   string  `json:"original"`
		Corrected  string  `json:"corrected"`
		Confidence float64 `json:"confidence"`
	} `json:"corrections"`
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithTemperature sets the sampling temperature. Lower values produce more
// deterministic corrections. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(c *Corrector) {
		c.temperature = temp
	}
}

// Corrector uses an [llm.Provider] to fix misheard domain terms in
// transcript text. It is safe for concurrent use.
type Corrector struct {
	llm         llm.Provider
	temperature float64
}

// New returns a [Corrector] backed by the given provider.
func New(provider llm.Provider, opts ...Option) *Corrector {
	c := &Corrector{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct asks the model to fix mishearings of terms in text and verifies
// the result. Undeclared edits are reverted, so the returned text differs
// from the input only where a returned [transcript.Correction] explains the
// change.
//
// An unparseable model response yields the original text with a nil error;
// cancellation and provider errors are returned as errors.
func (c *Corrector) Correct(ctx context.Context, text string, terms []string) (string, []transcript.Correction, error) {
	if len(terms) == 0 || strings.TrimSpace(text) == "" {
		return text, nil, nil
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: buildInstruction(terms),
		Temperature:  c.temperature,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: text},
		},
	})
	if err != nil {
		return text, nil, fmt.Errorf("correct transcript: %w", err)
	}

	corrected, corrections, parseErr := parseResponse(resp.Content, text)
	if parseErr != nil {
		return text, nil, nil
	}

	verified, confirmed := verifyCorrectedText(text, corrected, corrections)
	return verified, confirmed, nil
}

// buildInstruction formats the system prompt with the term list.
func buildInstruction(terms []string) string {
	var sb strings.Builder
	for _, t := range terms {
		sb.WriteString("- ")
		sb.WriteString(t)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(instructionTemplate, sb.String())
}

// parseResponse unmarshals the model output, tolerating markdown fences.
func parseResponse(content, originalText string) (string, []transcript.Correction, error) {
	var r modelResponse
	if err := json.Unmarshal([]byte(stripFences(content)), &r); err != nil {
		return "", nil, fmt.Errorf("parse correction response: %w", err)
	}

	if r.CorrectedText == "" {
		return originalText, nil, nil
	}

	corrections := make([]transcript.Correction, 0, len(r.Corrections))
	for _, c := range r.Corrections {
		if c.Original == c.Corrected || c.Original == "" {
			continue
		}
		corrections = append(corrections, transcript.Correction{
			Original:   c.Original,
			Corrected:  c.Corrected,
			Confidence: c.Confidence,
		})
	}

	return r.CorrectedText, corrections, nil
}

// stripFences removes the ```json fences some models wrap JSON output in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
