// Package transcript fixes recogniser errors in domain vocabulary before
// transcriptions reach the conversation context.
//
// Callers name products, companies, and integrations that general-purpose
// speech models routinely mangle: "Voiceflow" comes back as "voice flow" or
// "invoice flow", "HubSpot" as "hub spot". The [PhoneticCorrector] aligns
// final transcription text against the configured keyword vocabulary using
// phonetic and string similarity (see the phonetic subpackage) and rewrites
// matched spans to the canonical spelling.
//
// Correction is word-boundary safe: punctuation glued to a token is detached
// before matching and reattached after, multi-token windows never cross
// punctuation, and a window is only rewritten when its word count is
// compatible with the matched term (a lone "google" is never expanded into
// "Google Sheets").
//
// The corrector is read-only after construction and safe for concurrent use.
package transcript

import (
	"strings"
	"unicode"

	"github.com/askjohngeorge/leadline/internal/transcript/phonetic"
)

// Correction records a single span-level substitution.
type Correction struct {
	// Original is the span as produced by the recogniser, without surrounding
	// punctuation.
	Original string

	// Corrected is the canonical term spelling that replaced it.
	Corrected string

	// Confidence is the match score in (0.0, 1.0]; 1.0 is an exact
	// case-insensitive hit.
	Confidence float64
}

// Option is a functional option for configuring a [PhoneticCorrector].
type Option func(*PhoneticCorrector)

// WithMatcher replaces the default [phonetic.Matcher], letting callers tune
// similarity thresholds.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *PhoneticCorrector) {
		c.matcher = m
	}
}

// PhoneticCorrector rewrites vocabulary terms in transcription text.
// It satisfies the pipeline stage's Corrector contract via [Correct].
type PhoneticCorrector struct {
	matcher   *phonetic.Matcher
	prepared  *phonetic.PreparedTerms
	maxWindow int
}

// NewPhoneticCorrector builds a corrector over the given vocabulary. Terms
// keep their given spelling in replacements. An empty vocabulary yields a
// corrector that passes text through unchanged.
func NewPhoneticCorrector(terms []string, opts ...Option) *PhoneticCorrector {
	c := &PhoneticCorrector{
		matcher:  phonetic.New(),
		prepared: phonetic.Prepare(terms),
	}
	for _, o := range opts {
		o(c)
	}
	// A split like "voice flow" uses one more token than the term has words.
	c.maxWindow = c.prepared.MaxWords() + 1
	return c
}

// Correct returns text with all matched vocabulary spans rewritten to their
// canonical spelling.
func (c *PhoneticCorrector) Correct(text string) string {
	corrected, _ := c.CorrectWithDetails(text)
	return corrected
}

// CorrectWithDetails returns the corrected text along with an itemised record
// of every substitution. A nil record means the text is unchanged.
//
// The aligner walks whitespace-separated tokens, trying n-gram windows from
// widest to narrowest at each position so multi-word terms win over partial
// single-word matches. A window is rewritten only when the matched term has
// the same word count, or is a single word matched by a two-token split.
func (c *PhoneticCorrector) CorrectWithDetails(text string) (string, []Correction) {
	if c.prepared.Len() == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var out []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		// Clamp window size to remaining tokens.
		maxN := c.maxWindow
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			lead, core, trail, ok := windowCore(tokens[i : i+n])
			if !ok {
				continue
			}

			term, conf, found := c.matcher.MatchPrepared(core, c.prepared)
			if !found {
				continue
			}
			if term == core {
				// Already canonical. Consume the window unchanged so narrower
				// windows cannot re-match pieces of it.
				out = append(out, tokens[i:i+n]...)
				i += n
				matched = true
				break
			}

			termWords := strings.Fields(term)
			if !(len(termWords) == n || (len(termWords) == 1 && n == 2)) {
				continue
			}

			repl := termWords
			repl[0] = lead + repl[0]
			repl[len(repl)-1] += trail
			out = append(out, repl...)
			corrections = append(corrections, Correction{
				Original:   core,
				Corrected:  term,
				Confidence: conf,
			})
			i += n
			matched = true
			break
		}

		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " "), corrections
}

// windowCore extracts the matchable core of an n-token window. Leading
// punctuation of the first token and trailing punctuation of the last are
// returned separately for reattachment. A window is unusable (ok=false) when
// any token has no word characters or when punctuation sits between tokens,
// which would let a match cross a phrase boundary.
func windowCore(tokens []string) (lead, core, trail string, ok bool) {
	parts := make([]string, len(tokens))
	for j, tok := range tokens {
		l, c, t := splitPunct(tok)
		if c == "" {
			return "", "", "", false
		}
		if j > 0 && l != "" {
			return "", "", "", false
		}
		if j < len(tokens)-1 && t != "" {
			return "", "", "", false
		}
		if j == 0 {
			lead = l
		}
		if j == len(tokens)-1 {
			trail = t
		}
		parts[j] = c
	}
	return lead, strings.Join(parts, " "), trail, true
}

// splitPunct splits a token into leading punctuation, word core, and trailing
// punctuation. Interior punctuation (apostrophes, hyphens, dots in names)
// stays in the core.
func splitPunct(tok string) (lead, core, trail string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	s := strings.TrimLeftFunc(tok, func(r rune) bool { return !isWord(r) })
	lead = tok[:len(tok)-len(s)]
	core = strings.TrimRightFunc(s, func(r rune) bool { return !isWord(r) })
	trail = s[len(core):]
	return lead, core, trail
}
