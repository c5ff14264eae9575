// Package phonetic matches misheard words against a known vocabulary using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each vocabulary term. A single-word
//     input becomes a candidate when any of its codes overlaps the term's
//     code set; a multi-word input requires every word to overlap, so a
//     phrase cannot ride on one shared word ("google now" must not shadow
//     "Google Sheets").
//
//  2. Jaro-Winkler ranking: Among phonetic candidates, the term with the
//     highest Jaro-Winkler similarity (computed on the original strings,
//     case-insensitive) is selected, provided its score exceeds the
//     configurable phonetic threshold.
//
//     When no phonetic candidate is found, a secondary pass tests pure
//     Jaro-Winkler similarity using a higher fuzzy threshold (default 0.85)
//     and additionally requires a small Levenshtein distance on the
//     space-stripped strings. Jaro-Winkler flatters short shared prefixes
//     ("voice" scores 0.91 against "voiceflow"), so the edit-distance bound
//     is what keeps a prefix from swallowing the full term.
//
// Multi-word terms (e.g., "Google Sheets") are supported: the matcher
// computes phonetic codes per word and considers the best pairwise score
// across all word pairs when ranking candidates.
//
// Vocabularies are fixed per call, so [Prepare] precomputes term codes once;
// [Matcher.MatchPrepared] is the hot-path entry point used by the corrector.
package phonetic

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// fuzzyMaxEditDistance bounds the Levenshtein distance (on space-stripped
	// strings) for fuzzy fallback matches.
	fuzzyMaxEditDistance = 2

	// minFuzzyRunes is the shortest input eligible for similarity matching.
	// Shorter inputs only match a term exactly.
	minFuzzyRunes = 3
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher ranks vocabulary terms against input words. All methods are safe
// for concurrent use — the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
// Default thresholds are 0.70 for phonetic matches and 0.85 for fuzzy
// fallback matches.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// preparedTerm caches the derived forms of one vocabulary term.
type preparedTerm struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// PreparedTerms is a vocabulary with precomputed phonetic codes. Prepare once
// per call session and reuse across every transcript word.
type PreparedTerms struct {
	terms    []preparedTerm
	maxWords int
}

// Prepare precomputes lowercased forms, token lists, and Double Metaphone
// code sets for the given terms. Empty and whitespace-only terms are skipped.
func Prepare(terms []string) *PreparedTerms {
	pt := &PreparedTerms{}
	for _, term := range terms {
		lower := strings.ToLower(strings.TrimSpace(term))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		pt.terms = append(pt.terms, preparedTerm{
			original: strings.TrimSpace(term),
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
		if len(tokens) > pt.maxWords {
			pt.maxWords = len(tokens)
		}
	}
	return pt
}

// Len returns the number of usable terms in the vocabulary.
func (p *PreparedTerms) Len() int {
	if p == nil {
		return 0
	}
	return len(p.terms)
}

// MaxWords returns the word count of the longest term, 0 for an empty
// vocabulary. Callers use it to bound n-gram window sizes.
func (p *PreparedTerms) MaxWords() int {
	if p == nil {
		return 0
	}
	return p.maxWords
}

// Match attempts to find the term most phonetically similar to word.
// It is a convenience wrapper that prepares terms on every call; use
// [Prepare] and [Matcher.MatchPrepared] when matching repeatedly against the
// same vocabulary.
//
// Return values: when matched is false, corrected equals word unchanged and
// confidence is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, Prepare(terms))
}

// MatchPrepared attempts to find the term from pt most phonetically similar
// to word.
//
// word may be a single word or a space-separated phrase (n-gram). When word
// contains multiple tokens, the matcher checks whether any token phonetically
// aligns with any token of a multi-word term, then ranks by Jaro-Winkler on
// the full strings.
//
// An exact case-insensitive hit returns the term's canonical spelling with
// confidence 1.0.
func (m *Matcher) MatchPrepared(word string, pt *PreparedTerms) (corrected string, confidence float64, matched bool) {
	if pt.Len() == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))

	for i := range pt.terms {
		if pt.terms[i].lower == wordLower {
			return pt.terms[i].original, 1, true
		}
	}

	if utf8.RuneCountInString(wordLower) < minFuzzyRunes {
		return word, 0, false
	}

	wordTokens := strings.Fields(wordLower)
	tokenCodes := make([]map[string]struct{}, len(wordTokens))
	for i, t := range wordTokens {
		tokenCodes[i] = codesForTokens([]string{t})
	}

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}

	var best candidate

	for i := range pt.terms {
		term := &pt.terms[i]

		phoneticMatch := allTokensOverlap(tokenCodes, term.codes)

		// Compute the best Jaro-Winkler score for this term using several
		// comparison strategies to handle word-split mismatches robustly.
		jwScore := bestJWScore(wordTokens, term.tokens, wordLower, term.lower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{term: term.original, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score &&
				withinEditDistance(wordTokens, term.tokens, fuzzyMaxEditDistance) {
				best = candidate{term: term.original, score: jwScore, phonetic: false}
			}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return word, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// allTokensOverlap reports whether every per-token code set overlaps the
// term's code set. Tokens that produced no codes fail the check.
func allTokensOverlap(tokenCodes []map[string]struct{}, termCodes map[string]struct{}) bool {
	if len(tokenCodes) == 0 {
		return false
	}
	for _, tc := range tokenCodes {
		if !codesOverlap(tc, termCodes) {
			return false
		}
	}
	return true
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the term using three strategies:
//
//  1. Full-string comparison (e.g., "voice floe" vs "voiceflow").
//  2. Space-stripped comparison (e.g., "voicefloe" vs "voiceflow"), which
//     absorbs word splits introduced by the recogniser.
//  3. Best pairwise word comparison — the maximum score between any input
//     token and any term token (useful when one spoken word corresponds to
//     one term word).
//
// longTolerance is passed as false to use standard Jaro-Winkler scoring.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	// Strategy 1: full strings.
	score := matchr.JaroWinkler(inputFull, termFull, false)

	// Strategy 2: concatenated (no spaces).
	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	// Strategy 3: best pairwise token score.
	for _, it := range inputTokens {
		for _, tt := range termTokens {
			if s := matchr.JaroWinkler(it, tt, false); s > score {
				score = s
			}
		}
	}

	return score
}

// withinEditDistance reports whether the space-stripped input is within max
// Levenshtein edits of the space-stripped term.
func withinEditDistance(inputTokens, termTokens []string, max int) bool {
	return matchr.Levenshtein(strings.Join(inputTokens, ""), strings.Join(termTokens, "")) <= max
}
