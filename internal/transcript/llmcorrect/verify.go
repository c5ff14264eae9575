package llmcorrect

import (
	"strings"

	"github.com/askjohngeorge/leadline/internal/transcript"
)

// anchor maps a token index in the original sequence to the matching index
// in the corrected sequence.
type anchor struct {
	origIdx int
	corrIdx int
}

// diffSpan is a contiguous region that differs between the original and
// corrected token sequences.
type diffSpan struct {
	origTokens []string
	corrTokens []string
}

// tokenLCS computes the longest common subsequence of two token slices and
// returns the common tokens as index pairs, in order. Standard O(m×n) DP;
// transcripts are short enough that this never matters.
func tokenLCS(a, b []string) []anchor {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return nil
	}

	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	lcsLen := dp[m][n]
	if lcsLen == 0 {
		return nil
	}

	anchors := make([]anchor, lcsLen)
	i, j, k := m, n, lcsLen-1
	for i > 0 && j > 0 {
		if a[i-1] == b[j-1] {
			anchors[k] = anchor{origIdx: i - 1, corrIdx: j - 1}
			i--
			j--
			k--
		} else if dp[i-1][j] >= dp[i][j-1] {
			i--
		} else {
			j--
		}
	}
	return anchors
}

// extractDiffSpans walks the anchor list and collects the gaps between
// anchored tokens. Each gap is a region the model changed.
func extractDiffSpans(orig, corr []string, anchors []anchor) []diffSpan {
	var spans []diffSpan
	oi, ci := 0, 0
	for _, a := range anchors {
		if oi < a.origIdx || ci < a.corrIdx {
			spans = append(spans, diffSpan{
				origTokens: orig[oi:a.origIdx],
				corrTokens: corr[ci:a.corrIdx],
			})
		}
		oi = a.origIdx + 1
		ci = a.corrIdx + 1
	}
	if oi < len(orig) || ci < len(corr) {
		spans = append(spans, diffSpan{
			origTokens: orig[oi:],
			corrTokens: corr[ci:],
		})
	}
	return spans
}

// normaliseTerm lowercases s and strips trailing punctuation so a span like
// "HubSpot." matches a correction declared as "HubSpot".
func normaliseTerm(s string) string {
	return strings.ToLower(strings.TrimRight(s, ".,;:!?\"')"))
}

// verifyCorrectedText cross-references the token-level changes between
// original and corrected against the substitutions the model declared. Any
// changed span without a matching declared correction is reverted to the
// original tokens. Returns the verified text and the confirmed corrections.
func verifyCorrectedText(original, corrected string, corrections []transcript.Correction) (string, []transcript.Correction) {
	if original == corrected {
		return original, corrections
	}

	origTokens := strings.Fields(original)
	corrTokens := strings.Fields(corrected)

	anchors := tokenLCS(origTokens, corrTokens)
	spans := extractDiffSpans(origTokens, corrTokens, anchors)

	type corrKey struct{ orig, corr string }
	lookup := make(map[corrKey]transcript.Correction, len(corrections))
	for _, c := range corrections {
		lookup[corrKey{normaliseTerm(c.Original), normaliseTerm(c.Corrected)}] = c
	}

	applySpan := func(span diffSpan, result []string, verified []transcript.Correction) ([]string, []transcript.Correction) {
		key := corrKey{
			normaliseTerm(strings.Join(span.origTokens, " ")),
			normaliseTerm(strings.Join(span.corrTokens, " ")),
		}
		if c, ok := lookup[key]; ok {
			return append(result, span.corrTokens...), append(verified, c)
		}
		return append(result, span.origTokens...), verified
	}

	var result []string
	var verified []transcript.Correction
	oi, ci, spanIdx := 0, 0, 0

	for _, a := range anchors {
		if oi < a.origIdx || ci < a.corrIdx {
			result, verified = applySpan(spans[spanIdx], result, verified)
			spanIdx++
		}
		result = append(result, origTokens[a.origIdx])
		oi = a.origIdx + 1
		ci = a.corrIdx + 1
	}
	if oi < len(origTokens) || ci < len(corrTokens) {
		result, verified = applySpan(spans[spanIdx], result, verified)
	}

	return strings.Join(result, " "), verified
}
