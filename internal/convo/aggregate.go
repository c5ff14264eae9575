package convo

import "strings"

// ResponseAggregator collects streaming text between an explicit start and
// end boundary and decides when the collected text is complete. It handles
// boundaries and text arriving in any order, which happens when speech
// recognition finalises a result after the stop-of-speech signal:
//
//	start, text, end        -> complete at end
//	start, end, text        -> complete at the late text
//	start, interim, end, text -> complete at the final text
//
// Not safe for concurrent use.
type ResponseAggregator struct {
	sb          strings.Builder
	aggregating bool
	seenStart   bool
	seenEnd     bool
	seenInterim bool

	// joinWords inserts a space between fragments, for sources that emit
	// stripped words rather than raw stream deltas.
	joinWords bool
}

// NewResponseAggregator returns an aggregator that concatenates fragments
// verbatim, suitable for LLM token streams.
func NewResponseAggregator() *ResponseAggregator {
	return &ResponseAggregator{}
}

// NewWordAggregator returns an aggregator that joins fragments with single
// spaces, suitable for transcription results.
func NewWordAggregator() *ResponseAggregator {
	return &ResponseAggregator{joinWords: true}
}

// StartResponse marks the beginning of a streamed response.
func (a *ResponseAggregator) StartResponse() {
	a.aggregating = true
	a.seenStart = true
	a.seenEnd = false
	a.seenInterim = false
}

// EndResponse marks the end of a streamed response. It returns the
// aggregation if it is complete. If interim results were seen without a
// final one, or no text arrived yet, aggregation stays open until AddText
// delivers the late final.
func (a *ResponseAggregator) EndResponse() (string, bool) {
	a.seenEnd = true
	a.seenStart = false
	a.aggregating = a.seenInterim || a.sb.Len() == 0
	if !a.aggregating {
		return a.take()
	}
	return "", false
}

// AddText accumulates a text fragment. It returns the aggregation when the
// fragment completes a response whose end boundary already passed.
func (a *ResponseAggregator) AddText(text string) (string, bool) {
	var out string
	var ok bool
	if a.aggregating {
		if a.joinWords && a.sb.Len() > 0 {
			a.sb.WriteByte(' ')
		}
		a.sb.WriteString(text)
		if a.seenEnd {
			out, ok = a.take()
		}
	}
	// A final fragment supersedes any pending interim result.
	a.seenInterim = false
	return out, ok
}

// AddInterim records that a provisional fragment was seen, so EndResponse
// waits for the final text instead of completing early.
func (a *ResponseAggregator) AddInterim() {
	a.seenInterim = true
}

// Interrupt flushes whatever was collected so far and resets all state.
// The returned text, if any, is the partial aggregation at the moment of
// interruption.
func (a *ResponseAggregator) Interrupt() (string, bool) {
	out, ok := a.take()
	a.reset()
	return out, ok
}

// Aggregating reports whether a response is currently open.
func (a *ResponseAggregator) Aggregating() bool {
	return a.aggregating
}

func (a *ResponseAggregator) take() (string, bool) {
	s := strings.TrimSpace(a.sb.String())
	a.sb.Reset()
	if s == "" {
		return "", false
	}
	return s, true
}

func (a *ResponseAggregator) reset() {
	a.sb.Reset()
	a.aggregating = false
	a.seenStart = false
	a.seenEnd = false
	a.seenInterim = false
}
