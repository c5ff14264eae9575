// Package knowledge retrieves short service-info snippets by semantic
// similarity, so the assistant can answer "what do you actually build?"
// questions from curated content instead of improvising.
//
// Entries are embedded once at seed time; Search embeds the caller's
// question and returns the closest snippets by cosine distance. The store
// is optional — deployments without Postgres or an embeddings provider run
// without it and the flow answers from its node prompts alone.
package knowledge

import (
	"context"
	"errors"
)

// DefaultTopK is how many snippets a query retrieves when the config does
// not say otherwise.
const DefaultTopK = 3

// ErrEmpty is returned by Search when the store holds no entries.
var ErrEmpty = errors.New("knowledge: store is empty")

// Entry is one curated service-info snippet.
type Entry struct {
	// ID identifies the snippet for upserts. Seeding the same ID replaces
	// the previous content and embedding.
	ID string

	// Topic is a short label ("pricing", "integrations") surfaced to the
	// LLM alongside the content.
	Topic string

	// Content is the snippet text.
	Content string
}

// Result is one retrieved snippet with its cosine distance from the query
// (smaller is closer).
type Result struct {
	Entry
	Distance float64
}

// Searcher is the retrieval surface the conversation flow consumes.
type Searcher interface {
	// Search returns the topK entries closest to query, nearest first.
	// topK ≤ 0 selects [DefaultTopK].
	Search(ctx context.Context, query string, topK int) ([]Result, error)
}

// Store adds seeding on top of retrieval.
type Store interface {
	Searcher

	// Seed embeds and upserts entries. Existing IDs are replaced.
	Seed(ctx context.Context, entries []Entry) error

	// Count returns how many entries the store holds.
	Count(ctx context.Context) (int, error)
}
