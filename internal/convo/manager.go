package convo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/askjohngeorge/leadline/pkg/types"
)

// charsPerToken is a rough heuristic for token estimation without a
// model-specific tokenizer. Good enough for budget decisions.
const charsPerToken = 4

// Summariser condenses a run of old messages into a short summary. The
// report generator's LLM provider satisfies this.
type Summariser interface {
	Summarise(ctx context.Context, msgs []types.Message) (string, error)
}

// Manager watches a Context against a token budget and compacts the oldest
// messages through a Summariser once the estimate crosses a threshold.
// Leading system messages and the most recent messages are never compacted.
type Manager struct {
	c          *Context
	summariser Summariser
	budget     int
	threshold  float64
	keepRecent int
	log        *slog.Logger

	// mu serialises compactions; appends to the Context continue freely
	// while a summary is being generated.
	mu sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithThreshold sets the fraction of the budget at which compaction
// triggers. Default 0.75.
func WithThreshold(t float64) ManagerOption {
	return func(m *Manager) { m.threshold = t }
}

// WithKeepRecent sets how many trailing messages are always kept verbatim.
// Default 8.
func WithKeepRecent(n int) ManagerOption {
	return func(m *Manager) { m.keepRecent = n }
}

// WithManagerLogger sets the logger. Default slog.Default.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager returns a manager for c with the given token budget.
// summariser may be nil, in which case compaction drops old messages
// without a summary.
func NewManager(c *Context, budgetTokens int, summariser Summariser, opts ...ManagerOption) *Manager {
	m := &Manager{
		c:          c,
		summariser: summariser,
		budget:     budgetTokens,
		threshold:  0.75,
		keepRecent: 8,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EstimateTokens estimates the token count of msgs.
func EstimateTokens(msgs []types.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Text())
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return chars / charsPerToken
}

// CheckAndCompact compacts the context if its token estimate exceeds the
// threshold. The summariser call runs without holding the context lock, so
// the pipeline keeps appending during compaction; the splice afterwards
// accounts for messages that arrived in between.
func (m *Manager) CheckAndCompact(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.c.Messages()
	estimate := EstimateTokens(snapshot)
	if estimate <= int(m.threshold*float64(m.budget)) {
		return nil
	}

	pinned := 0
	for pinned < len(snapshot) && snapshot[pinned].Role == types.RoleSystem {
		pinned++
	}
	cut := len(snapshot) - m.keepRecent
	if cut <= pinned {
		// Nothing old enough to drop; the recent tail alone blew the
		// budget.
		m.log.Warn("context over budget but nothing to compact",
			"estimate", estimate, "budget", m.budget, "messages", len(snapshot))
		return nil
	}
	old := snapshot[pinned:cut]

	var summary string
	if m.summariser != nil {
		var err error
		summary, err = m.summariser.Summarise(ctx, old)
		if err != nil {
			return fmt.Errorf("summarise old context: %w", err)
		}
	}

	m.c.Rewrite(func(cur []types.Message) []types.Message {
		if len(cur) < cut {
			// History shrank underneath us; skip this round.
			return cur
		}
		out := make([]types.Message, 0, len(cur)-len(old)+1)
		out = append(out, cur[:pinned]...)
		if summary != "" {
			out = append(out, types.Message{
				Role:    types.RoleSystem,
				Content: "Summary of earlier conversation: " + summary,
			})
		}
		out = append(out, cur[cut:]...)
		return out
	})

	m.log.Debug("compacted conversation context",
		"dropped", len(old), "estimate_before", estimate,
		"estimate_after", EstimateTokens(m.c.Messages()))
	return nil
}
