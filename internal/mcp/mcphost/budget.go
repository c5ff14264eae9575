package mcphost

import (
	"cmp"
	"slices"
	"time"

	"github.com/askjohngeorge/leadline/pkg/types"
)

// filterByTier returns the definitions of every tool whose tier is within
// maxTier, sorted by effective latency ascending so the LLM sees the
// fastest tools first. Tier comparison uses the integer ordering
// BudgetFast(0) ≤ BudgetStandard(1) ≤ BudgetDeep(2).
func filterByTier(entries []*toolEntry, maxTier types.BudgetTier) []types.ToolDefinition {
	var kept []*toolEntry
	for _, e := range entries {
		if e.tier <= maxTier {
			kept = append(kept, e)
		}
	}

	slices.SortFunc(kept, func(a, b *toolEntry) int {
		return cmp.Compare(a.effectiveP50(), b.effectiveP50())
	})

	defs := make([]types.ToolDefinition, len(kept))
	for i, e := range kept {
		defs[i] = e.def
	}
	return defs
}

// effectiveP50 is the best-known latency: the measured P50 once live calls
// have accrued, the declared estimate before that.
func (e *toolEntry) effectiveP50() time.Duration {
	if e.measured != nil && e.measured.Count() > 0 {
		return e.measured.P50()
	}
	return e.declared
}
