// Package selector ranks variant implementations by their recorded quality
// metrics. The ranking is advisory — it produces a recommendation, never a
// choice. Selection itself is always an explicit human act recorded in the
// session.
package selector

import (
	"sort"

	"github.com/sddworks/changeflow/internal/state"
)

// Ranked is one variant with its computed ordering metrics.
type Ranked struct {
	Variant *state.Variant
	// PassRatio is passed/(passed+failed), or -1 when the variant ran no
	// tests at all. Variants with no tests always rank below variants with
	// any test signal.
	PassRatio float64
}

// Rank orders variants best-first under a total order:
//
//  1. higher test pass ratio (no-test variants last),
//  2. higher coverage, with absent coverage below any present figure,
//  3. fewer diff lines changed,
//  4. lexicographically smallest agent id.
//
// The final tiebreak makes the order total, so the same inputs always
// produce the same recommendation.
func Rank(variants map[string]*state.Variant) []Ranked {
	ranked := make([]Ranked, 0, len(variants))
	for _, v := range variants {
		ranked = append(ranked, Ranked{Variant: v, PassRatio: passRatio(v)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		return less(ranked[i], ranked[j])
	})
	return ranked
}

// Recommend returns the agent id of the top-ranked variant, or "" when there
// are no variants.
func Recommend(variants map[string]*state.Variant) string {
	ranked := Rank(variants)
	if len(ranked) == 0 {
		return ""
	}
	return ranked[0].Variant.AgentID
}

func passRatio(v *state.Variant) float64 {
	total := v.TestsPassed + v.TestsFailed
	if total == 0 {
		return -1
	}
	return float64(v.TestsPassed) / float64(total)
}

// less reports whether a ranks strictly better than b.
func less(a, b Ranked) bool {
	if a.PassRatio != b.PassRatio {
		return a.PassRatio > b.PassRatio
	}

	ac, bc := a.Variant.CoveragePercent, b.Variant.CoveragePercent
	switch {
	case ac != nil && bc == nil:
		return true
	case ac == nil && bc != nil:
		return false
	case ac != nil && bc != nil && *ac != *bc:
		return *ac > *bc
	}

	if a.Variant.DiffLinesChanged != b.Variant.DiffLinesChanged {
		return a.Variant.DiffLinesChanged < b.Variant.DiffLinesChanged
	}

	return a.Variant.AgentID < b.Variant.AgentID
}
