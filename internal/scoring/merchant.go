package scoring

import (
	"slices"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
)

// IsMerchant reports whether the signals match a legitimate high-volume merchant:
// many distinct payers, funds retained rather than forwarded, and no cyclical flow.
func IsMerchant(s domain.Signals) bool {
	return s.FanIn && !s.Shell && !s.Cycle
}

// ApplyMerchantFilter zeroes merchant accounts and replaces their patterns.
// Other flags such as fan-out or burst do not prevent the override.
func ApplyMerchantFilter(results []*domain.DetectionResult) int {
	n := 0
	for _, r := range results {
		if !IsMerchant(r.Signals) {
			continue
		}
		r.Merchant = true
		r.Score = 0
		r.Patterns = []string{domain.PatternLegitimateMerchant}
		n++
	}
	return n
}

// DropMerchantSources removes the smurfing_source tag from accounts that only
// pay smurfing hubs which turned out to be merchants. Run after
// ApplyMerchantFilter; tags holds the pre-override patterns per account.
func DropMerchantSources(g *graph.Graph, tags [][]string, results []*domain.DetectionResult) int {
	n := 0
	for i, r := range results {
		if r.Merchant || !slices.Contains(r.Patterns, domain.PatternSmurfSource) {
			continue
		}
		if slices.ContainsFunc(g.Successors(i), func(j int) bool {
			return j != i && !results[j].Merchant && slices.Contains(tags[j], domain.PatternSmurfHub)
		}) {
			continue
		}
		r.Patterns = slices.DeleteFunc(r.Patterns, func(p string) bool {
			return p == domain.PatternSmurfSource
		})
		n++
	}
	return n
}
