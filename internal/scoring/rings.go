package scoring

import (
	"fmt"
	"math"

	"github.com/opensource-finance/muleguard/internal/detect"
	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
)

// ringLabels is the tie-break order for non-cycle ring pattern types.
var ringLabels = []struct {
	name string
	has  func(domain.Signals) bool
}{
	{domain.PatternPassThrough, func(s domain.Signals) bool { return s.Shell }},
	{domain.PatternFanIn, func(s domain.Signals) bool { return s.FanIn }},
	{domain.PatternFanOut, func(s domain.Signals) bool { return s.FanOut }},
	{domain.PatternTemporalBurst, func(s domain.Signals) bool { return s.Burst }},
}

// AssembleRings groups eligible accounts into rings and sets their RingID.
//
// An account is eligible when it is suspicious or sits on a detected cycle, and
// was not overridden as a merchant. Eligible accounts are linked when they share
// a cycle or are the two ends of a flagged edge. Every connected group of at
// least MinRingSize accounts becomes a ring. Rings are numbered in order of
// their smallest member id.
func (p *Processor) AssembleRings(g *graph.Graph, m *detect.Merged, results []*domain.DetectionResult) []domain.FraudRing {
	n := len(results)
	eligible := make([]bool, n)
	for i, r := range results {
		eligible[i] = !r.Merchant && (p.Suspicious(r.Score) || r.Signals.Cycle)
	}

	uf := newUnionFind(n)
	link := func(a, b int) {
		if a != b && eligible[a] && eligible[b] {
			uf.union(a, b)
		}
	}
	for _, cyc := range m.Cycles {
		for i := 1; i < len(cyc); i++ {
			link(cyc[0], cyc[i])
		}
	}
	for _, e := range m.FlaggedEdges {
		tx := g.Edge(e)
		s, _ := g.Index(tx.SenderID)
		r, _ := g.Index(tx.ReceiverID)
		link(s, r)
	}

	// node indexes follow sorted account ids, so scanning in index order yields
	// components ordered by smallest member with members already sorted
	members := make(map[int][]int)
	var roots []int
	for i := 0; i < n; i++ {
		if !eligible[i] {
			continue
		}
		root := uf.find(i)
		if _, seen := members[root]; !seen {
			roots = append(roots, root)
		}
		members[root] = append(members[root], i)
	}

	minSize := max(p.cfg.MinRingSize, 1)
	var rings []domain.FraudRing
	for _, root := range roots {
		nodes := members[root]
		if len(nodes) < minSize {
			continue
		}

		ring := domain.FraudRing{
			RingID:         fmt.Sprintf("RING_%03d", len(rings)+1),
			MemberAccounts: make([]string, len(nodes)),
			PatternType:    p.patternType(results, nodes),
			RiskScore:      p.ringScore(results, nodes),
		}
		for i, node := range nodes {
			ring.MemberAccounts[i] = results[node].AccountID
			results[node].RingID = ring.RingID
		}
		rings = append(rings, ring)
	}

	return rings
}

func (p *Processor) patternType(results []*domain.DetectionResult, nodes []int) string {
	counts := make([]int, len(ringLabels))
	for _, node := range nodes {
		s := results[node].Signals
		if s.Cycle {
			return domain.RingPatternCycle
		}
		for i, l := range ringLabels {
			if l.has(s) {
				counts[i]++
			}
		}
	}

	best := 0
	for i := range counts {
		if counts[i] > counts[best] {
			best = i
		}
	}
	return ringLabels[best].name
}

func (p *Processor) ringScore(results []*domain.DetectionResult, nodes []int) int {
	if p.cfg.RingScorePolicy == domain.RingScoreMax {
		best := 0
		for _, node := range nodes {
			best = max(best, results[node].Score)
		}
		return best
	}

	sum := 0
	for _, node := range nodes {
		sum += results[node].Score
	}
	return int(math.Round(float64(sum) / float64(len(nodes))))
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
