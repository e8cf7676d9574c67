// Package report projects scored accounts, rings and the graph into the output contract.
package report

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
	"github.com/opensource-finance/muleguard/internal/scoring"
)

// Serializer builds AnalysisResult values.
type Serializer struct {
	threshold int
	maxNodes  int
}

// NewSerializer creates a serializer from config.
func NewSerializer(cfg domain.DetectionConfig) *Serializer {
	return &Serializer{threshold: cfg.SuspiciousThreshold, maxNodes: cfg.MaxVizNodes}
}

// Build assembles the result. Timing and batch counters in the summary are left
// for the caller to fill.
func (s *Serializer) Build(g *graph.Graph, out *scoring.Outcome) *domain.AnalysisResult {
	res := &domain.AnalysisResult{
		SuspiciousAccounts: s.accounts(out.Results),
		FraudRings:         out.Rings,
		GraphData:          s.graphData(g, out.Results),
	}
	if res.FraudRings == nil {
		res.FraudRings = []domain.FraudRing{}
	}

	res.Summary.TotalAccountsAnalyzed = g.Len()
	res.Summary.FraudRingsDetected = len(res.FraudRings)
	for _, r := range out.Results {
		if r.Score >= s.threshold {
			res.Summary.SuspiciousAccountsFlagged++
		}
	}
	return res
}

// accounts lists every account with at least one pattern, highest score first.
func (s *Serializer) accounts(results []*domain.DetectionResult) []domain.SuspiciousAccount {
	out := make([]domain.SuspiciousAccount, 0)
	for _, r := range results {
		if len(r.Patterns) == 0 {
			continue
		}
		acct := domain.SuspiciousAccount{
			AccountID:        r.AccountID,
			SuspicionScore:   r.Score,
			DetectedPatterns: slices.Clone(r.Patterns),
		}
		if r.RingID != "" {
			id := r.RingID
			acct.RingID = &id
		}
		out = append(out, acct)
	}

	slices.SortFunc(out, func(a, b domain.SuspiciousAccount) int {
		if c := cmp.Compare(b.SuspicionScore, a.SuspicionScore); c != 0 {
			return c
		}
		return strings.Compare(a.AccountID, b.AccountID)
	})
	return out
}

// graphData projects at most maxNodes accounts, suspicious and ring accounts first.
func (s *Serializer) graphData(g *graph.Graph, results []*domain.DetectionResult) domain.GraphData {
	order := make([]int, 0, len(results))
	var rest []int
	for i, r := range results {
		if r.Score >= s.threshold || r.RingID != "" {
			order = append(order, i)
		} else {
			rest = append(rest, i)
		}
	}
	order = append(order, rest...)
	if s.maxNodes > 0 && len(order) > s.maxNodes {
		order = order[:s.maxNodes]
	}

	shown := make(map[string]struct{}, len(order))
	nodes := make([]domain.GraphNode, 0, len(order))
	for _, i := range order {
		r := results[i]
		node := domain.GraphNode{
			ID:                r.AccountID,
			IsSuspicious:      r.Score >= s.threshold,
			IsFraudRingMember: r.RingID != "",
			SuspicionScore:    r.Score,
			RingIDs:           []string{},
		}
		if r.RingID != "" {
			node.RingIDs = append(node.RingIDs, r.RingID)
		}
		nodes = append(nodes, node)
		shown[r.AccountID] = struct{}{}
	}

	edges := make([]domain.GraphEdge, 0)
	for _, tx := range g.Edges() {
		if _, ok := shown[tx.SenderID]; !ok {
			continue
		}
		if _, ok := shown[tx.ReceiverID]; !ok {
			continue
		}
		edges = append(edges, domain.GraphEdge{
			Source:        tx.SenderID,
			Target:        tx.ReceiverID,
			Amount:        tx.Amount.InexactFloat64(),
			TransactionID: tx.ID,
			Timestamp:     tx.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	return domain.GraphData{Nodes: nodes, Edges: edges}
}
