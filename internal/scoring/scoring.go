// Package scoring turns merged detector output into account scores and fraud rings.
package scoring

import (
	"slices"

	"github.com/opensource-finance/muleguard/internal/detect"
	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
)

// Processor applies the score formula, the merchant override and ring assembly.
type Processor struct {
	cfg domain.DetectionConfig
}

// NewProcessor creates a processor with the given thresholds and weights.
func NewProcessor(cfg domain.DetectionConfig) *Processor {
	return &Processor{cfg: cfg}
}

// Outcome is the scored view of one batch.
type Outcome struct {
	// Results is indexed by graph node.
	Results []*domain.DetectionResult
	Rings   []domain.FraudRing
}

// Score returns the bounded suspicion score for a signal set.
func (p *Processor) Score(s domain.Signals) int {
	score := 0
	if s.Cycle {
		score += p.cfg.CycleWeight
	}
	if s.Shell {
		score += p.cfg.ShellWeight
	}
	if s.Burst {
		score += p.cfg.BurstWeight
	}
	if s.FanIn {
		score += p.cfg.FanInWeight
	}
	if s.FanOut {
		score += p.cfg.FanOutWeight
	}
	return min(max(score, 0), p.cfg.MaxScore)
}

// Suspicious reports whether a final score meets the suspicious threshold.
func (p *Processor) Suspicious(score int) bool {
	return score >= p.cfg.SuspiciousThreshold
}

// Process scores every account, applies the merchant override, then assembles rings.
func (p *Processor) Process(g *graph.Graph, m *detect.Merged) *Outcome {
	results := make([]*domain.DetectionResult, g.Len())
	for i := range results {
		raw := p.Score(m.Signals[i])
		results[i] = &domain.DetectionResult{
			AccountID: g.ID(i),
			Patterns:  slices.Clone(m.Tags[i]),
			Signals:   m.Signals[i],
			RawScore:  raw,
			Score:     raw,
		}
	}

	ApplyMerchantFilter(results)
	DropMerchantSources(g, m.Tags, results)

	return &Outcome{
		Results: results,
		Rings:   p.AssembleRings(g, m, results),
	}
}
