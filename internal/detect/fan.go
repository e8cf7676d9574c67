package detect

import (
	"context"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
)

// Fan flags accounts with many distinct counterparties on either side.
// Repeated transfers with the same counterparty count once.
type Fan struct {
	Threshold int
}

// NewFan creates the fan-in / fan-out detector from config.
func NewFan(cfg domain.DetectionConfig) *Fan {
	return &Fan{Threshold: cfg.FanThreshold}
}

func (f *Fan) Name() string { return "fan" }

func (f *Fan) Detect(_ context.Context, g *graph.Graph) (*Report, error) {
	rep := NewReport(f.Name())
	if f.Threshold <= 0 {
		return rep, nil
	}

	for i, acct := range g.Accounts() {
		if len(acct.Senders) >= f.Threshold {
			rep.Flag(i, domain.PatternFanIn, domain.Signals{FanIn: true})
			rep.FlaggedEdges = appendForeign(rep.FlaggedEdges, g, acct.In)
		}
		if len(acct.Receivers) >= f.Threshold {
			rep.Flag(i, domain.PatternFanOut, domain.Signals{FanOut: true})
			rep.FlaggedEdges = appendForeign(rep.FlaggedEdges, g, acct.Out)
		}
	}

	return rep, nil
}

// appendForeign appends the edges that are not self-loops.
func appendForeign(dst []int, g *graph.Graph, edges []int) []int {
	for _, e := range edges {
		if !g.Edge(e).IsSelfLoop() {
			dst = append(dst, e)
		}
	}
	return dst
}
