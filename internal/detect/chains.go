package detect

import (
	"context"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
)

// Chains tags accounts on layered transfer chains: directed simple paths of at
// least MinHops hops whose intermediate accounts each deal with at most
// MaxDegree distinct senders and MaxDegree distinct receivers.
//
// Every account on a longer qualifying path also lies on a qualifying path of
// exactly MinHops hops, so the search never goes deeper than that.
type Chains struct {
	MinHops   int
	MaxDegree int
	MaxVisits int
}

// NewChains creates the layered chain detector from config.
func NewChains(cfg domain.DetectionConfig) *Chains {
	return &Chains{
		MinHops:   cfg.MinChainHops,
		MaxDegree: cfg.ChainMaxDegree,
		MaxVisits: cfg.MaxChainVisits,
	}
}

func (c *Chains) Name() string { return "layered_chain" }

func (c *Chains) Detect(ctx context.Context, g *graph.Graph) (*Report, error) {
	rep := NewReport(c.Name())
	if c.MinHops <= 0 || g.Len() == 0 {
		return rep, nil
	}

	layer := make([]bool, g.Len())
	for i, acct := range g.Accounts() {
		layer[i] = len(acct.Senders) <= c.MaxDegree && len(acct.Receivers) <= c.MaxDegree
	}

	onPath := make([]bool, g.Len())
	path := make([]int, 0, c.MinHops+1)
	visits := 0
	stop := ""

	var walk func(v int)
	walk = func(v int) {
		visits++
		if c.MaxVisits > 0 && visits > c.MaxVisits {
			stop = ReasonChainBudget
			return
		}
		if visits%checkEvery == 0 && ctx.Err() != nil {
			stop = ReasonDeadline
			return
		}

		if len(path)-1 == c.MinHops {
			for _, n := range path {
				rep.Flag(n, domain.PatternLayeredChain, domain.Signals{})
			}
			return
		}
		for _, w := range g.Successors(v) {
			if stop != "" {
				return
			}
			if onPath[w] {
				continue
			}
			// every position short of the end is an intermediate
			if len(path) < c.MinHops && !layer[w] {
				continue
			}
			onPath[w] = true
			path = append(path, w)
			walk(w)
			path = path[:len(path)-1]
			onPath[w] = false
		}
	}

	for start := 0; start < g.Len() && stop == ""; start++ {
		onPath[start] = true
		path = append(path[:0], start)
		walk(start)
		onPath[start] = false
	}

	if stop != "" {
		rep.markPartial(stop)
	}
	return rep, nil
}
