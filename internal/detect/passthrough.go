package detect

import (
	"context"
	"slices"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
	"github.com/shopspring/decimal"
)

// PassThrough flags shell accounts that forward nearly everything they receive, quickly.
//
// Both pairing policies require total out / total in > Ratio. They differ in what
// counts as quick:
//   - aggregate: the latest outbound lies within Window of the earliest inbound.
//   - pairwise: outbound transfers consume earlier inbound funds first-in first-out;
//     funds forwarded within Window of their arrival are quick, and quick volume
//     must also exceed Ratio of the inbound total.
type PassThrough struct {
	Ratio   decimal.Decimal
	Window  time.Duration
	Pairing string
}

// NewPassThrough creates the shell detector from config.
func NewPassThrough(cfg domain.DetectionConfig) *PassThrough {
	pairing := cfg.PassThroughPairing
	if pairing == "" {
		pairing = domain.PairingPairwise
	}
	return &PassThrough{
		Ratio:   decimal.NewFromFloat(cfg.PassThroughRatio),
		Window:  cfg.PassThroughWindow,
		Pairing: pairing,
	}
}

func (p *PassThrough) Name() string { return "passthrough" }

func (p *PassThrough) Detect(_ context.Context, g *graph.Graph) (*Report, error) {
	rep := NewReport(p.Name())

	for i, acct := range g.Accounts() {
		ratio, ok := acct.PassThroughRatio()
		if !ok || !ratio.GreaterThan(p.Ratio) {
			continue
		}

		var edges []int
		if p.Pairing == domain.PairingAggregate {
			edges = p.aggregate(g, acct)
		} else {
			edges = p.pairwise(g, acct)
		}
		if len(edges) == 0 {
			continue
		}

		rep.Flag(i, domain.PatternPassThrough, domain.Signals{Shell: true})
		rep.FlaggedEdges = append(rep.FlaggedEdges, edges...)
	}

	return rep, nil
}

func (p *PassThrough) aggregate(g *graph.Graph, acct *graph.Account) []int {
	in := foreignTransfers(g, acct.In)
	out := foreignTransfers(g, acct.Out)
	if len(in) == 0 || len(out) == 0 {
		return nil
	}

	earliestIn := in[0].at
	latestOut := out[len(out)-1].at
	if latestOut.Before(earliestIn) || latestOut.Sub(earliestIn) > p.Window {
		return nil
	}

	edges := make([]int, 0, len(in)+len(out))
	for _, t := range in {
		edges = append(edges, t.edge)
	}
	for _, t := range out {
		edges = append(edges, t.edge)
	}
	return edges
}

func (p *PassThrough) pairwise(g *graph.Graph, acct *graph.Account) []int {
	in := foreignTransfers(g, acct.In)
	out := foreignTransfers(g, acct.Out)
	if len(in) == 0 || len(out) == 0 {
		return nil
	}

	type lot struct {
		transfer
		left decimal.Decimal
	}

	var (
		queue   []lot
		next    int
		quick   decimal.Decimal
		matched = make(map[int]struct{})
	)

	for _, o := range out {
		for next < len(in) && !in[next].at.After(o.at) {
			queue = append(queue, lot{transfer: in[next], left: in[next].amount})
			next++
		}

		need := o.amount
		for need.IsPositive() && len(queue) > 0 {
			head := &queue[0]
			take := decimal.Min(head.left, need)
			if o.at.Sub(head.at) <= p.Window {
				quick = quick.Add(take)
				matched[head.edge] = struct{}{}
				matched[o.edge] = struct{}{}
			}
			head.left = head.left.Sub(take)
			need = need.Sub(take)
			if !head.left.IsPositive() {
				queue = queue[1:]
			}
		}
	}

	if !quick.Div(acct.ForeignIn()).GreaterThan(p.Ratio) {
		return nil
	}

	edges := make([]int, 0, len(matched))
	for e := range matched {
		edges = append(edges, e)
	}
	slices.Sort(edges)
	return edges
}

type transfer struct {
	edge   int
	at     time.Time
	amount decimal.Decimal
}

// foreignTransfers returns the non-self-loop edges in time order.
func foreignTransfers(g *graph.Graph, edges []int) []transfer {
	out := make([]transfer, 0, len(edges))
	for _, e := range edges {
		tx := g.Edge(e)
		if tx.IsSelfLoop() {
			continue
		}
		out = append(out, transfer{edge: e, at: tx.Timestamp, amount: tx.Amount})
	}
	slices.SortStableFunc(out, func(a, b transfer) int { return a.at.Compare(b.at) })
	return out
}
