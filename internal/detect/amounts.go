package detect

import (
	"context"
	"math"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
	"github.com/shopspring/decimal"
)

// AmountAnomaly flags accounts where some transaction amount is an outlier
// against the account's other amounts: x > mean + Sigma*max(std, StdFloor*mean),
// with mean and std taken over the remaining amounts.
type AmountAnomaly struct {
	Sigma      float64
	MinSamples int
	StdFloor   float64
}

// NewAmountAnomaly creates the amount anomaly detector from config.
func NewAmountAnomaly(cfg domain.DetectionConfig) *AmountAnomaly {
	return &AmountAnomaly{
		Sigma:      cfg.AnomalySigma,
		MinSamples: cfg.AnomalyMinSamples,
		StdFloor:   cfg.AnomalyStdFloor,
	}
}

func (a *AmountAnomaly) Name() string { return "amount_anomaly" }

func (a *AmountAnomaly) Detect(_ context.Context, g *graph.Graph) (*Report, error) {
	rep := NewReport(a.Name())
	minSamples := max(a.MinSamples, 2)

	for i, acct := range g.Accounts() {
		amounts := accountAmounts(g, acct)
		if len(amounts) < minSamples {
			continue
		}
		if a.outlier(amounts) {
			rep.Flag(i, domain.PatternAmountAnomaly, domain.Signals{})
		}
	}
	return rep, nil
}

func (a *AmountAnomaly) outlier(amounts []float64) bool {
	var sum, sumSq float64
	for _, x := range amounts {
		sum += x
		sumSq += x * x
	}

	rest := float64(len(amounts) - 1)
	for _, x := range amounts {
		mean := (sum - x) / rest
		variance := math.Max((sumSq-x*x)/rest-mean*mean, 0)
		spread := math.Max(math.Sqrt(variance), a.StdFloor*mean)
		if x > mean+a.Sigma*spread {
			return true
		}
	}
	return false
}

// RoundAmounts flags accounts where at least Ratio of their (at least MinTx)
// transactions are positive multiples of Unit.
type RoundAmounts struct {
	Unit  decimal.Decimal
	Ratio float64
	MinTx int
}

// NewRoundAmounts creates the round-amount structuring detector from config.
func NewRoundAmounts(cfg domain.DetectionConfig) *RoundAmounts {
	return &RoundAmounts{
		Unit:  decimal.NewFromInt(cfg.RoundAmountUnit),
		Ratio: cfg.RoundRatio,
		MinTx: cfg.RoundMinTx,
	}
}

func (r *RoundAmounts) Name() string { return "round_amounts" }

func (r *RoundAmounts) Detect(_ context.Context, g *graph.Graph) (*Report, error) {
	rep := NewReport(r.Name())
	if !r.Unit.IsPositive() {
		return rep, nil
	}

	for i, acct := range g.Accounts() {
		total, round := 0, 0
		forEachTouching(g, acct, func(tx *domain.Transaction) {
			total++
			if tx.Amount.IsPositive() && tx.Amount.Mod(r.Unit).IsZero() {
				round++
			}
		})
		if total < max(r.MinTx, 1) {
			continue
		}
		if float64(round)/float64(total) >= r.Ratio {
			rep.Flag(i, domain.PatternRoundAmount, domain.Signals{})
		}
	}
	return rep, nil
}

// forEachTouching visits every transaction touching the account once.
func forEachTouching(g *graph.Graph, acct *graph.Account, fn func(*domain.Transaction)) {
	for _, e := range acct.In {
		fn(g.Edge(e))
	}
	for _, e := range acct.Out {
		if tx := g.Edge(e); !tx.IsSelfLoop() {
			fn(tx)
		}
	}
}

func accountAmounts(g *graph.Graph, acct *graph.Account) []float64 {
	amounts := make([]float64, 0, acct.TxCount())
	forEachTouching(g, acct, func(tx *domain.Transaction) {
		amounts = append(amounts, tx.Amount.InexactFloat64())
	})
	return amounts
}
