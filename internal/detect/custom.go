package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
	"github.com/opensource-finance/muleguard/internal/rules"
)

// AccountEvaluator evaluates custom rules for a set of accounts.
type AccountEvaluator interface {
	EvaluateAccounts(ctx context.Context, accounts []rules.AccountFacts) ([]domain.RuleResult, error)
}

// CustomRules tags accounts matched by operator-defined CEL rules.
// Tags are informational and never feed the score.
type CustomRules struct {
	Evaluator AccountEvaluator
}

// NewCustomRules wraps a rule evaluator as a detector.
func NewCustomRules(eval AccountEvaluator) *CustomRules {
	return &CustomRules{Evaluator: eval}
}

func (c *CustomRules) Name() string { return "custom_rules" }

func (c *CustomRules) Detect(ctx context.Context, g *graph.Graph) (*Report, error) {
	rep := NewReport(c.Name())
	if c.Evaluator == nil || g.Len() == 0 {
		return rep, nil
	}

	facts := make([]rules.AccountFacts, g.Len())
	for i, acct := range g.Accounts() {
		facts[i] = Facts(g, acct)
	}

	results, err := c.Evaluator.EvaluateAccounts(ctx, facts)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		rep.markPartial(ReasonDeadline)
		return rep, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evaluating custom rules: %w", err)
	}

	for _, r := range results {
		if !r.Triggered() {
			continue
		}
		if node, ok := g.Index(r.AccountID); ok {
			rep.Flag(node, r.Tag, domain.Signals{})
		}
	}
	return rep, nil
}

// Facts derives the rule inputs for one account.
func Facts(g *graph.Graph, acct *graph.Account) rules.AccountFacts {
	f := rules.AccountFacts{
		AccountID:         acct.ID,
		InAmount:          acct.TotalIn.InexactFloat64(),
		OutAmount:         acct.TotalOut.InexactFloat64(),
		InCount:           acct.InCount,
		OutCount:          acct.OutCount,
		TxCount:           acct.TxCount(),
		DistinctSenders:   len(acct.Senders),
		DistinctReceivers: len(acct.Receivers),
		SelfLoops:         acct.SelfLoops,
		ActiveHours:       acct.LastSeen.Sub(acct.FirstSeen).Hours(),
	}
	if ratio, ok := acct.PassThroughRatio(); ok {
		f.PassThroughRatio = ratio.InexactFloat64()
	}
	forEachTouching(g, acct, func(tx *domain.Transaction) {
		f.MaxAmount = max(f.MaxAmount, tx.Amount.InexactFloat64())
	})
	return f
}
