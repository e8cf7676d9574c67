// Package rules provides the CEL-Go based custom account rule engine.
package rules

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/muleguard/internal/domain"
)

// Engine evaluates operator-defined CEL rules against account aggregates.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
	generation    atomic.Uint64
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// AccountFacts are the per-account aggregates exposed to rule expressions.
type AccountFacts struct {
	AccountID         string
	InAmount          float64
	OutAmount         float64
	InCount           int
	OutCount          int
	TxCount           int
	DistinctSenders   int
	DistinctReceivers int
	PassThroughRatio  float64
	ActiveHours       float64
	SelfLoops         int
	MaxAmount         float64
}

func (f AccountFacts) activation() map[string]any {
	return map[string]any{
		"account_id":         f.AccountID,
		"in_amount":          f.InAmount,
		"out_amount":         f.OutAmount,
		"in_count":           int64(f.InCount),
		"out_count":          int64(f.OutCount),
		"tx_count":           int64(f.TxCount),
		"distinct_senders":   int64(f.DistinctSenders),
		"distinct_receivers": int64(f.DistinctReceivers),
		"pass_through_ratio": f.PassThroughRatio,
		"active_hours":       f.ActiveHours,
		"self_loops":         int64(f.SelfLoops),
		"max_amount":         f.MaxAmount,
	}
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("account_id", cel.StringType),
		cel.Variable("in_amount", cel.DoubleType),
		cel.Variable("out_amount", cel.DoubleType),
		cel.Variable("in_count", cel.IntType),
		cel.Variable("out_count", cel.IntType),
		cel.Variable("tx_count", cel.IntType),
		cel.Variable("distinct_senders", cel.IntType),
		cel.Variable("distinct_receivers", cel.IntType),
		cel.Variable("pass_through_ratio", cel.DoubleType),
		cel.Variable("active_hours", cel.DoubleType),
		cel.Variable("self_loops", cel.IntType),
		cel.Variable("max_amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled
	e.generation.Add(1)

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// snapshot returns the loaded rules ordered by id.
func (e *Engine) snapshot() []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	slices.SortFunc(rules, func(a, b *CompiledRule) int {
		return strings.Compare(a.Config.ID, b.Config.ID)
	})
	return rules
}

// EvaluateAccounts evaluates every loaded rule against every account.
// Results are ordered by account, then rule id.
func (e *Engine) EvaluateAccounts(ctx context.Context, accounts []AccountFacts) ([]domain.RuleResult, error) {
	rules := e.snapshot()
	if len(rules) == 0 || len(accounts) == 0 {
		return nil, nil
	}

	// Parallel evaluation using worker pool pattern
	perAccount := make([][]domain.RuleResult, len(accounts))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i := range accounts {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			activation := accounts[idx].activation()
			results := make([]domain.RuleResult, len(rules))
			for j, r := range rules {
				results[j] = e.evaluateRule(r, activation, accounts[idx].AccountID)
			}
			perAccount[idx] = results
		}(i)
	}

	wg.Wait()

	out := make([]domain.RuleResult, 0, len(accounts)*len(rules))
	for _, results := range perAccount {
		out = append(out, results...)
	}
	return out, nil
}

// evaluateRule evaluates a single rule and returns the result.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any, accountID string) domain.RuleResult {
	result := domain.RuleResult{
		RuleID:    rule.Config.ID,
		AccountID: accountID,
		Tag:       rule.Config.PatternTag(),
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.SubRuleRef = domain.RuleOutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		return result
	}

	score := toScore(out)
	result.Score = score
	result.SubRuleRef, result.Reason = matchBand(score, rule.Config.Bands)

	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the first band whose [lower, upper) range holds the score.
// A missing upper limit is unbounded. Without bands, a boolean true fails.
func matchBand(score float64, bands []domain.RuleBand) (string, string) {
	if len(bands) == 0 {
		if score >= 1.0 {
			return domain.RuleOutcomeFail, "rule matched"
		}
		return domain.RuleOutcomePass, "rule not matched"
	}

	for _, band := range bands {
		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if score < lower {
			continue
		}
		if band.UpperLimit == nil || score < *band.UpperLimit {
			return band.SubRuleRef, band.Reason
		}
	}

	return domain.RuleOutcomePass, "no matching band"
}

// Generation changes whenever the loaded rule set changes.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	e.generation.Add(1)

	return nil
}

// RuleStore lists stored rule configurations.
type RuleStore interface {
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error)
}

// ReloadFrom replaces the loaded rules with the enabled rules in store and
// returns how many were loaded. On error the previous rules stay active.
func (e *Engine) ReloadFrom(ctx context.Context, store RuleStore, tenantID string) (int, error) {
	configs, err := store.ListRuleConfigs(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("listing rules: %w", err)
	}
	if err := e.ReloadRules(configs); err != nil {
		return 0, err
	}
	return e.RulesCount(), nil
}

// GetLoadedRules returns the currently loaded rule configurations ordered by id.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	compiled := e.snapshot()
	rules := make([]*domain.RuleConfig, 0, len(compiled))
	for _, c := range compiled {
		rules = append(rules, c.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
