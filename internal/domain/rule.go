package domain

// RuleConfig defines a custom account rule evaluated against account aggregates.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Outcome bands for score-to-decision mapping
	Bands []RuleBand `json:"bands"`

	// Tag added to an account's detected patterns when the rule triggers.
	// Defaults to "rule_<id>".
	Tag string `json:"tag,omitempty"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// PatternTag returns the tag this rule contributes.
func (r *RuleConfig) PatternTag() string {
	if r.Tag != "" {
		return r.Tag
	}
	return "rule_" + r.ID
}

// RuleBand maps a score range to an outcome.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	SubRuleRef string   `json:"subRuleRef"` // e.g., ".pass", ".fail", ".review"
	Reason     string   `json:"reason"`
}

// RuleResult is the output of a rule evaluation for one account.
type RuleResult struct {
	RuleID     string  `json:"ruleId"`
	AccountID  string  `json:"accountId"`
	SubRuleRef string  `json:"subRuleRef"` // ".pass", ".fail", ".err"
	Score      float64 `json:"score"`      // The computed value
	Reason     string  `json:"reason"`
	Tag        string  `json:"tag,omitempty"`
}

// Triggered reports whether the result should tag the account.
func (r RuleResult) Triggered() bool {
	return r.SubRuleRef == RuleOutcomeFail || r.SubRuleRef == RuleOutcomeReview
}

// Predefined rule outcomes
const (
	RuleOutcomePass   = ".pass"
	RuleOutcomeFail   = ".fail"
	RuleOutcomeReview = ".review"
	RuleOutcomeError  = ".err"
)
