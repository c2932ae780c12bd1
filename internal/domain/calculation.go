package domain

// RuleBreakdown is the per-rule contribution included when a product is
// evaluated in accumulate mode.
type RuleBreakdown struct {
	RuleID      string `json:"ruleId"`
	RuleName    string `json:"ruleName"`
	BasePoints  int64  `json:"basePoints"`
	BonusPoints int64  `json:"bonusPoints"`
	TierName    string `json:"tierName,omitempty"`
}

// CalculationResult is the outcome of evaluating one transaction
// snapshot against a product's rules. "No matching rule", "cap reached"
// and "minimum spend not met" are reported through Messages, not errors.
type CalculationResult struct {
	BasePoints  int64 `json:"basePoints"`
	BonusPoints int64 `json:"bonusPoints"`
	TotalPoints int64 `json:"totalPoints"`

	PointsCurrency string `json:"pointsCurrency,omitempty"`

	MinSpendMet bool `json:"minSpendMet"`

	// RemainingCap is the cap budget left after this calculation, in the
	// cap's own basis. Nil when the applied rule has no cap.
	RemainingCap *int64 `json:"remainingCap,omitempty"`

	AppliedRuleID   string `json:"appliedRuleId,omitempty"`
	AppliedRuleName string `json:"appliedRuleName,omitempty"`
	AppliedTierName string `json:"appliedTierName,omitempty"`

	// Breakdown carries per-rule contributions in accumulate mode.
	Breakdown []RuleBreakdown `json:"breakdown,omitempty"`

	Messages []string `json:"messages,omitempty"`
}

// Diagnostic messages carried in CalculationResult.Messages.
const (
	MsgNoEnabledRules = "no enabled rules for product"
	MsgNoMatchingRule = "no matching rule"
	MsgMinSpendUnmet  = "minimum spend not met"
	MsgCapReached     = "bonus cap reached"
)
