package condition

import (
	"github.com/open-rewards/talon/internal/domain"
)

// Normalize rewrites deprecated condition shapes into their modern
// equivalents. It is applied on the rule store's read paths so the
// evaluator never sees legacy branches.
//
// The only legacy shape is the boolean-valued "online" type:
//
//	{type: online, values: ["true"]}  → {type: transaction_type, operation: include, values: [online]}
//	{type: online, values: ["false"]} → {type: transaction_type, operation: include, values: [in_store]}
//
// A negative operation (exclude/not_equals) flips the derived value.
func Normalize(cond domain.RuleCondition) domain.RuleCondition {
	if cond.Type == domain.ConditionCompound {
		subs := make([]domain.RuleCondition, len(cond.SubConditions))
		for i, sub := range cond.SubConditions {
			subs[i] = Normalize(sub)
		}
		cond.SubConditions = subs
		return cond
	}

	if cond.Type != domain.ConditionOnline {
		return cond
	}

	wantOnline := legacyBoolValue(cond.Values)
	if isNegative(cond.Operation) {
		wantOnline = !wantOnline
	}

	value := domain.TxTypeInStore
	if wantOnline {
		value = domain.TxTypeOnline
	}

	return domain.RuleCondition{
		Type:      domain.ConditionTransactionType,
		Operation: domain.OpInclude,
		Values:    []string{value},
	}
}

// NormalizeRule normalizes every condition of a rule in place.
func NormalizeRule(rule *domain.RewardRule) {
	for i, cond := range rule.Conditions {
		rule.Conditions[i] = Normalize(cond)
	}
}

// legacyBoolValue interprets the legacy condition's value list. An empty
// list historically meant "online".
func legacyBoolValue(values []string) bool {
	if len(values) == 0 {
		return true
	}
	switch values[0] {
	case "false", "0", "no":
		return false
	default:
		return true
	}
}
