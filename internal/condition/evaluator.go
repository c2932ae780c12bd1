// Package condition provides pure condition-tree evaluation for reward
// rules.
package condition

import (
	"slices"
	"strconv"
	"strings"

	"github.com/open-rewards/talon/internal/domain"
)

// Evaluator matches condition trees against transaction snapshots.
// Evaluation is pure and side-effect-free; the only internal state is
// the compiled-expression cache for expression leaves.
type Evaluator struct {
	programs *programCache
}

// NewEvaluator creates an evaluator. Returns an error only if the CEL
// environment cannot be constructed.
func NewEvaluator() (*Evaluator, error) {
	programs, err := newProgramCache()
	if err != nil {
		return nil, err
	}
	return &Evaluator{programs: programs}, nil
}

// Matches reports whether every top-level condition of the rule holds.
// An empty condition list always matches (a wildcard/base rule).
func (e *Evaluator) Matches(rule *domain.RewardRule, in *domain.CalculationInput) bool {
	for i := range rule.Conditions {
		if !e.Evaluate(&rule.Conditions[i], in) {
			return false
		}
	}
	return true
}

// Evaluate matches a single condition node against the snapshot,
// recursing through compound nodes.
//
// Missing-field policy: when the snapshot lacks the field a leaf needs,
// include/equals evaluate to false and exclude/not_equals evaluate to
// true. Absence cannot prove exclusion, so it does not exclude.
func (e *Evaluator) Evaluate(cond *domain.RuleCondition, in *domain.CalculationInput) bool {
	switch cond.Type {
	case domain.ConditionCompound:
		return e.evaluateCompound(cond, in)
	case domain.ConditionMCC:
		return matchMembership(in.MCC, cond.Operation, cond.Values)
	case domain.ConditionTransactionType:
		return matchTransactionType(in.TransactionTypes(), cond.Operation, cond.Values)
	case domain.ConditionCurrency:
		return matchMembership(in.Currency, cond.Operation, cond.Values)
	case domain.ConditionCategory:
		return matchMembership(in.Category, cond.Operation, cond.Values)
	case domain.ConditionMerchant:
		return matchMerchant(in.MerchantName, cond.Operation, cond.Values)
	case domain.ConditionAmount:
		return matchAmount(in.EffectiveAmount(), cond)
	case domain.ConditionExpression:
		return e.evaluateExpression(cond.Expression, in)
	default:
		// Unknown leaf types never match. Legacy shapes are normalized
		// before rules reach the evaluator.
		return false
	}
}

func (e *Evaluator) evaluateCompound(cond *domain.RuleCondition, in *domain.CalculationInput) bool {
	switch cond.Operation {
	case domain.OpAll:
		for i := range cond.SubConditions {
			if !e.Evaluate(&cond.SubConditions[i], in) {
				return false
			}
		}
		return true
	case domain.OpAny:
		for i := range cond.SubConditions {
			if e.Evaluate(&cond.SubConditions[i], in) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// matchMembership handles include/exclude/equals/not_equals against a
// single string field.
func matchMembership(field string, op domain.ConditionOperation, values []string) bool {
	if field == "" {
		return isNegative(op)
	}
	found := slices.Contains(values, field)
	switch op {
	case domain.OpInclude, domain.OpEquals:
		return found
	case domain.OpExclude, domain.OpNotEquals:
		return !found
	default:
		return false
	}
}

// matchTransactionType compares the snapshot's derived types against the
// condition's values. The derived set is never empty, so the
// missing-field policy does not apply here.
func matchTransactionType(derived []string, op domain.ConditionOperation, values []string) bool {
	found := false
	for _, d := range derived {
		if slices.Contains(values, d) {
			found = true
			break
		}
	}
	switch op {
	case domain.OpInclude, domain.OpEquals:
		return found
	case domain.OpExclude, domain.OpNotEquals:
		return !found
	default:
		return false
	}
}

// matchMerchant does a case-insensitive substring match against each
// listed merchant name.
func matchMerchant(name string, op domain.ConditionOperation, values []string) bool {
	if name == "" {
		return isNegative(op)
	}
	lower := strings.ToLower(name)
	found := false
	for _, v := range values {
		if v != "" && strings.Contains(lower, strings.ToLower(v)) {
			found = true
			break
		}
	}
	switch op {
	case domain.OpInclude, domain.OpEquals:
		return found
	case domain.OpExclude, domain.OpNotEquals:
		return !found
	default:
		return false
	}
}

// matchAmount compares the effective amount numerically. Range bounds
// are inclusive; a nil bound is open.
func matchAmount(amount float64, cond *domain.RuleCondition) bool {
	switch cond.Operation {
	case domain.OpRange, domain.OpInclude:
		return inRange(amount, cond.Min, cond.Max)
	case domain.OpExclude:
		return !inRange(amount, cond.Min, cond.Max)
	case domain.OpEquals:
		target, ok := firstFloat(cond.Values)
		return ok && amount == target
	case domain.OpNotEquals:
		target, ok := firstFloat(cond.Values)
		return !ok || amount != target
	default:
		return false
	}
}

func inRange(amount float64, min, max *float64) bool {
	if min != nil && amount < *min {
		return false
	}
	if max != nil && amount > *max {
		return false
	}
	return true
}

func firstFloat(values []string) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(values[0], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isNegative(op domain.ConditionOperation) bool {
	return op == domain.OpExclude || op == domain.OpNotEquals
}
