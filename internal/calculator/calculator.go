// Package calculator orchestrates reward-rule evaluation: it walks a
// product's rules in priority order, matches condition trees, consults
// the spend tracker for gating and caps, and produces a calculation
// result.
package calculator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/open-rewards/talon/internal/condition"
	"github.com/open-rewards/talon/internal/domain"
)

// SpendSource supplies period totals for min-spend gating and cap
// enforcement. Implementations are fail-open: data-source errors come
// back as zero so the reward path stays available.
type SpendSource interface {
	PeriodTotalOrZero(ctx context.Context, instrumentID string, basis domain.CapBasis, period domain.SpendPeriodType, asOf time.Time, anchorDay int) float64
}

// RuleSource supplies the enabled rule set for a product (cache-first).
type RuleSource interface {
	GetRulesForProduct(ctx context.Context, productID string) ([]*domain.RewardRule, error)
}

// ProductSource supplies card-product settings (evaluation mode,
// statement anchor day).
type ProductSource interface {
	GetProduct(ctx context.Context, productID string) (*domain.CardProduct, error)
}

// Calculator computes points for a transaction snapshot against an
// explicit rule set. It holds no per-calculation state.
type Calculator struct {
	evaluator *condition.Evaluator
	spend     SpendSource
}

// New creates a calculator.
func New(evaluator *condition.Evaluator, spend SpendSource) *Calculator {
	return &Calculator{
		evaluator: evaluator,
		spend:     spend,
	}
}

// Calculate evaluates the snapshot against the given rules.
//
// Rules are walked in strictly descending priority order, stable on
// ties. In first_match mode the first matching rule wins; in accumulate
// mode every matching rule contributes. A rule whose monthly minimum
// spend is not met is skipped, not a failure. Absence of any matching
// rule is a normal, reportable outcome.
func (c *Calculator) Calculate(ctx context.Context, in *domain.CalculationInput, product *domain.CardProduct, rules []*domain.RewardRule) *domain.CalculationResult {
	result := &domain.CalculationResult{MinSpendMet: true}

	mode := domain.ModeFirstMatch
	anchorDay := 1
	if product != nil {
		if product.EvaluationMode != "" {
			mode = product.EvaluationMode
		}
		if product.StatementAnchorDay > 0 {
			anchorDay = product.StatementAnchorDay
		}
		result.PointsCurrency = product.PointsCurrency
	}

	enabled := make([]*domain.RewardRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	if len(enabled) == 0 {
		result.Messages = append(result.Messages, domain.MsgNoEnabledRules)
		return result
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority > enabled[j].Priority
	})

	totals := newPeriodTotals(c.spend, in, anchorDay)
	matched := 0

	for _, rule := range enabled {
		if !c.evaluator.Matches(rule, in) {
			continue
		}

		cfg := &rule.Config

		if cfg.MonthlyMinSpend != nil {
			spend := totals.spend(ctx, cfg.SpendPeriod)
			if spend < *cfg.MonthlyMinSpend {
				result.MinSpendMet = false
				result.Messages = append(result.Messages, domain.MsgMinSpendUnmet)
				continue
			}
		}

		contribution := c.applyRule(ctx, in, rule, totals, result)
		matched++
		result.MinSpendMet = true

		result.BasePoints += contribution.BasePoints
		result.BonusPoints += contribution.BonusPoints

		if cfg.PointsCurrency != "" {
			result.PointsCurrency = cfg.PointsCurrency
		}

		if mode == domain.ModeFirstMatch {
			result.AppliedRuleID = rule.ID
			result.AppliedRuleName = rule.Name
			result.AppliedTierName = contribution.TierName
			break
		}
		result.Breakdown = append(result.Breakdown, contribution)
	}

	if matched == 0 {
		result.Messages = append(result.Messages, domain.MsgNoMatchingRule)
		return result
	}

	result.TotalPoints = result.BasePoints + result.BonusPoints
	return result
}

// applyRule computes one matching rule's contribution, clamping the
// bonus to the rule's remaining cap budget.
func (c *Calculator) applyRule(ctx context.Context, in *domain.CalculationInput, rule *domain.RewardRule, totals *periodTotals, result *domain.CalculationResult) domain.RuleBreakdown {
	cfg := &rule.Config

	blockSize := decimal.NewFromFloat(cfg.BlockSize)
	if blockSize.IsZero() {
		blockSize = decimal.NewFromInt(1)
	}

	// Amount rounding applies before multiplier math; settlement amount
	// takes priority over presentment when both are supplied.
	effective := roundAmount(decimal.NewFromFloat(in.EffectiveAmount()), cfg.AmountRounding, blockSize)
	effectiveFloat, _ := effective.Float64()

	var base int64
	switch cfg.CalculationMethod {
	case domain.MethodDirect:
		base = roundPoints(effective.Mul(decimal.NewFromFloat(cfg.BaseMultiplier)), cfg.PointsRounding)
	case domain.MethodFlatRate:
		base = roundPoints(decimal.NewFromFloat(cfg.BaseMultiplier), cfg.PointsRounding)
	case domain.MethodTiered:
		base = 0
	default: // standard
		base = blockPoints(effective, blockSize, decimal.NewFromFloat(cfg.BaseMultiplier), cfg.PointsRounding)
	}

	var bonus int64
	if cfg.BonusMultiplier > 0 {
		bonus = blockPoints(effective, blockSize, decimal.NewFromFloat(cfg.BonusMultiplier), cfg.PointsRounding)
	}

	tierName := ""
	if len(cfg.BonusTiers) > 0 {
		if tier := c.selectTier(ctx, cfg, effectiveFloat, totals); tier != nil {
			tierName = tier.Name
			tierBonus := blockPoints(effective, blockSize, decimal.NewFromFloat(tier.Multiplier), cfg.PointsRounding)
			if cfg.TierCombine == domain.TierStack {
				bonus += tierBonus
			} else {
				bonus = tierBonus
			}
		}
	}

	if cfg.MonthlyCap != nil {
		bonus = c.clampToCap(ctx, in, cfg, effectiveFloat, bonus, totals, result)
	}

	return domain.RuleBreakdown{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		BasePoints:  base,
		BonusPoints: bonus,
		TierName:    tierName,
	}
}

// selectTier returns the first tier, in ascending priority order, whose
// amount and period-spend bounds all hold.
func (c *Calculator) selectTier(ctx context.Context, cfg *domain.RewardConfig, effective float64, totals *periodTotals) *domain.BonusTier {
	tiers := make([]domain.BonusTier, len(cfg.BonusTiers))
	copy(tiers, cfg.BonusTiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].Priority < tiers[j].Priority
	})

	for i := range tiers {
		t := &tiers[i]
		if t.MinAmount != nil && effective < *t.MinAmount {
			continue
		}
		if t.MaxAmount != nil && effective > *t.MaxAmount {
			continue
		}
		if t.MinSpend != nil || t.MaxSpend != nil {
			spend := totals.spend(ctx, cfg.SpendPeriod)
			if t.MinSpend != nil && spend < *t.MinSpend {
				continue
			}
			if t.MaxSpend != nil && spend > *t.MaxSpend {
				continue
			}
		}
		return t
	}
	return nil
}

// clampToCap enforces the rule's monthly cap. For a points-basis cap the
// bonus is clamped to the remaining point budget. For a spend-basis cap
// only the spend still inside the cap earns bonus, so the bonus is
// recomputed over the eligible fraction of the amount.
func (c *Calculator) clampToCap(ctx context.Context, in *domain.CalculationInput, cfg *domain.RewardConfig, effective float64, bonus int64, totals *periodTotals, result *domain.CalculationResult) int64 {
	capValue := *cfg.MonthlyCap

	switch cfg.CapBasis {
	case domain.CapBasisSpend:
		used := totals.spend(ctx, cfg.SpendPeriod)
		if in.UsedCapSpend != nil {
			used = *in.UsedCapSpend
		}
		budget := capValue - used
		if budget < 0 {
			budget = 0
		}
		if effective > budget {
			ratio := 0.0
			if effective > 0 {
				ratio = budget / effective
			}
			clamped := decimal.NewFromInt(bonus).Mul(decimal.NewFromFloat(ratio))
			newBonus := roundPoints(clamped, cfg.PointsRounding)
			if bonus > 0 && newBonus == 0 {
				result.Messages = append(result.Messages, domain.MsgCapReached)
			}
			bonus = newBonus
		}
		remaining := int64(budget - effective)
		if remaining < 0 {
			remaining = 0
		}
		result.RemainingCap = &remaining
		return bonus

	default: // points
		used := totals.points(ctx, cfg.SpendPeriod)
		if in.UsedCapPoints != nil {
			used = *in.UsedCapPoints
		}
		budget := int64(capValue - used)
		if budget < 0 {
			budget = 0
		}
		if bonus > budget {
			if budget == 0 && bonus > 0 {
				result.Messages = append(result.Messages, domain.MsgCapReached)
			}
			bonus = budget
		}
		if bonus == budget && bonus > 0 {
			// Exactly exhausted the budget.
			result.Messages = appendUnique(result.Messages, domain.MsgCapReached)
		}
		remaining := budget - bonus
		result.RemainingCap = &remaining
		return bonus
	}
}

func appendUnique(messages []string, msg string) []string {
	for _, m := range messages {
		if m == msg {
			return messages
		}
	}
	return append(messages, msg)
}

// periodTotals lazily resolves and memoizes spend and points totals per
// period type, so a calculation queries the tracker at most once per
// (basis, period) pair.
type periodTotals struct {
	source    SpendSource
	input     *domain.CalculationInput
	anchorDay int

	spendTotals  map[domain.SpendPeriodType]float64
	pointsTotals map[domain.SpendPeriodType]float64
}

func newPeriodTotals(source SpendSource, in *domain.CalculationInput, anchorDay int) *periodTotals {
	return &periodTotals{
		source:       source,
		input:        in,
		anchorDay:    anchorDay,
		spendTotals:  make(map[domain.SpendPeriodType]float64),
		pointsTotals: make(map[domain.SpendPeriodType]float64),
	}
}

func (p *periodTotals) spend(ctx context.Context, period domain.SpendPeriodType) float64 {
	if period == "" {
		period = domain.PeriodCalendar
	}
	if p.input.UsedCapSpend != nil {
		return *p.input.UsedCapSpend
	}
	if total, ok := p.spendTotals[period]; ok {
		return total
	}
	total := p.source.PeriodTotalOrZero(ctx, p.input.InstrumentID, domain.CapBasisSpend, period, p.asOf(), p.anchorDay)
	p.spendTotals[period] = total
	return total
}

func (p *periodTotals) points(ctx context.Context, period domain.SpendPeriodType) float64 {
	if period == "" {
		period = domain.PeriodCalendar
	}
	if p.input.UsedCapPoints != nil {
		return *p.input.UsedCapPoints
	}
	if total, ok := p.pointsTotals[period]; ok {
		return total
	}
	total := p.source.PeriodTotalOrZero(ctx, p.input.InstrumentID, domain.CapBasisPoints, period, p.asOf(), p.anchorDay)
	p.pointsTotals[period] = total
	return total
}

func (p *periodTotals) asOf() time.Time {
	if p.input.Date.IsZero() {
		return time.Now().UTC()
	}
	return p.input.Date
}

// Service is the calculate entry point used by the expense-entry flow:
// it resolves the product and its rules, then delegates to Calculate.
type Service struct {
	calc     *Calculator
	rules    RuleSource
	products ProductSource
}

// NewService creates a calculation service.
func NewService(calc *Calculator, rules RuleSource, products ProductSource) *Service {
	return &Service{
		calc:     calc,
		rules:    rules,
		products: products,
	}
}

// Calculate resolves the snapshot's product and rules and computes the
// result. A missing product record falls back to first_match defaults;
// a rule fetch failure propagates.
func (s *Service) Calculate(ctx context.Context, in *domain.CalculationInput) (*domain.CalculationResult, error) {
	if in.ProductID == "" {
		return nil, domain.NewValidationError("productId", "is required")
	}

	product, err := s.products.GetProduct(ctx, in.ProductID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("product lookup failed, using defaults",
			"product_id", in.ProductID,
			"error", err,
		)
	}

	rules, err := s.rules.GetRulesForProduct(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}

	return s.calc.Calculate(ctx, in, product, rules), nil
}
