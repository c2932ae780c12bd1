package calculator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-rewards/talon/internal/condition"
	"github.com/open-rewards/talon/internal/domain"
)

// stubSpend is a SpendSource with fixed totals per basis.
type stubSpend struct {
	spendTotal  float64
	pointsTotal float64
	calls       int
}

func (s *stubSpend) PeriodTotalOrZero(ctx context.Context, instrumentID string, basis domain.CapBasis, period domain.SpendPeriodType, asOf time.Time, anchorDay int) float64 {
	s.calls++
	if basis == domain.CapBasisPoints {
		return s.pointsTotal
	}
	return s.spendTotal
}

func fptr(v float64) *float64 { return &v }

func newTestCalculator(t *testing.T, spend SpendSource) *Calculator {
	t.Helper()
	evaluator, err := condition.NewEvaluator()
	require.NoError(t, err)
	if spend == nil {
		spend = &stubSpend{}
	}
	return New(evaluator, spend)
}

func standardRule(id string, priority int, multiplier float64) *domain.RewardRule {
	return &domain.RewardRule{
		ID:       id,
		Name:     id,
		Enabled:  true,
		Priority: priority,
		Config: domain.RewardConfig{
			CalculationMethod: domain.MethodStandard,
			BaseMultiplier:    multiplier,
			PointsRounding:    domain.RoundFloor,
		},
	}
}

func TestCalculateStandard(t *testing.T) {
	calc := newTestCalculator(t, nil)
	ctx := context.Background()

	t.Run("base multiplier only", func(t *testing.T) {
		// amount=100, base=2x, block=1, floor -> 200 points
		rule := standardRule("r1", 0, 2)
		in := &domain.CalculationInput{Amount: 100, ProductID: "p1"}

		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})

		assert.Equal(t, int64(200), result.BasePoints)
		assert.Equal(t, int64(0), result.BonusPoints)
		assert.Equal(t, int64(200), result.TotalPoints)
		assert.Equal(t, "r1", result.AppliedRuleID)
		assert.True(t, result.MinSpendMet)
		assert.Empty(t, result.Messages)
	})

	t.Run("settlement amount drives the math", func(t *testing.T) {
		// presentment=700, settlement=600, base=1x, bonus=9x -> 600 + 5400
		rule := standardRule("r1", 0, 1)
		rule.Config.BonusMultiplier = 9
		in := &domain.CalculationInput{
			Amount:           700,
			SettlementAmount: fptr(600),
			ProductID:        "p1",
		}

		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})

		assert.Equal(t, int64(600), result.BasePoints)
		assert.Equal(t, int64(5400), result.BonusPoints)
		assert.Equal(t, int64(6000), result.TotalPoints)
	})

	t.Run("block size divides the amount", func(t *testing.T) {
		// amount=27, block=5, base=1x, floor -> floor(27/5) = 5 points
		rule := standardRule("r1", 0, 1)
		rule.Config.BlockSize = 5
		in := &domain.CalculationInput{Amount: 27, ProductID: "p1"}

		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})

		assert.Equal(t, int64(5), result.BasePoints)
	})

	t.Run("fractional points respect the rounding strategy", func(t *testing.T) {
		in := &domain.CalculationInput{Amount: 10.5, ProductID: "p1"}

		floor := standardRule("f", 0, 1)
		ceiling := standardRule("c", 0, 1)
		ceiling.Config.PointsRounding = domain.RoundCeiling
		nearest := standardRule("n", 0, 1)
		nearest.Config.PointsRounding = domain.RoundNearest

		assert.Equal(t, int64(10), calc.Calculate(ctx, in, nil, []*domain.RewardRule{floor}).BasePoints)
		assert.Equal(t, int64(11), calc.Calculate(ctx, in, nil, []*domain.RewardRule{ceiling}).BasePoints)
		assert.Equal(t, int64(11), calc.Calculate(ctx, in, nil, []*domain.RewardRule{nearest}).BasePoints)
	})
}

func TestCalculateMethods(t *testing.T) {
	calc := newTestCalculator(t, nil)
	ctx := context.Background()
	in := &domain.CalculationInput{Amount: 123.45, ProductID: "p1"}

	t.Run("flat_rate ignores the amount", func(t *testing.T) {
		rule := standardRule("r1", 0, 500)
		rule.Config.CalculationMethod = domain.MethodFlatRate

		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})
		assert.Equal(t, int64(500), result.BasePoints)
	})

	t.Run("direct multiplies the raw amount", func(t *testing.T) {
		rule := standardRule("r1", 0, 2)
		rule.Config.CalculationMethod = domain.MethodDirect
		rule.Config.BlockSize = 5 // block size has no effect on direct

		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})
		assert.Equal(t, int64(246), result.BasePoints)
	})

	t.Run("tiered earns base only from tiers", func(t *testing.T) {
		rule := standardRule("r1", 0, 1)
		rule.Config.CalculationMethod = domain.MethodTiered
		rule.Config.BonusTiers = []domain.BonusTier{
			{Name: "small", Priority: 1, Multiplier: 2, MaxAmount: fptr(100)},
			{Name: "large", Priority: 2, Multiplier: 3},
		}

		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})
		assert.Equal(t, int64(0), result.BasePoints)
		// 123.45 exceeds the "small" tier's max, so "large" applies: floor(123.45*3)
		assert.Equal(t, int64(370), result.BonusPoints)
		assert.Equal(t, "large", result.AppliedTierName)
	})
}

func TestCalculateAmountRounding(t *testing.T) {
	calc := newTestCalculator(t, nil)
	ctx := context.Background()
	in := &domain.CalculationInput{Amount: 27.9, ProductID: "p1"}

	t.Run("floor_to_block truncates to the block boundary", func(t *testing.T) {
		rule := standardRule("r1", 0, 1)
		rule.Config.BlockSize = 5
		rule.Config.AmountRounding = domain.AmountRoundFloorToBlock

		// 27.9 -> 25, then 25/5 = 5 points
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})
		assert.Equal(t, int64(5), result.BasePoints)
	})

	t.Run("amount ceiling before multiplication", func(t *testing.T) {
		rule := standardRule("r1", 0, 2)
		rule.Config.AmountRounding = domain.AmountRoundCeiling

		// 27.9 -> 28, 28*2 = 56
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})
		assert.Equal(t, int64(56), result.BasePoints)
	})
}

func TestCalculatePriorityOrder(t *testing.T) {
	calc := newTestCalculator(t, nil)
	ctx := context.Background()

	low := standardRule("low", 0, 1)
	high := standardRule("high", 100, 3)
	disabled := standardRule("disabled", 200, 10)
	disabled.Enabled = false

	in := &domain.CalculationInput{Amount: 100, ProductID: "p1"}
	result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{low, disabled, high})

	assert.Equal(t, "high", result.AppliedRuleID)
	assert.Equal(t, int64(300), result.BasePoints)
}

func TestCalculateFallthrough(t *testing.T) {
	calc := newTestCalculator(t, nil)
	ctx := context.Background()

	// Scenario: the high-priority rule requires an online transaction;
	// an in-store transaction falls through to the base rule.
	online := standardRule("online", 100, 5)
	online.Conditions = []domain.RuleCondition{
		{Type: domain.ConditionTransactionType, Operation: domain.OpInclude, Values: []string{domain.TxTypeOnline}},
	}
	base := standardRule("base", 0, 1)

	in := &domain.CalculationInput{Amount: 100, ProductID: "p1", IsOnline: false}
	result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{online, base})

	assert.Equal(t, "base", result.AppliedRuleID)
	assert.Equal(t, int64(100), result.BasePoints)
}

func TestCalculateNoMatch(t *testing.T) {
	calc := newTestCalculator(t, nil)
	ctx := context.Background()

	t.Run("no matching rule", func(t *testing.T) {
		rule := standardRule("r1", 0, 1)
		rule.Conditions = []domain.RuleCondition{
			{Type: domain.ConditionMCC, Operation: domain.OpInclude, Values: []string{"5411"}},
		}
		in := &domain.CalculationInput{Amount: 100, ProductID: "p1", MCC: "5999"}

		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})
		assert.Equal(t, int64(0), result.TotalPoints)
		assert.Empty(t, result.AppliedRuleID)
		assert.Contains(t, result.Messages, domain.MsgNoMatchingRule)
	})

	t.Run("no enabled rules", func(t *testing.T) {
		rule := standardRule("r1", 0, 1)
		rule.Enabled = false

		result := calc.Calculate(ctx, &domain.CalculationInput{Amount: 100}, nil, []*domain.RewardRule{rule})
		assert.Contains(t, result.Messages, domain.MsgNoEnabledRules)
	})

	t.Run("empty rule set", func(t *testing.T) {
		result := calc.Calculate(ctx, &domain.CalculationInput{Amount: 100}, nil, nil)
		assert.Contains(t, result.Messages, domain.MsgNoEnabledRules)
	})
}

func TestCalculateMinSpendGate(t *testing.T) {
	ctx := context.Background()

	t.Run("unmet minimum skips the rule", func(t *testing.T) {
		spend := &stubSpend{spendTotal: 300}
		calc := newTestCalculator(t, spend)

		gated := standardRule("gated", 100, 5)
		gated.Config.MonthlyMinSpend = fptr(500)
		base := standardRule("base", 0, 1)

		in := &domain.CalculationInput{Amount: 100, ProductID: "p1", InstrumentID: "card-1"}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{gated, base})

		// Fell through to the base rule; the unmet gate is reported.
		assert.Equal(t, "base", result.AppliedRuleID)
		assert.Equal(t, int64(100), result.TotalPoints)
		assert.Contains(t, result.Messages, domain.MsgMinSpendUnmet)
		assert.True(t, result.MinSpendMet, "a later rule applied")
	})

	t.Run("met minimum applies the rule", func(t *testing.T) {
		spend := &stubSpend{spendTotal: 800}
		calc := newTestCalculator(t, spend)

		gated := standardRule("gated", 100, 5)
		gated.Config.MonthlyMinSpend = fptr(500)

		in := &domain.CalculationInput{Amount: 100, ProductID: "p1", InstrumentID: "card-1"}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{gated})

		assert.Equal(t, "gated", result.AppliedRuleID)
		assert.True(t, result.MinSpendMet)
	})

	t.Run("no later match leaves MinSpendMet false", func(t *testing.T) {
		spend := &stubSpend{spendTotal: 0}
		calc := newTestCalculator(t, spend)

		gated := standardRule("gated", 100, 5)
		gated.Config.MonthlyMinSpend = fptr(500)

		in := &domain.CalculationInput{Amount: 100, ProductID: "p1", InstrumentID: "card-1"}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{gated})

		assert.False(t, result.MinSpendMet)
		assert.Contains(t, result.Messages, domain.MsgMinSpendUnmet)
		assert.Contains(t, result.Messages, domain.MsgNoMatchingRule)
	})
}

func TestCalculateCapClamping(t *testing.T) {
	ctx := context.Background()

	t.Run("partial budget clamps the bonus", func(t *testing.T) {
		// cap=2000, used=1800, uncapped bonus=500 -> bonus=200, remaining=0
		calc := newTestCalculator(t, &stubSpend{})

		rule := standardRule("r1", 0, 1)
		rule.Config.BonusMultiplier = 5
		rule.Config.MonthlyCap = fptr(2000)
		rule.Config.CapBasis = domain.CapBasisPoints

		in := &domain.CalculationInput{
			Amount:        100,
			ProductID:     "p1",
			InstrumentID:  "card-1",
			UsedCapPoints: fptr(1800),
		}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})

		assert.Equal(t, int64(100), result.BasePoints)
		assert.Equal(t, int64(200), result.BonusPoints)
		require.NotNil(t, result.RemainingCap)
		assert.Equal(t, int64(0), *result.RemainingCap)
		assert.Contains(t, result.Messages, domain.MsgCapReached)
	})

	t.Run("exhausted budget zeroes the bonus but not the base", func(t *testing.T) {
		calc := newTestCalculator(t, &stubSpend{})

		rule := standardRule("r1", 0, 1)
		rule.Config.BonusMultiplier = 5
		rule.Config.MonthlyCap = fptr(2000)

		in := &domain.CalculationInput{
			Amount:        100,
			ProductID:     "p1",
			InstrumentID:  "card-1",
			UsedCapPoints: fptr(2500),
		}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})

		assert.Equal(t, int64(100), result.BasePoints)
		assert.Equal(t, int64(0), result.BonusPoints)
		assert.Contains(t, result.Messages, domain.MsgCapReached)
	})

	t.Run("ample budget leaves the bonus alone", func(t *testing.T) {
		calc := newTestCalculator(t, &stubSpend{pointsTotal: 100})

		rule := standardRule("r1", 0, 1)
		rule.Config.BonusMultiplier = 2
		rule.Config.MonthlyCap = fptr(2000)

		in := &domain.CalculationInput{Amount: 100, ProductID: "p1", InstrumentID: "card-1"}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})

		assert.Equal(t, int64(200), result.BonusPoints)
		require.NotNil(t, result.RemainingCap)
		assert.Equal(t, int64(1700), *result.RemainingCap)
		assert.NotContains(t, result.Messages, domain.MsgCapReached)
	})

	t.Run("spend basis recomputes over the eligible fraction", func(t *testing.T) {
		calc := newTestCalculator(t, &stubSpend{})

		rule := standardRule("r1", 0, 1)
		rule.Config.BonusMultiplier = 2
		rule.Config.MonthlyCap = fptr(1000)
		rule.Config.CapBasis = domain.CapBasisSpend

		// used 950 of a 1000 spend cap: only 50 of the 100 spent is
		// eligible, so the 200-point bonus halves.
		in := &domain.CalculationInput{
			Amount:       100,
			ProductID:    "p1",
			InstrumentID: "card-1",
			UsedCapSpend: fptr(950),
		}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})

		assert.Equal(t, int64(100), result.BonusPoints)
		require.NotNil(t, result.RemainingCap)
		assert.Equal(t, int64(0), *result.RemainingCap)
	})
}

func TestCalculateBonusTiers(t *testing.T) {
	ctx := context.Background()

	t.Run("tiers selected by ascending priority", func(t *testing.T) {
		calc := newTestCalculator(t, nil)

		rule := standardRule("r1", 0, 1)
		rule.Config.BonusTiers = []domain.BonusTier{
			{Name: "fallback", Priority: 5, Multiplier: 1},
			{Name: "preferred", Priority: 1, Multiplier: 4, MinAmount: fptr(50)},
		}

		in := &domain.CalculationInput{Amount: 100, ProductID: "p1"}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})

		assert.Equal(t, "preferred", result.AppliedTierName)
		assert.Equal(t, int64(400), result.BonusPoints)
	})

	t.Run("tier replaces the flat bonus by default", func(t *testing.T) {
		calc := newTestCalculator(t, nil)

		rule := standardRule("r1", 0, 1)
		rule.Config.BonusMultiplier = 10
		rule.Config.BonusTiers = []domain.BonusTier{
			{Name: "t1", Priority: 1, Multiplier: 2},
		}

		in := &domain.CalculationInput{Amount: 100, ProductID: "p1"}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})
		assert.Equal(t, int64(200), result.BonusPoints)
	})

	t.Run("stack mode adds the tier on top", func(t *testing.T) {
		calc := newTestCalculator(t, nil)

		rule := standardRule("r1", 0, 1)
		rule.Config.BonusMultiplier = 10
		rule.Config.TierCombine = domain.TierStack
		rule.Config.BonusTiers = []domain.BonusTier{
			{Name: "t1", Priority: 1, Multiplier: 2},
		}

		in := &domain.CalculationInput{Amount: 100, ProductID: "p1"}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})
		assert.Equal(t, int64(1200), result.BonusPoints)
	})

	t.Run("spend-bound tier consults the tracker", func(t *testing.T) {
		spend := &stubSpend{spendTotal: 5000}
		calc := newTestCalculator(t, spend)

		rule := standardRule("r1", 0, 1)
		rule.Config.BonusTiers = []domain.BonusTier{
			{Name: "vip", Priority: 1, Multiplier: 5, MinSpend: fptr(3000)},
			{Name: "standard", Priority: 2, Multiplier: 1},
		}

		in := &domain.CalculationInput{Amount: 100, ProductID: "p1", InstrumentID: "card-1"}
		result := calc.Calculate(ctx, in, nil, []*domain.RewardRule{rule})

		assert.Equal(t, "vip", result.AppliedTierName)
		assert.Equal(t, int64(500), result.BonusPoints)
	})
}

func TestCalculateAccumulateMode(t *testing.T) {
	calc := newTestCalculator(t, nil)
	ctx := context.Background()

	product := &domain.CardProduct{
		ID:             "p1",
		EvaluationMode: domain.ModeAccumulate,
		PointsCurrency: "Miles",
	}

	first := standardRule("first", 100, 2)
	second := standardRule("second", 50, 1)
	nonMatching := standardRule("skipped", 10, 10)
	nonMatching.Conditions = []domain.RuleCondition{
		{Type: domain.ConditionMCC, Operation: domain.OpInclude, Values: []string{"0000"}},
	}

	in := &domain.CalculationInput{Amount: 100, ProductID: "p1", MCC: "5411"}
	result := calc.Calculate(ctx, in, product, []*domain.RewardRule{first, second, nonMatching})

	assert.Equal(t, int64(300), result.BasePoints)
	assert.Equal(t, int64(300), result.TotalPoints)
	assert.Equal(t, "Miles", result.PointsCurrency)
	assert.Empty(t, result.AppliedRuleID, "accumulate mode reports a breakdown instead")
	require.Len(t, result.Breakdown, 2)
	assert.Equal(t, "first", result.Breakdown[0].RuleID)
	assert.Equal(t, "second", result.Breakdown[1].RuleID)
}

func TestCalculateRuleCurrencyOverridesProduct(t *testing.T) {
	calc := newTestCalculator(t, nil)
	ctx := context.Background()

	product := &domain.CardProduct{ID: "p1", PointsCurrency: "Points"}
	rule := standardRule("r1", 0, 1)
	rule.Config.PointsCurrency = "Miles"

	in := &domain.CalculationInput{Amount: 100, ProductID: "p1"}
	result := calc.Calculate(ctx, in, product, []*domain.RewardRule{rule})

	assert.Equal(t, "Miles", result.PointsCurrency)
}

// ruleSourceFunc adapts a function to RuleSource.
type ruleSourceFunc func(ctx context.Context, productID string) ([]*domain.RewardRule, error)

func (f ruleSourceFunc) GetRulesForProduct(ctx context.Context, productID string) ([]*domain.RewardRule, error) {
	return f(ctx, productID)
}

type productSourceFunc func(ctx context.Context, productID string) (*domain.CardProduct, error)

func (f productSourceFunc) GetProduct(ctx context.Context, productID string) (*domain.CardProduct, error) {
	return f(ctx, productID)
}

func TestServiceCalculate(t *testing.T) {
	ctx := context.Background()
	calc := newTestCalculator(t, nil)

	t.Run("requires a product id", func(t *testing.T) {
		svc := NewService(calc, nil, nil)
		_, err := svc.Calculate(ctx, &domain.CalculationInput{Amount: 100})
		assert.True(t, domain.IsValidation(err))
	})

	t.Run("missing product falls back to defaults", func(t *testing.T) {
		rules := ruleSourceFunc(func(ctx context.Context, productID string) ([]*domain.RewardRule, error) {
			return []*domain.RewardRule{standardRule("r1", 0, 2)}, nil
		})
		products := productSourceFunc(func(ctx context.Context, productID string) (*domain.CardProduct, error) {
			return nil, domain.ErrNotFound
		})

		svc := NewService(calc, rules, products)
		result, err := svc.Calculate(ctx, &domain.CalculationInput{Amount: 100, ProductID: "unknown"})
		require.NoError(t, err)
		assert.Equal(t, int64(200), result.TotalPoints)
		assert.Equal(t, "r1", result.AppliedRuleID, "defaults to first_match")
	})

	t.Run("rule fetch failure propagates", func(t *testing.T) {
		rules := ruleSourceFunc(func(ctx context.Context, productID string) ([]*domain.RewardRule, error) {
			return nil, &domain.PersistenceError{Op: "list rules", Err: context.DeadlineExceeded}
		})
		products := productSourceFunc(func(ctx context.Context, productID string) (*domain.CardProduct, error) {
			return &domain.CardProduct{ID: productID}, nil
		})

		svc := NewService(calc, rules, products)
		_, err := svc.Calculate(ctx, &domain.CalculationInput{Amount: 100, ProductID: "p1"})
		assert.True(t, domain.IsPersistence(err))
	})
}
