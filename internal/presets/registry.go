// Package presets holds the static catalog of known card products and
// their canonical starter rule sets. The registry is consulted once per
// product, when a recognized card is added, to seed the rule store. It
// plays no part in calculation.
package presets

import (
	"context"
	"sort"
	"time"

	"github.com/open-rewards/talon/internal/domain"
	"github.com/open-rewards/talon/internal/rulestore"
)

// Preset is one catalog entry: the product shape plus its starter rules.
type Preset struct {
	Key     string             `json:"key"`
	Product domain.CardProduct `json:"product"`
	Rules   []domain.RewardRule `json:"rules"`
}

// Registry is an in-memory preset catalog bound to a rule store and a
// product repository for bootstrapping.
type Registry struct {
	repo    domain.Repository
	store   *rulestore.Store
	presets map[string]Preset
}

// New builds a registry over the built-in catalog.
func New(repo domain.Repository, store *rulestore.Store) *Registry {
	return &Registry{
		repo:    repo,
		store:   store,
		presets: builtinPresets(),
	}
}

// List returns every preset, sorted by key.
func (r *Registry) List() []Preset {
	out := make([]Preset, 0, len(r.presets))
	for _, p := range r.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Get returns the preset for a key.
func (r *Registry) Get(key string) (Preset, bool) {
	p, ok := r.presets[key]
	return p, ok
}

// Bootstrap creates the product record and its starter rules under the
// given product id. Returns the number of rules created. Rule creation
// goes through the rule store, so cache invalidation and change events
// fire as for any other write.
func (r *Registry) Bootstrap(ctx context.Context, productID, presetKey string) (int, error) {
	if productID == "" {
		return 0, domain.NewValidationError("productId", "is required")
	}
	preset, ok := r.presets[presetKey]
	if !ok {
		return 0, domain.NewValidationError("presetKey", "unknown preset")
	}

	now := time.Now().UTC()
	product := preset.Product
	product.ID = productID
	product.CreatedAt = now
	product.UpdatedAt = now

	if err := r.repo.SaveProduct(ctx, &product); err != nil {
		return 0, err
	}

	created := 0
	for i := range preset.Rules {
		rule := preset.Rules[i]
		rule.ProductID = productID
		if _, err := r.store.CreateRule(ctx, &rule); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func ptr(v float64) *float64 { return &v }

// builtinPresets is the shipped catalog. Keys are stable identifiers
// used by the onboarding flow; multipliers and caps mirror the public
// terms of each program.
func builtinPresets() map[string]Preset {
	catalog := []Preset{
		{
			Key: "everyday-cashback",
			Product: domain.CardProduct{
				Name:           "Everyday Cashback",
				Network:        "visa",
				EvaluationMode: domain.ModeFirstMatch,
				PointsCurrency: "CashPoints",
			},
			Rules: []domain.RewardRule{
				{
					Name:     "Supermarket 3x",
					Enabled:  true,
					Priority: 100,
					Conditions: []domain.RuleCondition{
						{
							Type:      domain.ConditionMCC,
							Operation: domain.OpInclude,
							Values:    []string{"5411", "5422", "5451"},
						},
					},
					Config: domain.RewardConfig{
						CalculationMethod: domain.MethodStandard,
						BaseMultiplier:    1,
						BonusMultiplier:   2,
						PointsRounding:    domain.RoundFloor,
						MonthlyCap:        ptr(5000),
						CapBasis:          domain.CapBasisPoints,
						SpendPeriod:       domain.PeriodCalendar,
					},
				},
				{
					Name:     "Base earn",
					Enabled:  true,
					Priority: 0,
					Config: domain.RewardConfig{
						CalculationMethod: domain.MethodStandard,
						BaseMultiplier:    1,
						PointsRounding:    domain.RoundFloor,
					},
				},
			},
		},
		{
			Key: "online-rewards-plus",
			Product: domain.CardProduct{
				Name:           "Online Rewards Plus",
				Network:        "mastercard",
				EvaluationMode: domain.ModeFirstMatch,
				PointsCurrency: "RewardPoints",
			},
			Rules: []domain.RewardRule{
				{
					Name:     "Online spend 5x",
					Enabled:  true,
					Priority: 200,
					Conditions: []domain.RuleCondition{
						{
							Type:      domain.ConditionTransactionType,
							Operation: domain.OpInclude,
							Values:    []string{domain.TxTypeOnline},
						},
						{
							Type:      domain.ConditionCurrency,
							Operation: domain.OpInclude,
							Values:    []string{"USD"},
						},
					},
					Config: domain.RewardConfig{
						CalculationMethod: domain.MethodStandard,
						BaseMultiplier:    1,
						BonusMultiplier:   4,
						PointsRounding:    domain.RoundFloor,
						MonthlyCap:        ptr(10000),
						CapBasis:          domain.CapBasisPoints,
						MonthlyMinSpend:   ptr(500),
						SpendPeriod:       domain.PeriodStatement,
					},
				},
				{
					Name:     "Base earn",
					Enabled:  true,
					Priority: 0,
					Config: domain.RewardConfig{
						CalculationMethod: domain.MethodStandard,
						BaseMultiplier:    1,
						PointsRounding:    domain.RoundFloor,
					},
				},
			},
		},
		{
			Key: "travel-elite",
			Product: domain.CardProduct{
				Name:           "Travel Elite",
				Network:        "visa",
				EvaluationMode: domain.ModeAccumulate,
				PointsCurrency: "Miles",
			},
			Rules: []domain.RewardRule{
				{
					Name:     "Airline and hotel tiers",
					Enabled:  true,
					Priority: 300,
					Conditions: []domain.RuleCondition{
						{
							Type:      domain.ConditionCompound,
							Operation: domain.OpAny,
							SubConditions: []domain.RuleCondition{
								{
									Type:      domain.ConditionMCC,
									Operation: domain.OpRange,
									Min:       ptr(3000),
									Max:       ptr(3299),
								},
								{
									Type:      domain.ConditionCategory,
									Operation: domain.OpInclude,
									Values:    []string{"travel", "hotel"},
								},
							},
						},
					},
					Config: domain.RewardConfig{
						CalculationMethod: domain.MethodTiered,
						BaseMultiplier:    1.5,
						PointsRounding:    domain.RoundNearest,
						TierCombine:       domain.TierReplace,
						BonusTiers: []domain.BonusTier{
							{Name: "big ticket", Priority: 1, Multiplier: 3, MinAmount: ptr(1000)},
							{Name: "standard", Priority: 2, Multiplier: 1.5},
						},
						SpendPeriod: domain.PeriodCalendar,
					},
				},
				{
					Name:     "Foreign currency bonus",
					Enabled:  true,
					Priority: 100,
					Conditions: []domain.RuleCondition{
						{
							Type:      domain.ConditionCurrency,
							Operation: domain.OpExclude,
							Values:    []string{"USD"},
						},
					},
					Config: domain.RewardConfig{
						CalculationMethod: domain.MethodFlatRate,
						BaseMultiplier:    0,
						BonusMultiplier:   1,
						PointsRounding:    domain.RoundFloor,
					},
				},
				{
					Name:     "Base earn per block",
					Enabled:  true,
					Priority: 0,
					Config: domain.RewardConfig{
						CalculationMethod: domain.MethodStandard,
						BaseMultiplier:    1,
						PointsRounding:    domain.RoundFloor,
						AmountRounding:    domain.AmountRoundFloorToBlock,
						BlockSize:         5,
					},
				},
			},
		},
	}

	out := make(map[string]Preset, len(catalog))
	for _, p := range catalog {
		out[p.Key] = p
	}
	return out
}
