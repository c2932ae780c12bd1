package domain

import (
	"time"
)

// ConditionType identifies what part of a transaction a condition inspects.
type ConditionType string

const (
	ConditionMCC             ConditionType = "mcc"
	ConditionTransactionType ConditionType = "transaction_type"
	ConditionCurrency        ConditionType = "currency"
	ConditionMerchant        ConditionType = "merchant"
	ConditionCategory        ConditionType = "category"
	ConditionAmount          ConditionType = "amount"
	ConditionCompound        ConditionType = "compound"

	// ConditionExpression holds a CEL expression for conditions the
	// declarative leaves cannot express.
	ConditionExpression ConditionType = "expression"

	// ConditionOnline is the deprecated boolean-valued shape. It is
	// normalized to ConditionTransactionType at load time and never
	// reaches the evaluator.
	ConditionOnline ConditionType = "online"
)

// ConditionOperation is how a condition compares its values.
type ConditionOperation string

const (
	OpInclude   ConditionOperation = "include"
	OpExclude   ConditionOperation = "exclude"
	OpEquals    ConditionOperation = "equals"
	OpNotEquals ConditionOperation = "not_equals"
	OpRange     ConditionOperation = "range"
	OpAll       ConditionOperation = "all"
	OpAny       ConditionOperation = "any"
)

// Derived transaction types for ConditionTransactionType leaves.
const (
	TxTypeOnline      = "online"
	TxTypeContactless = "contactless"
	TxTypeInStore     = "in_store"
)

// RuleCondition is one node of a condition tree. Leaf nodes compare a
// transaction field; compound nodes combine SubConditions with all/any.
type RuleCondition struct {
	Type      ConditionType      `json:"type"`
	Operation ConditionOperation `json:"operation,omitempty"`
	Values    []string           `json:"values,omitempty"`

	// Numeric bounds for amount range conditions.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Nested conditions for compound nodes.
	SubConditions []RuleCondition `json:"subConditions,omitempty"`

	// CEL expression for expression leaves.
	Expression string `json:"expression,omitempty"`
}

// CalculationMethod selects the base-points formula.
type CalculationMethod string

const (
	MethodStandard CalculationMethod = "standard"
	MethodTiered   CalculationMethod = "tiered"
	MethodFlatRate CalculationMethod = "flat_rate"
	MethodDirect   CalculationMethod = "direct"
)

// RoundingStrategy names a rounding policy for computed points.
type RoundingStrategy string

const (
	RoundFloor   RoundingStrategy = "floor"
	RoundCeiling RoundingStrategy = "ceiling"
	RoundNearest RoundingStrategy = "nearest"
)

// AmountRoundingStrategy names a rounding policy applied to the
// transaction amount before any multiplier math.
type AmountRoundingStrategy string

const (
	AmountRoundNone         AmountRoundingStrategy = "none"
	AmountRoundFloor        AmountRoundingStrategy = "floor"
	AmountRoundCeiling      AmountRoundingStrategy = "ceiling"
	AmountRoundNearest      AmountRoundingStrategy = "nearest"
	AmountRoundFloorToBlock AmountRoundingStrategy = "floor_to_block"
)

// CapBasis is what a monthly cap counts.
type CapBasis string

const (
	CapBasisPoints CapBasis = "points"
	CapBasisSpend  CapBasis = "spend"
)

// SpendPeriodType selects the window the spend tracker sums over.
type SpendPeriodType string

const (
	PeriodCalendar  SpendPeriodType = "calendar"
	PeriodStatement SpendPeriodType = "statement"
)

// TierCombineMode is how a matched bonus tier interacts with the rule's
// flat bonus multiplier.
type TierCombineMode string

const (
	// TierReplace uses the tier multiplier instead of the flat bonus.
	TierReplace TierCombineMode = "replace"

	// TierStack adds the tier bonus on top of the flat bonus.
	TierStack TierCombineMode = "stack"
)

// BonusTier is a conditional multiplier selected by transaction amount
// and/or period spend. Tiers are tried in ascending Priority order.
type BonusTier struct {
	Name       string   `json:"name"`
	Priority   int      `json:"priority"`
	Multiplier float64  `json:"multiplier"`
	MinAmount  *float64 `json:"minAmount,omitempty"`
	MaxAmount  *float64 `json:"maxAmount,omitempty"`
	MinSpend   *float64 `json:"minSpend,omitempty"`
	MaxSpend   *float64 `json:"maxSpend,omitempty"`
}

// RewardConfig declares how points are computed once a rule matches.
type RewardConfig struct {
	CalculationMethod CalculationMethod      `json:"calculationMethod"`
	BaseMultiplier    float64                `json:"baseMultiplier"`
	BonusMultiplier   float64                `json:"bonusMultiplier"`
	PointsRounding    RoundingStrategy       `json:"pointsRounding"`
	AmountRounding    AmountRoundingStrategy `json:"amountRounding"`

	// BlockSize is the spend unit that earns one multiplier application,
	// e.g. 5 means "points per 5 currency units". Zero means 1.
	BlockSize float64 `json:"blockSize"`

	BonusTiers  []BonusTier     `json:"bonusTiers,omitempty"`
	TierCombine TierCombineMode `json:"tierCombine,omitempty"`

	MonthlyCap      *float64 `json:"monthlyCap,omitempty"`
	CapBasis        CapBasis `json:"capBasis,omitempty"`
	MonthlyMinSpend *float64 `json:"monthlyMinSpend,omitempty"`

	SpendPeriod    SpendPeriodType `json:"spendPeriod,omitempty"`
	PointsCurrency string          `json:"pointsCurrency,omitempty"`
}

// RewardRule is a declarative earning rule owned by a card product.
// The top-level Conditions list is implicitly AND-ed; an empty list
// always matches (the product's base rule).
type RewardRule struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"productId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Enabled     bool            `json:"enabled"`
	Priority    int             `json:"priority"`
	Conditions  []RuleCondition `json:"conditions,omitempty"`
	Config      RewardConfig    `json:"config"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// EvaluationMode determines how the calculator walks a product's rules.
type EvaluationMode string

const (
	// ModeFirstMatch stops at the highest-priority matching rule.
	ModeFirstMatch EvaluationMode = "first_match"

	// ModeAccumulate sums points across every matching rule.
	ModeAccumulate EvaluationMode = "accumulate"
)

// CardProduct is a known card type. EvaluationMode and the statement
// anchor day are product-level settings consulted by the calculator.
type CardProduct struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Network            string         `json:"network,omitempty"`
	EvaluationMode     EvaluationMode `json:"evaluationMode"`
	StatementAnchorDay int            `json:"statementAnchorDay"`
	PointsCurrency     string         `json:"pointsCurrency,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}
