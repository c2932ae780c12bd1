package calculator

import (
	"github.com/shopspring/decimal"

	"github.com/open-rewards/talon/internal/domain"
)

// roundPoints converts a raw points value to whole points using the
// rule's points rounding strategy. Floor truncates toward negative
// infinity; nearest rounds half up.
func roundPoints(raw decimal.Decimal, strategy domain.RoundingStrategy) int64 {
	switch strategy {
	case domain.RoundCeiling:
		return raw.Ceil().IntPart()
	case domain.RoundNearest:
		return raw.Round(0).IntPart()
	default: // floor
		return raw.Floor().IntPart()
	}
}

// roundAmount applies the rule's amount rounding strategy to the
// effective amount before any multiplier math. floor_to_block truncates
// the amount down to the nearest lower multiple of the block size,
// which is distinct from point rounding.
func roundAmount(amount decimal.Decimal, strategy domain.AmountRoundingStrategy, blockSize decimal.Decimal) decimal.Decimal {
	switch strategy {
	case domain.AmountRoundFloor:
		return amount.Floor()
	case domain.AmountRoundCeiling:
		return amount.Ceil()
	case domain.AmountRoundNearest:
		return amount.Round(0)
	case domain.AmountRoundFloorToBlock:
		if blockSize.IsZero() {
			return amount.Floor()
		}
		return amount.Div(blockSize).Floor().Mul(blockSize)
	default: // none
		return amount
	}
}

// blockPoints is the shared block-division formula:
// (amount / blockSize) * multiplier, rounded per the strategy.
func blockPoints(amount, blockSize, multiplier decimal.Decimal, strategy domain.RoundingStrategy) int64 {
	if blockSize.IsZero() {
		blockSize = decimal.NewFromInt(1)
	}
	raw := amount.Div(blockSize).Mul(multiplier)
	return roundPoints(raw, strategy)
}
