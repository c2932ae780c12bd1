package domain

import (
	"time"
)

// Transaction is a recorded card transaction. The spend tracker sums
// these when computing period totals for min-spend gating and caps.
type Transaction struct {
	ID           string `json:"id"`
	InstrumentID string `json:"instrumentId"`
	ProductID    string `json:"productId"`

	// Presentment amount (what the merchant charged).
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Settlement amount (what was actually debited, after conversion).
	SettlementAmount   *float64 `json:"settlementAmount,omitempty"`
	SettlementCurrency string   `json:"settlementCurrency,omitempty"`

	MCC           string `json:"mcc,omitempty"`
	MerchantName  string `json:"merchantName,omitempty"`
	Category      string `json:"category,omitempty"`
	IsOnline      bool   `json:"isOnline"`
	IsContactless bool   `json:"isContactless"`

	// BonusPoints attributed when the transaction was recorded. Summed by
	// the spend tracker for points-basis caps.
	BonusPoints int64 `json:"bonusPoints"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// CalculationInput is the transaction snapshot handed to the calculator.
// It is transient: constructed per call and never persisted.
type CalculationInput struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Settlement amount takes priority over Amount when present.
	SettlementAmount   *float64 `json:"settlementAmount,omitempty"`
	SettlementCurrency string   `json:"settlementCurrency,omitempty"`

	ProductID    string `json:"productId"`
	InstrumentID string `json:"instrumentId"`

	MCC           string `json:"mcc,omitempty"`
	MerchantName  string `json:"merchantName,omitempty"`
	Category      string `json:"category,omitempty"`
	IsOnline      bool   `json:"isOnline"`
	IsContactless bool   `json:"isContactless"`

	Date time.Time `json:"date"`

	// Cap budget already consumed in the active period. When nil the
	// calculator looks the totals up via the spend tracker.
	UsedCapPoints *float64 `json:"usedCapPoints,omitempty"`
	UsedCapSpend  *float64 `json:"usedCapSpend,omitempty"`
}

// EffectiveAmount returns the settlement amount when present, otherwise
// the presentment amount.
func (in *CalculationInput) EffectiveAmount() float64 {
	if in.SettlementAmount != nil {
		return *in.SettlementAmount
	}
	return in.Amount
}

// TransactionType derives the evaluator's transaction_type values from
// the online/contactless flags. A transaction is in_store iff it is not
// online; contactless is independent of the channel.
func (in *CalculationInput) TransactionTypes() []string {
	var types []string
	if in.IsOnline {
		types = append(types, TxTypeOnline)
	} else {
		types = append(types, TxTypeInStore)
	}
	if in.IsContactless {
		types = append(types, TxTypeContactless)
	}
	return types
}
