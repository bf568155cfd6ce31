package model

import "github.com/shopspring/decimal"

// Instrument holds the contract specification needed for sizing.
type Instrument struct {
	Symbol        string          `json:"symbol"`
	ContractValue decimal.Decimal `json:"contract_value"`
	MinLot        decimal.Decimal `json:"min_lot"`
	LotStep       decimal.Decimal `json:"lot_step"`
	TickSize      decimal.Decimal `json:"tick_size"`
}

// Step returns the lot increment, falling back to the minimum lot.
func (i Instrument) Step() decimal.Decimal {
	if i.LotStep.IsPositive() {
		return i.LotStep
	}
	return i.MinLot
}
