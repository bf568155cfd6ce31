package ladder

import (
	"github.com/shopspring/decimal"
)

// Position is the running state of one martingale cycle.
// AvgCost is the volume-weighted mean of every OPEN/ADD fill since the last full close.
type Position struct {
	AvgCost    decimal.Decimal `json:"avg_cost"`
	Size       decimal.Decimal `json:"size"`
	AddCount   int             `json:"add_count"`
	MarginUsed decimal.Decimal `json:"margin_used"`
}

// Fill applies an OPEN or ADD fill. isAdd increments the add counter, capped at maxAdds.
func (p *Position) Fill(price, size, margin decimal.Decimal, isAdd bool, maxAdds int) {
	if !size.IsPositive() {
		return
	}
	p.AvgCost, p.Size = AddFill(p.AvgCost, p.Size, price, size)
	p.MarginUsed = p.MarginUsed.Add(margin)
	if isAdd && p.AddCount < maxAdds {
		p.AddCount++
	}
}

// Reduce removes closed size without touching the average.
func (p *Position) Reduce(size decimal.Decimal) {
	p.Size = p.Size.Sub(size)
	if !p.Size.IsPositive() {
		p.Reset()
	}
}

// Reset empties the position after a full close.
func (p *Position) Reset() {
	*p = Position{}
}

// Empty reports whether nothing is held.
func (p Position) Empty() bool {
	return !p.Size.IsPositive()
}
