package ladder

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"martingaleexecutor/src/model"
)

var one = decimal.NewFromInt(1)

// ----- plan -----

// Level is one rung of the ladder together with the position it produces once filled.
type Level struct {
	Index            int             `json:"index"`
	Role             model.Role      `json:"role"`
	Price            decimal.Decimal `json:"price"`
	Size             decimal.Decimal `json:"size"`
	Margin           decimal.Decimal `json:"margin"`
	AvgCost          decimal.Decimal `json:"avg_cost"`
	TotalSize        decimal.Decimal `json:"total_size"`
	ProfitPrice      decimal.Decimal `json:"profit_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

// Plan is the full ladder computed from an anchor price. Levels[0] is the OPEN level.
type Plan struct {
	Levels       []Level         `json:"levels"`
	BudgetMargin decimal.Decimal `json:"budget_margin"`
	Warnings     []string        `json:"warnings,omitempty"`
}

// Adds returns the ADD levels only.
func (p Plan) Adds() []Level {
	if len(p.Levels) <= 1 {
		return nil
	}
	return p.Levels[1:]
}

// Level returns the level with the given index.
func (p Plan) Level(index int) (Level, bool) {
	if index < 0 || index >= len(p.Levels) {
		return Level{}, false
	}
	return p.Levels[index], true
}

// Build computes the OPEN level and every ADD level from the anchor price.
// It performs no I/O and is fully deterministic for a given input.
func Build(p Params, inst model.Instrument, anchor decimal.Decimal) (Plan, error) {
	if err := p.Validate(); err != nil {
		return Plan{}, fmt.Errorf("invalid params: %w", err)
	}
	if !anchor.IsPositive() {
		return Plan{}, errors.New("anchor price must be positive")
	}
	if !inst.ContractValue.IsPositive() {
		return Plan{}, errors.New("contract value must be positive")
	}

	budget := BudgetMargin(p)
	plan := Plan{BudgetMargin: budget}

	openSize := OpenSize(p, inst, anchor)
	avg := anchor
	total := openSize
	plan.Levels = append(plan.Levels, Level{
		Index:            0,
		Role:             model.RoleOpen,
		Price:            anchor,
		Size:             openSize,
		Margin:           p.FirstMargin,
		AvgCost:          avg,
		TotalSize:        total,
		ProfitPrice:      ProfitPrice(avg, p.ProfitRatio(0), p.Direction, inst.TickSize),
		LiquidationPrice: LiquidationPrice(avg, total, budget, inst.ContractValue, p.Direction),
	})

	prev := anchor
	for i := 1; i <= p.MaxAddLevels; i++ {
		price := RoundPrice(LevelPrice(prev, p, i), inst.TickSize, p.Direction)
		if !price.IsPositive() {
			return Plan{}, fmt.Errorf("level %d price %s is not positive", i, price)
		}
		margin := LevelMargin(p, i)
		size := FloorToLot(margin.Mul(p.Leverage).Div(price.Mul(inst.ContractValue)), inst)

		before := plan.Levels[len(plan.Levels)-1]
		if LiquidatesBefore(before.LiquidationPrice, price, p.Direction) {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"estimated liquidation %s is reached before level %d at %s",
				before.LiquidationPrice.String(), i, price.String(),
			))
		}

		avg, total = AddFill(avg, total, price, size)
		plan.Levels = append(plan.Levels, Level{
			Index:            i,
			Role:             model.RoleAdd,
			Price:            price,
			Size:             size,
			Margin:           margin,
			AvgCost:          avg,
			TotalSize:        total,
			ProfitPrice:      ProfitPrice(avg, p.ProfitRatio(i), p.Direction, inst.TickSize),
			LiquidationPrice: LiquidationPrice(avg, total, budget, inst.ContractValue, p.Direction),
		})
		prev = price
	}

	return plan, nil
}

// ----- per level math -----

// LevelPrice moves the previous level price against the position.
// Level 1 uses step_multiplier^0, so a unit multiplier spaces levels evenly in ratio.
func LevelPrice(prev decimal.Decimal, p Params, index int) decimal.Decimal {
	step := p.AddTriggerRatio.Mul(p.PriceStepMultiplier.Pow(decimal.NewFromInt(int64(index - 1))))
	if p.Direction == model.DirectionShort {
		return prev.Mul(one.Add(step))
	}
	return prev.Mul(one.Sub(step))
}

// LevelMargin is margin_add_base * multiplier^(index-1).
func LevelMargin(p Params, index int) decimal.Decimal {
	return p.MarginAddBase.Mul(p.MarginMultiplier.Pow(decimal.NewFromInt(int64(index - 1))))
}

// BudgetMargin is the first margin plus every ADD margin.
func BudgetMargin(p Params) decimal.Decimal {
	total := p.FirstMargin
	for i := 1; i <= p.MaxAddLevels; i++ {
		total = total.Add(LevelMargin(p, i))
	}
	return total
}

// OpenSize sizes the first order from first_margin at the given price.
func OpenSize(p Params, inst model.Instrument, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !inst.ContractValue.IsPositive() {
		return decimal.Zero
	}
	return FloorToLot(p.FirstMargin.Mul(p.Leverage).Div(price.Mul(inst.ContractValue)), inst)
}

// FloorToLot floors to the lot increment and never returns less than one lot.
func FloorToLot(size decimal.Decimal, inst model.Instrument) decimal.Decimal {
	floored := TruncateToStep(size, inst.Step())
	if inst.MinLot.IsPositive() && floored.LessThan(inst.MinLot) {
		return inst.MinLot
	}
	return floored
}

// TruncateToStep floors without applying the one-lot minimum.
func TruncateToStep(size, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return size
	}
	return size.Div(step).Floor().Mul(step)
}

// RoundPrice snaps a price to tick. Long ADD prices round down, short round up,
// so a level never sits closer to the market than computed.
func RoundPrice(price, tick decimal.Decimal, direction model.Direction) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick)
	if direction == model.DirectionShort {
		return steps.Ceil().Mul(tick)
	}
	return steps.Floor().Mul(tick)
}

// ----- position math -----

// AddFill folds a fill into a running weighted average.
func AddFill(avg, total, price, size decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	newTotal := total.Add(size)
	if !newTotal.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	return avg.Mul(total).Add(price.Mul(size)).Div(newTotal), newTotal
}

// ProfitPrice is avg*(1+ratio) for long and avg*(1-ratio) for short,
// rounded to tick away from a loss.
func ProfitPrice(avg, ratio decimal.Decimal, direction model.Direction, tick decimal.Decimal) decimal.Decimal {
	if direction == model.DirectionShort {
		price := avg.Mul(one.Sub(ratio))
		if tick.IsPositive() {
			return price.Div(tick).Floor().Mul(tick)
		}
		return price
	}
	price := avg.Mul(one.Add(ratio))
	if tick.IsPositive() {
		return price.Div(tick).Ceil().Mul(tick)
	}
	return price
}

// LiquidationPrice estimates the liquidation price of a cross position backed by margin.
// Zero means the margin covers the whole notional and no liquidation is expected.
func LiquidationPrice(avg, size, margin, contractValue decimal.Decimal, direction model.Direction) decimal.Decimal {
	notional := size.Mul(avg).Mul(contractValue)
	if !notional.IsPositive() || margin.GreaterThanOrEqual(notional) {
		return decimal.Zero
	}
	ratio := margin.Div(notional)
	if direction == model.DirectionShort {
		return avg.Mul(one.Add(ratio))
	}
	return avg.Mul(one.Sub(ratio))
}

// LiquidatesBefore reports whether liq would be hit before price is reached.
func LiquidatesBefore(liq, price decimal.Decimal, direction model.Direction) bool {
	if liq.IsZero() {
		return false
	}
	if direction == model.DirectionShort {
		return liq.LessThanOrEqual(price)
	}
	return liq.GreaterThanOrEqual(price)
}

// DistanceToLiquidation is liq/last - 1. It is zero when either price is unknown.
func DistanceToLiquidation(liq, last decimal.Decimal) decimal.Decimal {
	if liq.IsZero() || !last.IsPositive() {
		return decimal.Zero
	}
	return liq.Div(last).Sub(one)
}

// MaxOrderSize caps a protective order. An explicit cap wins, otherwise the
// notional cap is converted to lots at the average price.
func MaxOrderSize(p Params, inst model.Instrument, avg decimal.Decimal) decimal.Decimal {
	if p.MaxSingleOrderSize.IsPositive() {
		return p.MaxSingleOrderSize
	}
	if !avg.IsPositive() || !inst.ContractValue.IsPositive() {
		return decimal.Zero
	}
	return TruncateToStep(defaultNotionalCap.Div(avg.Mul(inst.ContractValue)), inst.Step())
}

// ProfitSize is min(position - min_lot, max_single_order_size), floored to lot.
// The min_lot remainder stays open so the position is never closed to zero by a limit order.
// A result below one lot means there is nothing to protect.
func ProfitSize(position, maxSize decimal.Decimal, inst model.Instrument) decimal.Decimal {
	size := position.Sub(inst.MinLot)
	if maxSize.IsPositive() && size.GreaterThan(maxSize) {
		size = maxSize
	}
	size = TruncateToStep(size, inst.Step())
	if !size.IsPositive() || size.LessThan(inst.MinLot) {
		return decimal.Zero
	}
	return size
}
