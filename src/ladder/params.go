package ladder

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"martingaleexecutor/src/model"
)

const (
	DefaultQueueDepth = 10
)

// defaultNotionalCap bounds a single protective order when no explicit size cap is configured.
var defaultNotionalCap = decimal.NewFromInt(100000)

// ProfitTier overrides the profit ratio once the filled add count reaches MinAddCount.
type ProfitTier struct {
	MinAddCount int             `json:"min_add_count"`
	Ratio       decimal.Decimal `json:"ratio"`
}

// Params is immutable for the life of a strategy instance.
type Params struct {
	Leverage            decimal.Decimal `json:"leverage"`
	FirstMargin         decimal.Decimal `json:"first_margin"`
	MarginAddBase       decimal.Decimal `json:"margin_add_base"`
	MaxAddLevels        int             `json:"max_add_levels"`
	MarginMultiplier    decimal.Decimal `json:"margin_multiplier"`
	PriceStepMultiplier decimal.Decimal `json:"price_step_multiplier"`
	ProfitTargetRatio   decimal.Decimal `json:"profit_target_ratio"`
	AddTriggerRatio     decimal.Decimal `json:"add_trigger_ratio"`
	Direction           model.Direction `json:"direction"`
	QueueDepth          int             `json:"queue_depth"`
	MaxSingleOrderSize  decimal.Decimal `json:"max_single_order_size"`
	ProfitTiers         []ProfitTier    `json:"profit_tiers,omitempty"`
}

// Validate rejects parameter sets that cannot produce a sane ladder.
func (p Params) Validate() error {
	var errs []error

	if !p.Leverage.IsPositive() {
		errs = append(errs, errors.New("leverage must be positive"))
	}
	if !p.FirstMargin.IsPositive() {
		errs = append(errs, errors.New("first_margin must be positive"))
	}
	if p.MaxAddLevels < 0 {
		errs = append(errs, errors.New("max_add_levels must not be negative"))
	}
	if p.MaxAddLevels > 0 && !p.MarginAddBase.IsPositive() {
		errs = append(errs, errors.New("margin_add_base must be positive"))
	}
	if !p.MarginMultiplier.IsPositive() {
		errs = append(errs, errors.New("margin_multiplier must be positive"))
	}
	if !p.PriceStepMultiplier.IsPositive() {
		errs = append(errs, errors.New("price_step_multiplier must be positive"))
	}
	if !p.ProfitTargetRatio.IsPositive() {
		errs = append(errs, errors.New("profit_target_ratio must be positive"))
	}
	if !p.AddTriggerRatio.IsPositive() || p.AddTriggerRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("add_trigger_ratio must be in (0,1)"))
	}
	if p.Direction != model.DirectionLong && p.Direction != model.DirectionShort {
		errs = append(errs, fmt.Errorf("invalid direction %q", p.Direction))
	}
	if p.MaxSingleOrderSize.IsNegative() {
		errs = append(errs, errors.New("max_single_order_size must not be negative"))
	}

	return errors.Join(errs...)
}

// Depth is the sliding window size for live ADD orders.
func (p Params) Depth() int {
	if p.QueueDepth <= 0 {
		return DefaultQueueDepth
	}
	return p.QueueDepth
}

// ProfitRatio returns the profit target for the given filled add count.
func (p Params) ProfitRatio(addCount int) decimal.Decimal {
	ratio := p.ProfitTargetRatio
	for _, tier := range p.ProfitTiers {
		if addCount >= tier.MinAddCount {
			ratio = tier.Ratio
		}
	}
	return ratio
}

// ParseProfitTiers parses "addCount:ratio" pairs separated by commas, e.g. "5:0.002,8:0.005".
func ParseProfitTiers(s string) ([]ProfitTier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var tiers []ProfitTier
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid profit tier %q", part)
		}
		count, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid profit tier add count %q: %w", kv[0], err)
		}
		ratio, err := decimal.NewFromString(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid profit tier ratio %q: %w", kv[1], err)
		}
		if !ratio.IsPositive() {
			return nil, fmt.Errorf("profit tier ratio must be positive: %q", part)
		}
		tiers = append(tiers, ProfitTier{MinAddCount: count, Ratio: ratio})
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinAddCount < tiers[j].MinAddCount })
	return tiers, nil
}
