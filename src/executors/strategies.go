package executors

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"martingaleexecutor/src/ladder"
	"martingaleexecutor/src/model"
)

// Strategy is one (symbol, direction) pair with its ladder parameters.
type Strategy struct {
	Symbol string
	Params ladder.Params
}

func (s Strategy) Key() string { return model.StrategyKey(s.Symbol, s.Params.Direction) }

type strategyEntry struct {
	Symbol    string          `json:"symbol"`
	Direction string          `json:"direction"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// DefaultParams builds the parameter set shared by every strategy from the environment.
func (c Config) DefaultParams(direction model.Direction) (ladder.Params, error) {
	fields := map[string]string{
		"LEVERAGE":              c.Leverage,
		"FIRST_MARGIN":          c.FirstMargin,
		"MARGIN_ADD_BASE":       c.MarginAddBase,
		"MARGIN_MULTIPLIER":     c.MarginMultiplier,
		"PRICE_STEP_MULTIPLIER": c.PriceStepMultiplier,
		"PROFIT_TARGET_RATIO":   c.ProfitTargetRatio,
		"ADD_TRIGGER_RATIO":     c.AddTriggerRatio,
		"MAX_SINGLE_ORDER_SIZE": c.MaxSingleOrderSize,
	}
	values := make(map[string]decimal.Decimal, len(fields))
	for name, raw := range fields {
		if raw == "" {
			values[name] = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return ladder.Params{}, fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
		values[name] = d
	}
	tiers, err := ladder.ParseProfitTiers(c.ProfitTiers)
	if err != nil {
		return ladder.Params{}, err
	}

	return ladder.Params{
		Leverage:            values["LEVERAGE"],
		FirstMargin:         values["FIRST_MARGIN"],
		MarginAddBase:       values["MARGIN_ADD_BASE"],
		MaxAddLevels:        c.MaxAddLevels,
		MarginMultiplier:    values["MARGIN_MULTIPLIER"],
		PriceStepMultiplier: values["PRICE_STEP_MULTIPLIER"],
		ProfitTargetRatio:   values["PROFIT_TARGET_RATIO"],
		AddTriggerRatio:     values["ADD_TRIGGER_RATIO"],
		Direction:           direction,
		QueueDepth:          c.QueueDepth,
		MaxSingleOrderSize:  values["MAX_SINGLE_ORDER_SIZE"],
		ProfitTiers:         tiers,
	}, nil
}

// LoadStrategies resolves the configured strategies. Entries of STRATEGY_FILE start
// from the environment defaults and override only the fields they set.
func LoadStrategies(config Config) ([]Strategy, error) {
	var entries []strategyEntry
	if config.StrategyFile != "" {
		raw, err := os.ReadFile(config.StrategyFile)
		if err != nil {
			return nil, fmt.Errorf("read strategy file: %w", err)
		}
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parse strategy file %s: %w", config.StrategyFile, err)
		}
	} else {
		for _, part := range strings.Split(config.Strategies, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			symbol, dir, ok := strings.Cut(part, ":")
			if !ok {
				return nil, fmt.Errorf("invalid strategy %q, expected SYMBOL:direction", part)
			}
			entries = append(entries, strategyEntry{Symbol: symbol, Direction: dir})
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no strategies configured")
	}

	seen := map[string]bool{}
	out := make([]Strategy, 0, len(entries))
	for _, e := range entries {
		symbol := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("strategy without symbol")
		}
		dir, err := model.ParseDirection(e.Direction)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", symbol, err)
		}
		params, err := config.DefaultParams(dir)
		if err != nil {
			return nil, err
		}
		if len(e.Params) > 0 {
			if err := json.Unmarshal(e.Params, &params); err != nil {
				return nil, fmt.Errorf("strategy %s params: %w", symbol, err)
			}
			params.Direction = dir
		}
		if err := params.Validate(); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", symbol, err)
		}

		s := Strategy{Symbol: symbol, Params: params}
		if seen[s.Key()] {
			return nil, fmt.Errorf("strategy %s configured twice", s.Key())
		}
		seen[s.Key()] = true
		out = append(out, s)
	}
	return out, nil
}
