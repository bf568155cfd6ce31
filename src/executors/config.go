package executors

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AccountID      string `envconfig:"ACCOUNT_ID" default:"main"`
	TargetExchange string `envconfig:"TARGET_EXCHANGE" default:"phemex"`
	// APIKey and APISecret take precedence over credentials stored in the accounts table.
	APIKey    string `envconfig:"EXCHANGE_API_KEY"`
	APISecret string `envconfig:"EXCHANGE_API_SECRET"`
	RefPrefix string `envconfig:"REF_PREFIX" default:"MARTIN"`

	// Strategies is a comma separated list of SYMBOL:direction pairs, e.g. "BTCUSDT:long,ETHUSDT:short".
	Strategies string `envconfig:"STRATEGIES" default:"BTCUSDT:long"`
	// StrategyFile optionally holds per-strategy parameter overrides as JSON.
	StrategyFile string `envconfig:"STRATEGY_FILE"`

	Leverage            string `envconfig:"LEVERAGE" default:"10"`
	FirstMargin         string `envconfig:"FIRST_MARGIN" default:"20"`
	MarginAddBase       string `envconfig:"MARGIN_ADD_BASE" default:"20"`
	MaxAddLevels        int    `envconfig:"MAX_ADD_LEVELS" default:"8"`
	MarginMultiplier    string `envconfig:"MARGIN_MULTIPLIER" default:"1.5"`
	PriceStepMultiplier string `envconfig:"PRICE_STEP_MULTIPLIER" default:"1.2"`
	ProfitTargetRatio   string `envconfig:"PROFIT_TARGET_RATIO" default:"0.01"`
	AddTriggerRatio     string `envconfig:"ADD_TRIGGER_RATIO" default:"0.018"`
	QueueDepth          int    `envconfig:"QUEUE_DEPTH" default:"10"`
	MaxSingleOrderSize  string `envconfig:"MAX_SINGLE_ORDER_SIZE" default:"0"`
	ProfitTiers         string `envconfig:"PROFIT_TIERS"`

	UsePushStream bool `envconfig:"USE_PUSH_STREAM" default:"true"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
