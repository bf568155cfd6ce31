package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	PhemexBaseURL     string        `envconfig:"PHEMEX_BASE_URL" default:"https://testnet-api.phemex.com"`
	PhemexWSURL       string        `envconfig:"PHEMEX_WS_URL" default:"wss://testnet-api.phemex.com/ws"`
	PhemexHTTPRetries int           `envconfig:"PHEMEX_HTTP_RETRIES" default:"0"`
	PhemexTimeout     time.Duration `envconfig:"PHEMEX_TIMEOUT" default:"15s"`
	PhemexPingEvery   time.Duration `envconfig:"PHEMEX_WS_PING" default:"20s"`

	BinanceTestnet   bool `envconfig:"BINANCE_TESTNET" default:"true"`
	BinanceHedgeMode bool `envconfig:"BINANCE_HEDGE_MODE" default:"true"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
