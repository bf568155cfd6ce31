package exchange

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	RetryAttempts    int           `envconfig:"EXCHANGE_RETRY_ATTEMPTS" default:"5"`
	RetryBaseDelay   time.Duration `envconfig:"EXCHANGE_RETRY_BASE_DELAY" default:"500ms"`
	RetryMaxDelay    time.Duration `envconfig:"EXCHANGE_RETRY_MAX_DELAY" default:"8s"`
	StatusQueryEvery time.Duration `envconfig:"EXCHANGE_STATUS_QUERY_SPACING" default:"50ms"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
