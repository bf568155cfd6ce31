package recovery

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Lookback    time.Duration `envconfig:"RECOVERY_LOOKBACK" default:"48h"`
	MinLookback time.Duration `envconfig:"RECOVERY_MIN_LOOKBACK" default:"24h"`
	Tolerance   float64       `envconfig:"RECOVERY_TOLERANCE" default:"0.10"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
