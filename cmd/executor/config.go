package executor

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// PanicGrace keeps the process alive briefly after a panic so the last logs ship.
	PanicGrace time.Duration `envconfig:"PANIC_GRACE" default:"5s"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
