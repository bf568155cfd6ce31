package store

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Backend is "db" or "file".
	Backend     string        `envconfig:"STORE_BACKEND" default:"db"`
	Dir         string        `envconfig:"STORE_DIR" default:"."`
	MinInterval time.Duration `envconfig:"STORE_MIN_INTERVAL" default:"5s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
