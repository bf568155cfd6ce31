package control

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	URL      string        `envconfig:"CONTROL_URL" default:"http://localhost:9898"`
	Token    string        `envconfig:"CONTROL_TOKEN"`
	Operator string        `envconfig:"CONTROL_OPERATOR"`
	Timeout  time.Duration `envconfig:"CONTROL_TIMEOUT" default:"15s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
