package hedge

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Enabled       bool          `envconfig:"HEDGE_ENABLED" default:"false"`
	RedisAddr     string        `envconfig:"HEDGE_REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"HEDGE_REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"HEDGE_REDIS_DB" default:"0"`
	RequestQueue  string        `envconfig:"HEDGE_REQUEST_QUEUE" default:"hedge:requests"`
	ResponseQueue string        `envconfig:"HEDGE_RESPONSE_QUEUE" default:"hedge:responses"`
	PollTimeout   time.Duration `envconfig:"HEDGE_POLL_TIMEOUT" default:"1s"`
	CallTimeout   time.Duration `envconfig:"HEDGE_CALL_TIMEOUT" default:"30s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
