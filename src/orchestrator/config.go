package orchestrator

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	EventBuffer     int           `envconfig:"ORCHESTRATOR_EVENT_BUFFER" default:"256"`
	ShutdownTimeout time.Duration `envconfig:"ORCHESTRATOR_SHUTDOWN_TIMEOUT" default:"30s"`
	ReplyTimeout    time.Duration `envconfig:"ORCHESTRATOR_REPLY_TIMEOUT" default:"10s"`
	StreamBuffer    int           `envconfig:"ORCHESTRATOR_STREAM_BUFFER" default:"256"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

func (c Config) withDefaults() Config {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 10 * time.Second
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 256
	}
	return c
}
