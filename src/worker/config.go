package worker

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	PollInterval       time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"1500ms"`
	AuditInterval      time.Duration `envconfig:"WORKER_AUDIT_INTERVAL" default:"1h"`
	HedgeMaintainEvery time.Duration `envconfig:"WORKER_HEDGE_MAINTAIN_EVERY" default:"24h"`
	CommandBuffer      int           `envconfig:"WORKER_COMMAND_BUFFER" default:"16"`
	SuspendConfidence  float64       `envconfig:"WORKER_SUSPEND_CONFIDENCE" default:"0.5"`
	Tolerance          float64       `envconfig:"WORKER_POSITION_TOLERANCE" default:"0.10"`

	// Hedge triggers by filled add count. Zero disables the trigger.
	HedgeOpenAt     int     `envconfig:"WORKER_HEDGE_OPEN_AT" default:"8"`
	HedgeOpenAmount float64 `envconfig:"WORKER_HEDGE_OPEN_AMOUNT" default:"10"`
	HedgeClosePutAt int     `envconfig:"WORKER_HEDGE_CLOSE_PUT_AT" default:"10"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 1500 * time.Millisecond
	}
	if c.AuditInterval <= 0 {
		c.AuditInterval = time.Hour
	}
	if c.HedgeMaintainEvery <= 0 {
		c.HedgeMaintainEvery = 24 * time.Hour
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = 16
	}
	if c.SuspendConfidence <= 0 {
		c.SuspendConfidence = 0.5
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 0.10
	}
	return c
}
