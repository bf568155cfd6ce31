package keys

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AccountID   string `envconfig:"ACCOUNT_ID" default:"main"`
	Exchange    string `envconfig:"TARGET_EXCHANGE" default:"phemex"`
	RunOnServer bool   `envconfig:"RUN_ON_SERVER" default:"true"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
