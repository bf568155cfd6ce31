package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"martingaleexecutor/cmd/control"
	"martingaleexecutor/cmd/executor"
	"martingaleexecutor/cmd/keys"
	"martingaleexecutor/src/database"
	"martingaleexecutor/src/repository"
	"martingaleexecutor/src/security"
)

var Version string

func SetupLogger() {
	config := database.GetConfig()

	level, err := logrus.ParseLevel(strings.ToLower(config.LogLevel))
	if err != nil {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(config.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()

	app := cli.NewApp()
	app.Name = "martingale"
	app.Usage = "Martingale ladder executor for perpetual futures"
	app.Version = Version

	app.Commands = []cli.Command{
		startCMD,
		stopCMD,
		statusCMD,
		exitCMD,
		keysCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	startCMD = cli.Command{
		Name:        "start",
		Usage:       "run the executor",
		Action:      startAction,
		Description: `Runs every configured strategy until SIGINT, SIGTERM or an exit command`,
	}
	stopCMD = cli.Command{
		Name:   "stop",
		Usage:  "close one strategy, or all of them",
		Action: stopAction,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "key", Usage: "strategy key, e.g. BTCUSDT_LONG. Empty means every strategy"},
			cli.BoolFlag{Name: "wait", Usage: "let the current cycle finish before closing"},
		},
	}
	statusCMD = cli.Command{
		Name:   "status",
		Usage:  "show strategy status",
		Action: statusAction,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "key", Usage: "strategy key. Empty lists every strategy"},
		},
	}
	exitCMD = cli.Command{
		Name:   "exit",
		Usage:  "shut the executor down without closing positions",
		Action: exitAction,
	}
	keysCMD = cli.Command{
		Name:   "keys",
		Usage:  "encrypt exchange credentials",
		Action: keysAction,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "key", Usage: "exchange API key"},
			cli.StringFlag{Name: "secret", Usage: "exchange API secret"},
			cli.StringFlag{Name: "account", Usage: "account id, defaults to ACCOUNT_ID"},
			cli.StringFlag{Name: "exchange", Usage: "exchange name, defaults to TARGET_EXCHANGE"},
			cli.BoolFlag{Name: "store", Usage: "upsert the encrypted credentials into the accounts table"},
			cli.BoolFlag{Name: "generate", Usage: "print a new EXCHANGE_CREDENTIALS_KEY and exit"},
		},
	}
)

func startAction(_ *cli.Context) error {
	logrus.WithField("cmd", "start").Info("Starting executor CMD")
	return (&executor.Executor{}).Start()
}

func stopAction(c *cli.Context) error {
	client := control.New(control.GetConfig())
	res, err := client.Stop(context.Background(), c.String("key"), c.Bool("wait"))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, res)
}

func statusAction(c *cli.Context) error {
	client := control.New(control.GetConfig())
	if key := c.String("key"); key != "" {
		detail, err := client.Strategy(context.Background(), key)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, detail)
	}
	statuses, err := client.Statuses(context.Background())
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, statuses)
}

func exitAction(c *cli.Context) error {
	if err := control.New(control.GetConfig()).Exit(context.Background()); err != nil {
		return err
	}
	_, err := fmt.Fprintln(c.App.Writer, "exit requested")
	return err
}

func keysAction(c *cli.Context) error {
	if c.Bool("generate") {
		key, err := security.GenerateKey()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.App.Writer, "EXCHANGE_CREDENTIALS_KEY=%s\n", key)
		return err
	}

	config := keys.GetConfig()
	req := keys.Request{
		AccountID:   config.AccountID,
		Exchange:    config.Exchange,
		Key:         c.String("key"),
		Secret:      c.String("secret"),
		RunOnServer: config.RunOnServer,
	}
	if v := c.String("account"); v != "" {
		req.AccountID = v
	}
	if v := c.String("exchange"); v != "" {
		req.Exchange = v
	}

	account, err := keys.Encrypt(req)
	if err != nil {
		return err
	}
	if !c.Bool("store") {
		return printJSON(c.App.Writer, map[string]string{
			"account":    account.AccountID,
			"exchange":   account.Exchange,
			"api_key":    account.APIKeyHash,
			"api_secret": account.APISecretHash,
		})
	}

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to database")
		return err
	}
	return keys.Store(context.Background(), repository.NewAccountRepository(), account)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
