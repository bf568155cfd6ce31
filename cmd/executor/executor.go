package executor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"martingaleexecutor/src/executors"
)

type Executor struct{}

// start is swapped in tests.
var start = executors.Start

func (t *Executor) Start() (err error) {
	config := GetConfig()
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()
	defer handlePanic(config.PanicGrace, &err)

	exec := executors.GetConfig()
	logrus.WithFields(map[string]interface{}{
		"targetExchange": exec.TargetExchange,
		"account":        exec.AccountID,
	}).Info("Starting martingale executor")

	if err := start(ctx); err != nil {
		logrus.WithError(err).Error("Executor stopped with error")
		return err
	}
	logrus.Info("Executor stopped")
	return nil
}

func handlePanic(grace time.Duration, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("executor panic: %+v", r)
		logrus.WithError(*err).Error("Application panic")
		//nolint
		time.Sleep(grace)
	}
}
