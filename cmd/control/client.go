// Package control talks to a running executor's control server.
package control

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"

	"martingaleexecutor/src/auth"
	"martingaleexecutor/src/handler"
	"martingaleexecutor/src/worker"
)

type Client struct {
	http *resty.Client
}

// StrategyDetail mirrors GET /strategies/{key}.
type StrategyDetail struct {
	Status    worker.Status `json:"status"`
	LastEvent *worker.Event `json:"last_event,omitempty"`
}

// BroadcastResult mirrors POST /commands.
type BroadcastResult struct {
	Action  worker.CommandAction `json:"action"`
	Results map[string]string    `json:"results"`
}

func New(config Config) *Client {
	operator := config.Operator
	if operator == "" {
		operator, _ = os.Hostname()
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(config.URL, "/")).
		SetTimeout(config.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader(auth.OperatorHeader, operator)
	if config.Token != "" {
		c.SetAuthToken(config.Token)
	}
	return &Client{http: c}
}

func (c *Client) check(resp *resty.Response, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %s: %s", what, resp.Status(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// Command sends cmd to one strategy and returns the status it reported.
func (c *Client) Command(ctx context.Context, key string, payload handler.CommandPayload) (worker.Status, error) {
	var st worker.Status
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&st).
		Post("/strategies/" + url.PathEscape(key) + "/commands")
	if err := c.check(resp, err, payload.Action+" "+key); err != nil {
		return worker.Status{}, err
	}
	return st, nil
}

// Broadcast sends cmd to every strategy.
func (c *Client) Broadcast(ctx context.Context, payload handler.CommandPayload) (BroadcastResult, error) {
	var out BroadcastResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		Post("/commands")
	if err := c.check(resp, err, payload.Action); err != nil {
		return BroadcastResult{}, err
	}
	return out, nil
}

// Stop closes one strategy, or all of them when key is empty. With wait the
// strategies finish their current cycle first.
func (c *Client) Stop(ctx context.Context, key string, wait bool) (BroadcastResult, error) {
	action := worker.CommandClosePosition
	if wait {
		action = worker.CommandCloseWait
	}
	payload := handler.CommandPayload{Action: string(action)}
	if key == "" {
		return c.Broadcast(ctx, payload)
	}
	if _, err := c.Command(ctx, key, payload); err != nil {
		return BroadcastResult{}, err
	}
	return BroadcastResult{Action: action, Results: map[string]string{key: "queued"}}, nil
}

func (c *Client) Statuses(ctx context.Context) ([]worker.Status, error) {
	var out []worker.Status
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/strategies")
	if err := c.check(resp, err, "status"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Strategy(ctx context.Context, key string) (StrategyDetail, error) {
	var out StrategyDetail
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/strategies/" + url.PathEscape(key))
	if err := c.check(resp, err, "status "+key); err != nil {
		return StrategyDetail{}, err
	}
	return out, nil
}

// Exit asks the executor to shut down.
func (c *Client) Exit(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/exit")
	if err := c.check(resp, err, "exit"); err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusAccepted {
		return fmt.Errorf("exit: unexpected status %s", resp.Status())
	}
	return nil
}
