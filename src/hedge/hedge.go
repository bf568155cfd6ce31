// Package hedge talks to the option-hedge worker over a request/response queue pair.
package hedge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"
)

type Action string

const (
	ActionOpenOption   Action = "open_op"
	ActionCloseAll     Action = "close_all"
	ActionClosePut     Action = "close_put"
	ActionMaintain     Action = "maintain"
	ActionGetPositions Action = "get_positions"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrNoResponse is returned by Transport.Pop when its poll window elapsed empty.
var ErrNoResponse = errors.New("no hedge response")

type Request struct {
	Action      Action  `json:"action"`
	TaskID      string  `json:"task_id"`
	StrategyKey string  `json:"strategy_key,omitempty"`
	AddCount    int     `json:"add_count,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
}

type Response struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Action    Action          `json:"action"`
	Positions json.RawMessage `json:"positions,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewRequest returns a request with a fresh task id {action}_{key}_{uuid}.
func NewRequest(action Action, strategyKey string) Request {
	return Request{
		Action:      action,
		TaskID:      fmt.Sprintf("%s_%s_%s", action, strategyKey, uuid.NewString()),
		StrategyKey: strategyKey,
	}
}

type Transport interface {
	Push(ctx context.Context, req Request) error
	// Pop blocks until a response arrives, ctx is done or the poll window elapses (ErrNoResponse).
	Pop(ctx context.Context) (Response, error)
	Close() error
}

// Client correlates responses to callers by task id.
type Client struct {
	transport Transport

	mu      sync.Mutex
	waiters map[string]chan Response
}

func NewClient(t Transport) *Client {
	return &Client{transport: t, waiters: map[string]chan Response{}}
}

// Run dispatches responses until ctx is done. Responses nobody waits for are logged and dropped.
func (c *Client) Run(ctx context.Context) error {
	for {
		resp, err := c.transport.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrNoResponse) {
				continue
			}
			logger.WithError(err).Warn("Hedge response read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.dispatch(resp)
	}
}

func (c *Client) dispatch(resp Response) {
	c.mu.Lock()
	ch, ok := c.waiters[resp.TaskID]
	if ok {
		delete(c.waiters, resp.TaskID)
	}
	c.mu.Unlock()

	fields := map[string]interface{}{
		"task_id": resp.TaskID,
		"action":  resp.Action,
		"status":  resp.Status,
	}
	if !ok {
		logger.WithFields(fields).Debug("Hedge response without waiter")
		return
	}
	ch <- resp
}

// Send is fire-and-forget.
func (c *Client) Send(ctx context.Context, req Request) error {
	if err := c.transport.Push(ctx, req); err != nil {
		return fmt.Errorf("hedge %s: %w", req.Action, err)
	}
	logger.WithFields(map[string]interface{}{
		"task_id":  req.TaskID,
		"action":   req.Action,
		"strategy": req.StrategyKey,
	}).Info("Hedge request sent")
	return nil
}

// Call sends req and waits up to timeout for the response carrying the same task id.
// Run must be active for responses to be delivered.
func (c *Client) Call(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.waiters[req.TaskID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, req.TaskID)
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, req); err != nil {
		return Response{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Status == StatusError {
			return resp, fmt.Errorf("hedge %s failed: %s", req.Action, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return Response{}, fmt.Errorf("hedge %s: no response for %s after %s", req.Action, req.TaskID, timeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Client) Close() error {
	return c.transport.Close()
}
