package hedge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChanTransport is an in-process queue pair. The hedge side reads Requests and answers with Respond.
type ChanTransport struct {
	requests  chan Request
	responses chan Response
	closeOnce sync.Once
	done      chan struct{}
}

func NewChanTransport(buffer int) *ChanTransport {
	return &ChanTransport{
		requests:  make(chan Request, buffer),
		responses: make(chan Response, buffer),
		done:      make(chan struct{}),
	}
}

func (t *ChanTransport) Requests() <-chan Request {
	return t.requests
}

func (t *ChanTransport) Respond(resp Response) {
	select {
	case t.responses <- resp:
	case <-t.done:
	}
}

func (t *ChanTransport) Push(ctx context.Context, req Request) error {
	select {
	case t.requests <- req:
		return nil
	case <-t.done:
		return errors.New("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ChanTransport) Pop(ctx context.Context) (Response, error) {
	select {
	case resp := <-t.responses:
		return resp, nil
	case <-t.done:
		return Response{}, errors.New("transport closed")
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (t *ChanTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// RedisTransport pushes requests with LPUSH and pops responses with BRPOP.
type RedisTransport struct {
	rdb           *redis.Client
	requestQueue  string
	responseQueue string
	pollTimeout   time.Duration
}

func NewRedisTransport(config Config) *RedisTransport {
	rdb := redis.NewClient(&redis.Options{
		Addr:         config.RedisAddr,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		// BRPOP blocks for the poll window
		ReadTimeout: config.PollTimeout + 3*time.Second,
	})
	return NewRedisTransportWithClient(rdb, config)
}

func NewRedisTransportWithClient(rdb *redis.Client, config Config) *RedisTransport {
	poll := config.PollTimeout
	if poll <= 0 {
		poll = time.Second
	}
	return &RedisTransport{
		rdb:           rdb,
		requestQueue:  config.RequestQueue,
		responseQueue: config.ResponseQueue,
		pollTimeout:   poll,
	}
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

func (t *RedisTransport) Push(ctx context.Context, req Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return t.rdb.LPush(ctx, t.requestQueue, raw).Err()
}

func (t *RedisTransport) Pop(ctx context.Context) (Response, error) {
	res, err := t.rdb.BRPop(ctx, t.pollTimeout, t.responseQueue).Result()
	if errors.Is(err, redis.Nil) {
		return Response{}, ErrNoResponse
	}
	if err != nil {
		return Response{}, err
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return Response{}, fmt.Errorf("unexpected BRPOP reply of %d items", len(res))
	}
	return decodeResponse([]byte(res[1]))
}

func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}

func decodeResponse(raw []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("decode hedge response: %w", err)
	}
	if resp.TaskID == "" {
		return Response{}, errors.New("hedge response without task_id")
	}
	return resp, nil
}
