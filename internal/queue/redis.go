package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const requestList = "excore:requests"

// RedisTransport carries requests and responses over Redis lists so the
// request façade and the gateway worker can live in separate processes.
// Responses sit in a per-requester reply list that expires after TTL when
// nothing consumes it.
type RedisTransport struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTransport connects to Redis and verifies the connection.
func NewRedisTransport(ctx context.Context, addr string, db int, responseTTL time.Duration) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if responseTTL <= 0 {
		responseTTL = 30 * time.Second
	}
	return &RedisTransport{client: client, ttl: responseTTL}, nil
}

func (t *RedisTransport) PublishRequest(ctx context.Context, req Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return t.client.LPush(ctx, requestList, raw).Err()
}

func (t *RedisTransport) Requests(ctx context.Context) (<-chan Request, error) {
	out := make(chan Request)
	go func() {
		defer close(out)
		for {
			res, err := t.client.BRPop(ctx, time.Second, requestList).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				// Transient broker error; back off briefly.
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			if len(res) != 2 {
				continue
			}
			var req Request
			if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
				continue
			}
			select {
			case out <- req:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *RedisTransport) PublishResponse(ctx context.Context, replyTo string, res Response) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	pipe := t.client.TxPipeline()
	pipe.LPush(ctx, replyTo, raw)
	pipe.Expire(ctx, replyTo, t.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (t *RedisTransport) Responses(ctx context.Context, replyTo string) (<-chan Response, error) {
	out := make(chan Response)
	go func() {
		defer close(out)
		for {
			res, err := t.client.BRPop(ctx, time.Second, replyTo).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			if len(res) != 2 {
				continue
			}
			var r Response
			if err := json.Unmarshal([]byte(res[1]), &r); err != nil {
				continue
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
