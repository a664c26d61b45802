// Package rediskv backs the KeyValue contract with redis so attempt counters
// and risk caches are shared across every node of a deployment.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/broadvale/trustcore/internal/trust/store"
)

type KV struct {
	client *redis.Client
}

func New(client *redis.Client) *KV {
	return &KV{client: client}
}

// NewFromAddr dials a redis instance by address.
func NewFromAddr(addr string) *KV {
	return New(redis.NewClient(&redis.Options{Addr: addr}))
}

func (kv *KV) Get(ctx context.Context, key string) (string, error) {
	val, err := kv.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("rediskv: get %q: %w", key, err)
	}
	return val, nil
}

func (kv *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := kv.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("rediskv: set %q: %w", key, err)
	}
	return nil
}

func (kv *KV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	// INCR then EXPIRE NX in one pipeline: the TTL lands only when the key
	// is new, so the window is anchored to the first increment.
	var incr *redis.IntCmd
	_, err := kv.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.ExpireNX(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rediskv: incr %q: %w", key, err)
	}
	return incr.Val(), nil
}

func (kv *KV) Del(ctx context.Context, key string) error {
	if err := kv.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("rediskv: del %q: %w", key, err)
	}
	return nil
}

func (kv *KV) Close() error { return kv.client.Close() }

var _ store.KeyValue = (*KV)(nil)
