// Package memkv is an in-process KeyValue driver. It serves single-node
// deployments and tests; multi-node deployments should use the redis driver
// so guard counters are shared.
package memkv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/broadvale/trustcore/internal/trust/store"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type KV struct {
	mu   sync.Mutex
	data map[string]entry

	// now is swappable for tests.
	now func() time.Time
}

func New() *KV {
	return &KV{
		data: make(map[string]entry),
		now:  time.Now,
	}
}

// NewWithClock builds a KV with a custom time source, for expiry tests.
func NewWithClock(now func() time.Time) *KV {
	kv := New()
	kv.now = now
	return kv
}

func (kv *KV) Get(ctx context.Context, key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	e, ok := kv.data[key]
	if !ok || e.expired(kv.now()) {
		delete(kv.data, key)
		return "", store.ErrNotFound
	}
	return e.value, nil
}

func (kv *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = kv.now().Add(ttl)
	}
	kv.data[key] = e
	return nil
}

func (kv *KV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	now := kv.now()
	e, ok := kv.data[key]
	if !ok || e.expired(now) {
		e = entry{value: "0"}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		n = 0
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	kv.data[key] = e
	return n, nil
}

func (kv *KV) Del(ctx context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	delete(kv.data, key)
	return nil
}

var _ store.KeyValue = (*KV)(nil)
