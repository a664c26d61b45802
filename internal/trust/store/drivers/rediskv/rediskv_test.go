package rediskv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/broadvale/trustcore/internal/trust/store"
)

func testKV(t *testing.T) (*KV, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	kv := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })
	return kv, mr
}

func TestGetMissing(t *testing.T) {
	kv, _ := testKV(t)

	_, err := kv.Get(context.Background(), "absent")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetGetDel(t *testing.T) {
	kv, _ := testKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", "v", time.Minute))

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	require.NoError(t, kv.Del(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIncrCountsUp(t *testing.T) {
	kv, _ := testKV(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := kv.Incr(ctx, "counter", time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestIncrTTLAnchoredToFirstFailure(t *testing.T) {
	kv, mr := testKV(t)
	ctx := context.Background()

	_, err := kv.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)

	// Later increments must not push the window out.
	mr.FastForward(30 * time.Second)
	_, err = kv.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)
	_, err = kv.Get(ctx, "counter")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestValuesExpire(t *testing.T) {
	kv, mr := testKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := kv.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
}
