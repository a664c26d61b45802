package memkv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/broadvale/trustcore/internal/trust/store"
)

func TestSetGetDel(t *testing.T) {
	t.Parallel()

	kv := New()
	ctx := context.Background()

	_, err := kv.Get(ctx, "absent")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, kv.Set(ctx, "k", "v", 0))
	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	require.NoError(t, kv.Del(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	kv := NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", "v", time.Minute))

	now = now.Add(59 * time.Second)
	_, err := kv.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = kv.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIncrTTLAnchoredToFirstIncrement(t *testing.T) {
	t.Parallel()

	now := time.Now()
	kv := NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	n, err := kv.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	now = now.Add(30 * time.Second)
	n, err = kv.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// The window runs from the first increment, so the counter resets here.
	now = now.Add(31 * time.Second)
	n, err = kv.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestIncrConcurrent(t *testing.T) {
	t.Parallel()

	kv := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := kv.Incr(ctx, "c", 0)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := kv.Get(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, "50", got)
}
