package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *countingSender) Send(ctx context.Context, recipient, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recipient)
	return nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestNotifierRateLimiting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sender := &countingSender{}
	n := NewNotifier(sender, NotifierConfig{
		Every:       time.Hour,
		Burst:       2,
		SendTimeout: time.Second,
	})

	for i := 0; i < 5; i++ {
		n.Notify(ctx, testTenant, "alice", "alert")
	}
	n.Close()

	require.Equal(t, 2, sender.count(), "only the burst goes through")

	t.Run("identities do not share buckets", func(t *testing.T) {
		n.Notify(ctx, testTenant, "bob", "alert")
		n.Close()
		require.Equal(t, 3, sender.count())
	})

	t.Run("tenants do not share buckets", func(t *testing.T) {
		n.Notify(ctx, "tenant-b", "alice", "alert")
		n.Close()
		require.Equal(t, 4, sender.count())
	})
}

func TestNotifierNeverBlocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	n := NewNotifier(senderFunc(func(ctx context.Context, recipient, message string) error {
		<-release
		return nil
	}), DefaultNotifierConfig())

	done := make(chan struct{})
	go func() {
		n.Notify(ctx, testTenant, "alice", "alert")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow sender")
	}

	close(release)
	n.Close()
}

type senderFunc func(ctx context.Context, recipient, message string) error

func (f senderFunc) Send(ctx context.Context, recipient, message string) error {
	return f(ctx, recipient, message)
}
