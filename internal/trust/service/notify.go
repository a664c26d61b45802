package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/broadvale/trustcore/pkg/slogx"
)

// NotifierConfig bounds how often one identity can be notified.
type NotifierConfig struct {
	// Every is the steady-state interval between notifications per identity.
	Every time.Duration
	// Burst allows this many back-to-back notifications before the interval
	// applies.
	Burst int
	// SendTimeout bounds each delivery attempt.
	SendTimeout time.Duration
}

func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Every:       5 * time.Minute,
		Burst:       2,
		SendTimeout: 10 * time.Second,
	}
}

// Notifier delivers security alerts asynchronously. Each identity gets its
// own token bucket so one noisy account cannot starve or spam the rest, and
// a flapping risk signal cannot page a user every few seconds.
type Notifier struct {
	Sender CodeSender
	Config NotifierConfig

	mu       sync.Mutex
	limiters map[string]*identityLimiter
	wg       sync.WaitGroup
}

type identityLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterMapHighWater triggers a prune of idle per-identity buckets.
const limiterMapHighWater = 4096

func NewNotifier(sender CodeSender, cfg NotifierConfig) *Notifier {
	if cfg.Every == 0 {
		cfg = DefaultNotifierConfig()
	}
	if sender == nil {
		sender = NoopSender{}
	}
	return &Notifier{
		Sender:   sender,
		Config:   cfg,
		limiters: make(map[string]*identityLimiter),
	}
}

// Notify queues one alert for delivery. It never blocks the caller: delivery
// runs in its own goroutine on a fresh context, and a rate-limited alert is
// dropped with a log line rather than queued.
func (n *Notifier) Notify(ctx context.Context, tenantID, identityID, message string) {
	log := slogx.FromContext(ctx)

	if !n.limiter(tenantID + ":" + identityID).Allow() {
		log.Debug("notification rate limited",
			slog.String("tenant_id", tenantID),
			slog.String("identity_id", identityID),
		)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.Background(), n.Config.SendTimeout)
		defer cancel()

		if err := n.Sender.Send(slogx.WithContext(sendCtx, log), identityID, message); err != nil {
			log.Error("notification delivery failed",
				slog.String("tenant_id", tenantID),
				slog.String("identity_id", identityID),
				slog.Any("error", err),
			)
		}
	}()
}

// Close waits for in-flight deliveries.
func (n *Notifier) Close() {
	n.wg.Wait()
}

func (n *Notifier) limiter(key string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	if len(n.limiters) >= limiterMapHighWater {
		n.pruneLocked(now)
	}

	entry, ok := n.limiters[key]
	if !ok {
		entry = &identityLimiter{lim: rate.NewLimiter(rate.Every(n.Config.Every), n.Config.Burst)}
		n.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.lim
}

// pruneLocked drops buckets idle long enough to have fully refilled anyway.
func (n *Notifier) pruneLocked(now time.Time) {
	idle := n.Config.Every * time.Duration(n.Config.Burst+1)
	for key, entry := range n.limiters {
		if now.Sub(entry.lastSeen) > idle {
			delete(n.limiters, key)
		}
	}
}
