package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/broadvale/trustcore/internal/trust/store"
)

// HousekeepingService periodically clears expired records so challenges and
// dead sessions cannot grow without bound. Expiry is enforced at read time
// regardless; this worker only reclaims the rows.
type HousekeepingService struct {
	Store    store.Store
	Logger   *slog.Logger
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates the worker. A non-positive interval
// defaults to 15 minutes.
func NewHousekeepingService(st store.Store, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	return &HousekeepingService{
		Store:    st,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping started", "interval", s.Interval)
}

// Stop shuts the worker down, blocking until any in-progress sweep finishes.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.cleanup()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup runs each sweep independently; one failing never stops the others.
func (s *HousekeepingService) cleanup() {
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Store.Challenges().DeleteExpiredChallenges(ctx, now); err != nil {
		s.Logger.Error("failed to delete expired challenges", "error", err)
	}

	if n, err := s.Store.Sessions().TerminateExpiredSessions(ctx, now); err != nil {
		s.Logger.Error("failed to terminate expired sessions", "error", err)
	} else if n > 0 {
		s.Logger.Debug("terminated expired sessions", "count", n)
	}
}
