package service

import (
	"context"
	"log"
	"sync"
	"time"

	"entitlements-api/internal/repository"
)

// PruneScheduler periodically removes expired transaction-ownership and
// idempotency rows from backends that do not expire entries on their own
// (the SQL stores).
type PruneScheduler struct {
	pruner    repository.Pruner
	interval  time.Duration
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	isRunning bool
	mu        sync.Mutex
}

// NewPruneScheduler creates a scheduler. Interval defaults to 10 minutes.
func NewPruneScheduler(pruner repository.Pruner, interval time.Duration) *PruneScheduler {
	if interval == 0 {
		interval = 10 * time.Minute
	}
	return &PruneScheduler{
		pruner:   pruner,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the prune loop.
func (s *PruneScheduler) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ticker = time.NewTicker(s.interval)
	s.mu.Unlock()

	log.Printf("[PruneScheduler] Started - Interval: %v", s.interval)
	go s.run()
}

func (s *PruneScheduler) run() {
	for {
		select {
		case <-s.ticker.C:
			s.runPrune()
		case <-s.stopCh:
			log.Printf("[PruneScheduler] Stopped")
			return
		}
	}
}

func (s *PruneScheduler) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	pruned, err := s.pruner.PruneExpired(ctx)
	if err != nil {
		log.Printf("[PruneScheduler] Error during prune: %v", err)
		return
	}
	if pruned > 0 {
		log.Printf("[PruneScheduler] Removed %d expired rows", pruned)
	}
}

// Stop stops the scheduler.
func (s *PruneScheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.isRunning = false
	})
}
