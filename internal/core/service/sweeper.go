package service

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/stock-ledger/internal/logger"
	"github.com/rl1809/stock-ledger/internal/metrics"
)

// Sweeper periodically deletes expired lock rows and idempotency records.
type Sweeper struct {
	locks *LockManager
	idem  *IdempotencyStore

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func NewSweeper(locks *LockManager, idem *IdempotencyStore) *Sweeper {
	return &Sweeper{locks: locks, idem: idem}
}

// Start launches the sweep loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(interval, s.stop, s.done)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
}

func (s *Sweeper) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			logger.Ctx(context.Background()).Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			s.RunOnce(ctx)
			cancel()
		}
	}
}

// RunOnce performs a single sweep and returns the number of removed rows.
func (s *Sweeper) RunOnce(ctx context.Context) (locks, records int64) {
	log := logger.Ctx(ctx)

	locks, err := s.locks.SweepExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("lock sweep failed")
	} else if locks > 0 {
		metrics.Swept.WithLabelValues("stock_locks").Add(float64(locks))
		log.Warn().Int64("count", locks).Msg("reclaimed expired stock locks")
	}

	records, err = s.idem.SweepExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("idempotency sweep failed")
	} else if records > 0 {
		metrics.Swept.WithLabelValues("idempotency").Add(float64(records))
		log.Debug().Int64("count", records).Msg("purged expired idempotency records")
	}
	return locks, records
}
