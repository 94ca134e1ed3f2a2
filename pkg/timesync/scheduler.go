// ABOUTME: Periodic trigger for synchronization rounds
// ABOUTME: Runs a deferred first round, then one per interval, until stopped
package timesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// scheduler invokes run once right after start and then every interval.
// Rounds run on their own goroutine with a background context so stop never
// interrupts a round in flight.
type scheduler struct {
	interval time.Duration
	run      func(ctx context.Context) error
	onError  func(err error)
	log      *zap.Logger

	mutex  sync.Mutex
	cancel context.CancelFunc
}

func newScheduler(interval time.Duration, run func(ctx context.Context) error, onError func(error), log *zap.Logger) *scheduler {
	return &scheduler{
		interval: interval,
		run:      run,
		onError:  onError,
		log:      log,
	}
}

func (s *scheduler) start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.fire(ctx)
		for {
			select {
			case <-ctx.Done():
				s.log.Debug("stopped scheduled sync")
				return
			case <-ticker.C:
				s.fire(ctx)
			}
		}
	}()
}

func (s *scheduler) stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// fire starts a round unless the scheduler was stopped
func (s *scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	go s.runGuarded(ctx)
}

func (s *scheduler) runGuarded(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.onError(fmt.Errorf("panic during scheduled sync: %v", r))
		}
	}()

	if ctx.Err() != nil {
		return
	}
	if err := s.run(context.Background()); err != nil {
		s.onError(err)
	}
}
