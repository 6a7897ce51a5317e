package cache

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// syncScheduler runs the periodic tick (expiry sweep and warm tier sync) and
// the optional cron-driven cold tier compaction. It holds no cache lock while
// waiting and stops deterministically.
type syncScheduler struct {
	interval time.Duration
	tick     func()
	logger   *zap.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newSyncScheduler(interval time.Duration, tick func(), logger *zap.Logger) *syncScheduler {
	return &syncScheduler{interval: interval, tick: tick, logger: logger}
}

// scheduleCompaction registers fn under a robfig/cron spec such as "@every 10m".
// Must be called before start.
func (s *syncScheduler) scheduleCompaction(spec string, fn func()) error {
	if s.cron == nil {
		s.cron = cron.New()
	}
	_, err := s.cron.AddFunc(spec, fn)
	return err
}

func (s *syncScheduler) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.interval > 0 && s.tick != nil {
		s.wg.Add(1)
		go s.loop(ctx)
	}
	if s.cron != nil {
		s.cron.Start()
	}
	s.logger.Debug("scheduler started", zap.Duration("interval", s.interval), zap.Bool("compaction", s.cron != nil))
}

func (s *syncScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// stop cancels the loop and waits for a running tick or compaction to finish.
func (s *syncScheduler) stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		s.logger.Debug("scheduler stopped")
	})
}
