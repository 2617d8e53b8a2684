package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/simcache/evict"
)

// scheduler runs periodic cleanup passes in a background goroutine.
type scheduler struct {
	m        *Manager
	interval time.Duration
	logger   *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *evict.Result
}

func newScheduler(m *Manager, interval time.Duration, logger *slog.Logger) *scheduler {
	return &scheduler{
		m:        m,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the background goroutine. Calling Start on a running
// scheduler is a no-op.
func (s *scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the scheduler, waiting for the goroutine to exit or ctx to
// expire. Stopping a stopped scheduler is a no-op.
func (s *scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastRun returns the result of the most recent scheduled pass.
func (s *scheduler) LastRun() *evict.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	s.logger.Info("cleanup scheduler starting", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			s.logger.Info("cleanup scheduler stopped")
			s.setRunning(false)
			return
		case <-ctx.Done():
			s.logger.Info("cleanup scheduler context cancelled")
			s.setRunning(false)
			return
		}
	}
}

func (s *scheduler) setRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

// tick runs one scheduled pass. The pass escalates to a forced, targeted
// cleanup when free budget drops below the emergency threshold, and to a
// forced pass when system memory use exceeds the configured ceiling;
// otherwise it is a plain TTL sweep.
func (s *scheduler) tick(ctx context.Context) {
	force := false
	var target int64

	if free := s.m.acct.FreeBytes(); free < s.m.cfg.EmergencyThresholdBytes() {
		force = true
		target = s.m.cfg.EmergencyThresholdBytes() - free
		s.logger.Warn("free space below emergency threshold",
			"free_bytes", free,
			"threshold_bytes", s.m.cfg.EmergencyThresholdBytes(),
		)
	}

	if vm, err := s.m.memStats(); err == nil {
		usedMB := int64(vm.Used >> 20)
		if usedMB > s.m.cfg.MemoryThresholdMB {
			force = true
			s.logger.Warn("system memory above threshold",
				"used_mb", usedMB,
				"threshold_mb", s.m.cfg.MemoryThresholdMB,
			)
		}
	}

	result := s.m.engine.Cleanup(ctx, force, target)

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()

	s.m.metrics.RecordUsage(ctx, s.m.acct.CurrentUsageBytes(), s.m.reg.Len())
}
