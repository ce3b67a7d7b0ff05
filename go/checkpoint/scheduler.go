package checkpoint

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Scheduler periodically offers the coordinator an opportunistic checkpoint.
// The threshold decides whether each offer runs; the scheduler only sets the
// cadence of asking.
type Scheduler struct {
	coordinator *Coordinator
	period      time.Duration
	logger      *log.Logger
}

func NewScheduler(coordinator *Coordinator, period time.Duration, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scheduler{coordinator: coordinator, period: period, logger: logger}
}

// Run ticks until ctx is done. Checkpoint failures are logged and the loop
// keeps going: the coordinator retries nothing itself, so the next tick is
// the retry.
func (s *Scheduler) Run(ctx context.Context) error {
	var ticker = time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.coordinator.CheckPointIfNeeded(Scheduled()); err != nil {
				s.logger.WithField("error", err).Error("scheduled checkpoint failed")
			}
		}
	}
}
