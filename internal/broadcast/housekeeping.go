package broadcast

import (
	"context"

	"fleetbot/pkg/logx"
)

// RunHousekeeping prunes expired outbox entries and, when the pipeline
// breaker has been quiet long enough, closes it. This is the only path
// that closes the breaker.
func (s *Scheduler) RunHousekeeping(ctx context.Context) error {
	log := s.deps.Log.With(logx.String("job", "housekeeping"))

	if !s.housekeeping.tryAcquire() {
		log.Warn("already running; skipping trigger")
		return errSkipped
	}
	defer func() { s.housekeeping.release(s.now()) }()

	start := s.now()
	pruned, err := s.outbox.PruneDedup(ctx, s.now())
	if err != nil {
		log.Error("outbox prune failed", logx.Err(err))
	}

	if s.breaker.maybeReset(s.now()) {
		log.Info("pipeline circuit closed after quiet period")
	}

	if s.deps.StoreStats != nil {
		log.Info("store snapshot", logx.Any("stats", s.deps.StoreStats()))
	}

	s.deps.Metrics.ObserveRun("housekeeping", s.now().Sub(start).Seconds())
	log.Info("housekeeping finished", logx.Int("pruned", pruned))
	return err
}
