package broadcast

import (
	"context"
	"errors"
	"fmt"

	"fleetbot/internal/feed"
	"fleetbot/internal/registry"
	"fleetbot/internal/telegram"
	"fleetbot/pkg/logx"
)

// errSkipped marks a run that was gated off, not one that failed.
var errSkipped = errors.New("run skipped")

// Skipped reports whether a job error just means the run was gated off
// (overlap, breaker, warm-up) rather than an actual failure.
func Skipped(err error) bool { return errors.Is(err, errSkipped) }

// RunVisibleBroadcast delivers the current position to every active
// recipient, at most once per recipient per period bucket.
func (s *Scheduler) RunVisibleBroadcast(ctx context.Context) error {
	log := s.deps.Log.With(logx.String("job", "visible_broadcast"))

	if !s.visible.tryAcquire() {
		log.Warn("already running; skipping trigger")
		return errSkipped
	}
	defer func() { s.visible.release(s.now()) }()

	if s.breaker.isOpen() {
		log.Warn("pipeline circuit open; skipping run")
		return errSkipped
	}
	if up := s.now().Sub(s.startedAt); up < s.cfg.StartupWarmup {
		log.Info("warm-up gate; skipping run",
			logx.Duration("uptime", up), logx.Duration("required", s.cfg.StartupWarmup))
		return errSkipped
	}

	start := s.now()
	err := s.broadcastOnce(ctx, log)
	s.deps.Metrics.ObserveRun("visible_broadcast", s.now().Sub(start).Seconds())
	if err != nil {
		if s.breaker.recordFailure(s.now()) {
			s.deps.Metrics.IncBreakerOpen("broadcast")
			log.Error("pipeline circuit opened after repeated failures")
		}
		log.Error("broadcast run failed", logx.Err(err))
		return err
	}
	return nil
}

func (s *Scheduler) broadcastOnce(ctx context.Context, log logx.Logger) error {
	regs, err := s.deps.Registry.Active(ctx)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}
	if len(regs) == 0 {
		log.Info("no active recipients")
		return nil
	}

	records, err := s.deps.Feed.FetchFleetSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	if len(records) == 0 {
		log.Warn("feed returned no records; nothing to send")
		return nil
	}
	fleet := make(map[string]feed.Record, len(records))
	for _, r := range records {
		fleet[r.ResourceKey] = r
	}

	log.Info("broadcast run started",
		logx.Int("recipients", len(regs)), logx.Int("fleet", len(fleet)))

	start := s.now()
	sent, failed := 0, 0
	for i, reg := range regs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.sendOne(ctx, reg, fleet)
		sent += n
		if err != nil {
			failed++
			if s.breaker.recordFailure(s.now()) {
				s.deps.Metrics.IncBreakerOpen("broadcast")
				log.Error("pipeline circuit opened mid-run; aborting",
					logx.Int("position", i))
				break
			}
		}
		// Spread remaining sends across the period.
		if i < len(regs)-1 {
			if err := s.sleep(ctx, s.recipientJitter()); err != nil {
				return err
			}
		}
	}

	fields := []logx.Field{
		logx.Int("sent", sent),
		logx.Int("failed", failed),
		logx.Duration("dur", s.now().Sub(start)),
	}
	if failed > 0 {
		log.Warn("broadcast run finished with failures", fields...)
	} else {
		log.Info("broadcast run finished", fields...)
	}
	return nil
}

// sendOne delivers to a single recipient. Per-recipient failures are
// handled here so one bad recipient never aborts the batch; only the error
// is returned for failure accounting.
func (s *Scheduler) sendOne(ctx context.Context, reg registry.Registration, fleet map[string]feed.Record) (int, error) {
	log := s.deps.Log.With(
		logx.Int64("recipient", reg.RecipientID),
		logx.String("resource", reg.ResourceKey))

	rec, ok := fleet[reg.ResourceKey]
	if !ok {
		log.Debug("no feed record for resource")
		return 0, nil
	}

	now := s.now()
	key := outboxKey(reg.RecipientID, reg.ResourceKey, s.bucket(now))
	if until, ok, err := s.outbox.GetDedup(ctx, key); err == nil && ok && until.After(now) {
		s.dedupSkipped.Add(1)
		s.deps.Metrics.IncBroadcastDeduped()
		log.Debug("already sent this bucket")
		return 0, nil
	}

	if rec.Location == "" && s.deps.Geocode != nil {
		if loc, ok := s.deps.Geocode.Lookup(rec.Lat, rec.Lon); ok {
			rec.Location = loc
		}
	}
	text := s.deps.Renderer.LocationUpdate(rec)

	// The limiter paces total endpoint throughput; the semaphore caps
	// in-flight sends across every sender sharing it.
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	outcome, err := s.deps.Sender.Send(ctx, reg.RecipientID, text)
	s.sem.Release(1)

	switch outcome {
	case telegram.OutcomeOK:
		if perr := s.outbox.PutDedup(ctx, key, now.Add(s.cfg.OutboxTTL)); perr != nil {
			log.Warn("outbox write failed", logx.Err(perr))
		}
		s.updatesSent.Add(1)
		s.deps.Metrics.IncBroadcastSent()
		return 1, nil

	case telegram.OutcomeUnreachable:
		// Not a failure: the recipient is gone. Drop it from the registry.
		log.Warn("recipient unreachable; deactivating", logx.Err(err))
		if derr := s.deps.Registry.Deactivate(ctx, reg.RecipientID, "Bot removed from chat"); derr != nil {
			log.Error("deactivate failed", logx.Err(derr))
		}
		s.deactivated.Add(1)
		s.deps.Metrics.IncRecipientDropped()
		return 0, nil

	case telegram.OutcomeRateLimited:
		// No dedup mark: the next run retries this bucket.
		s.rateLimited.Add(1)
		s.deps.Metrics.IncSendRateLimited()
		log.Warn("endpoint rate-limited; will retry next run", logx.Err(err))
		return 0, err

	default:
		log.Error("send failed", logx.Err(err))
		return 0, err
	}
}
