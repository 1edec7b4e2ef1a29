// Package broadcast fans periodic location updates out to every active
// recipient without breaching the messaging endpoint's rate ceiling.
//
// Three periodic jobs share one Scheduler instance: the visible broadcast
// (recipient messages), the silent refresh (tracker write-back, no sends)
// and housekeeping (outbox pruning, breaker reset). Each job is serialized
// against itself; different jobs may run concurrently.
package broadcast

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"fleetbot/internal/feed"
	"fleetbot/internal/metrics"
	"fleetbot/internal/registry"
	"fleetbot/internal/render"
	"fleetbot/internal/sheets"
	"fleetbot/internal/telegram"
	"fleetbot/pkg/logx"
)

// TrackerStore is the slice of the quota gateway the silent refresh needs.
type TrackerStore interface {
	ReadAll(ctx context.Context, worksheet string) ([][]string, error)
	BatchWrite(ctx context.Context, worksheet string, updates []sheets.Update) error
}

// RecipientSource lists active recipients and retires unreachable ones.
type RecipientSource interface {
	Active(ctx context.Context) ([]registry.Registration, error)
	Deactivate(ctx context.Context, recipientID int64, reason string) error
}

// Deps are the scheduler's collaborators. Sem and Outbox are optional:
// when nil, a private semaphore / in-memory outbox is created. Passing a
// shared semaphore lets every other sender in the process count against
// the same concurrency cap.
type Deps struct {
	Gateway  TrackerStore
	Registry RecipientSource
	Feed     feed.Client
	Renderer *render.Renderer
	Sender   telegram.Sender
	Geocode  GeocodeWarmer // optional
	// StoreStats optionally supplies the gateway's diagnostics snapshot;
	// housekeeping logs it so cache and quota drift shows up in one place.
	StoreStats func() any
	Outbox     sheets.DedupStore
	Sem        *semaphore.Weighted
	Metrics    *metrics.Set
	Log        logx.Logger
}

// GeocodeWarmer is the auxiliary lookup cache warmed during silent refresh.
type GeocodeWarmer interface {
	Warm(ctx context.Context, records []feed.Record) int
	Lookup(lat, lon float64) (string, bool)
}

type Scheduler struct {
	cfg  Config
	deps Deps

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	outbox  sheets.DedupStore
	breaker *pipelineBreaker

	visible      runState
	refresh      runState
	housekeeping runState

	startedAt time.Time
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	updatesSent  atomic.Uint64
	dedupSkipped atomic.Uint64
	rateLimited  atomic.Uint64
	deactivated  atomic.Uint64
	refreshes    atomic.Uint64
}

func New(cfg Config, deps Deps) *Scheduler {
	cfg = cfg.withDefaults()
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	sem := deps.Sem
	if sem == nil {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentSends))
	}
	outbox := deps.Outbox
	if outbox == nil {
		outbox = newMemOutbox()
	}
	return &Scheduler{
		cfg:       cfg,
		deps:      deps,
		sem:       sem,
		limiter:   rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendRatePerSec),
		outbox:    outbox,
		breaker:   newPipelineBreaker(cfg.BreakerThreshold, cfg.BreakerQuiet),
		startedAt: time.Now(),
		now:       time.Now,
		sleep:     ctxSleep,
	}
}

// Config returns the effective (defaulted) configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// recipientJitter spreads consecutive sends so hundreds of recipients
// never burst at the period boundary.
func (s *Scheduler) recipientJitter() time.Duration {
	span := s.cfg.JitterMax - s.cfg.JitterMin
	return s.cfg.JitterMin + time.Duration(rand.Int63n(int64(span)+1))
}

func (s *Scheduler) bucket(now time.Time) int64 {
	return now.Unix() / int64(s.cfg.Period.Seconds())
}

func (s *Scheduler) Stats() Stats {
	failures, open := s.breaker.snapshot()
	st := Stats{
		UpdatesSent:     s.updatesSent.Load(),
		DedupSkipped:    s.dedupSkipped.Load(),
		RateLimited:     s.rateLimited.Load(),
		Deactivated:     s.deactivated.Load(),
		SilentRefreshes: s.refreshes.Load(),
		BreakerFailures: failures,
		BreakerOpen:     open,
		LastRuns:        map[string]time.Time{},
	}
	if mo, ok := s.outbox.(*memOutbox); ok {
		st.OutboxSize = mo.size()
	}
	for name, rs := range map[string]*runState{
		"visible_broadcast": &s.visible,
		"silent_refresh":    &s.refresh,
		"housekeeping":      &s.housekeeping,
	} {
		running, last := rs.snapshot()
		if !last.IsZero() {
			st.LastRuns[name] = last
		}
		if running {
			st.RunningJobs = append(st.RunningJobs, name)
		}
	}
	return st
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
