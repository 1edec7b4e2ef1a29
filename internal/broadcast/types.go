package broadcast

import (
	"sync"
	"time"
)

// Config tunes the periodic fan-out. Zero fields get defaults.
type Config struct {
	Period             time.Duration // visible broadcast cadence; default 1h
	RefreshPeriod      time.Duration // silent refresh cadence; default 5m
	HousekeepingPeriod time.Duration // default 30m

	// StartupWarmup suppresses visible broadcasts right after a restart so
	// we never push positions older than the feed's own refresh cycle.
	StartupWarmup time.Duration // default 4m

	MaxConcurrentSends int           // semaphore capacity; default 12
	SendRatePerSec     int           // endpoint pacing; default 10
	JitterMin          time.Duration // inter-recipient delay floor; default 500ms
	JitterMax          time.Duration // inter-recipient delay ceiling; default 2s

	OutboxTTL time.Duration // default 2h; must exceed Period

	ChunkSize  int           // tracker write-back batch size; default 50
	ChunkPause time.Duration // pause between chunks; default 100ms

	BreakerThreshold int           // consecutive failures before opening; default 5
	BreakerQuiet     time.Duration // quiet period before housekeeping may close; default 10m

	TrackerWorksheet string // default "eld_tracker"
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = time.Hour
	}
	if c.RefreshPeriod <= 0 {
		c.RefreshPeriod = 5 * time.Minute
	}
	if c.HousekeepingPeriod <= 0 {
		c.HousekeepingPeriod = 30 * time.Minute
	}
	if c.StartupWarmup <= 0 {
		c.StartupWarmup = 4 * time.Minute
	}
	if c.MaxConcurrentSends <= 0 {
		c.MaxConcurrentSends = 12
	}
	if c.SendRatePerSec <= 0 {
		c.SendRatePerSec = 10
	}
	if c.JitterMin <= 0 {
		c.JitterMin = 500 * time.Millisecond
	}
	if c.JitterMax <= c.JitterMin {
		c.JitterMax = c.JitterMin + 1500*time.Millisecond
	}
	if c.OutboxTTL <= c.Period {
		c.OutboxTTL = 2 * c.Period
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 50
	}
	if c.ChunkPause <= 0 {
		c.ChunkPause = 100 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerQuiet <= 0 {
		c.BreakerQuiet = 10 * time.Minute
	}
	if c.TrackerWorksheet == "" {
		c.TrackerWorksheet = "eld_tracker"
	}
	return c
}

// runState serializes a job against itself: a trigger arriving mid-run is
// skipped, never queued.
type runState struct {
	mu       sync.Mutex
	inflight bool
	lastRun  time.Time
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release(now time.Time) {
	s.mu.Lock()
	s.inflight = false
	s.lastRun = now
	s.mu.Unlock()
}

func (s *runState) snapshot() (running bool, lastRun time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight, s.lastRun
}

// Stats is the diagnostics snapshot served on /statusz.
type Stats struct {
	UpdatesSent     uint64               `json:"updates_sent"`
	DedupSkipped    uint64               `json:"dedup_skipped"`
	RateLimited     uint64               `json:"rate_limited"`
	Deactivated     uint64               `json:"deactivated"`
	SilentRefreshes uint64               `json:"silent_refreshes"`
	BreakerFailures int                  `json:"breaker_failures"`
	BreakerOpen     bool                 `json:"breaker_open"`
	OutboxSize      int                  `json:"outbox_size"`
	LastRuns        map[string]time.Time `json:"last_runs"`
	RunningJobs     []string             `json:"running_jobs"`
}
