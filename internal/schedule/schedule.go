// Package schedule runs the periodic jobs on a shared cron runner.
//
// Every job is registered as an @every interval. A job also gets one
// jittered initial run shortly after startup so a restart never waits a
// full period before the first broadcast cycle.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fleetbot/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ; empty means time.Local

	// InitialJitterMax bounds the delay before a job's first run.
	// Defaults to 30s.
	InitialJitterMax time.Duration
}

// Job is one periodic unit of work. Run must be safe to call again while
// a previous invocation is still in flight; jobs that cannot overlap
// guard themselves.
type Job struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration // 0 means no per-run deadline
	Run     func(ctx context.Context) error
}

type Runner struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	jobs []Job

	c      *cron.Cron
	stopCh chan struct{}
}

func New(cfg Config, log logx.Logger) *Runner {
	if cfg.InitialJitterMax <= 0 {
		cfg.InitialJitterMax = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, log: log}
}

// Add registers a job. Must be called before Start.
func (r *Runner) Add(j Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return errors.New("runner already started")
	}
	if j.Name == "" || j.Run == nil {
		return errors.New("job needs a name and a run func")
	}
	if j.Every <= 0 {
		return fmt.Errorf("job %s: non-positive interval", j.Name)
	}
	r.jobs = append(r.jobs, j)
	return nil
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	loc := r.loadLocation()
	r.c = cron.New(cron.WithLocation(loc))
	r.stopCh = make(chan struct{})

	for _, j := range r.jobs {
		job := j
		spec := fmt.Sprintf("@every %s", job.Every.String())
		if _, err := r.c.AddFunc(spec, func() { r.execOne(ctx, job) }); err != nil {
			return fmt.Errorf("register %s: %w", job.Name, err)
		}
		go r.initialRun(ctx, job)
	}

	r.c.Start()
	r.log.Info("schedule runner started",
		logx.Int("jobs", len(r.jobs)), logx.String("tz", loc.String()))
	return nil
}

func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return
	}
	close(r.stopCh)
	r.stopCh = nil
	<-r.c.Stop().Done()
	r.c = nil
	r.log.Info("schedule runner stopped")
}

// initialRun fires the job once after a random delay instead of waiting
// out the first full interval.
func (r *Runner) initialRun(ctx context.Context, j Job) {
	r.mu.Lock()
	stopCh := r.stopCh
	r.mu.Unlock()
	if stopCh == nil {
		return
	}

	delay := time.Duration(rand.Int63n(int64(r.cfg.InitialJitterMax)))
	tmr := time.NewTimer(delay)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return
	case <-stopCh:
		return
	case <-tmr.C:
	}
	r.execOne(ctx, j)
}

func (r *Runner) execOne(ctx context.Context, j Job) {
	log := r.log.With(logx.String("job", j.Name))
	runCtx := ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job panicked", logx.Any("panic", rec))
		}
	}()
	if err := j.Run(runCtx); err != nil {
		log.Warn("job returned error",
			logx.Err(err), logx.Duration("dur", time.Since(start)))
		return
	}
	log.Debug("job finished", logx.Duration("dur", time.Since(start)))
}

func (r *Runner) loadLocation() *time.Location {
	tz := strings.TrimSpace(r.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.log.Warn("invalid timezone, using local", logx.String("tz", tz))
		return time.Local
	}
	return loc
}
