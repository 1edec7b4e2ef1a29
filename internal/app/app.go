// Package app assembles the bot: configuration, logging, the quota
// gateway over the backing store, the broadcast scheduler and the
// operational HTTP surface.
package app

import (
	"context"
	"fmt"
	"time"

	"fleetbot/internal/broadcast"
	"fleetbot/internal/config"
	"fleetbot/internal/feed"
	"fleetbot/internal/gateway"
	"fleetbot/internal/geocode"
	"fleetbot/internal/metrics"
	"fleetbot/internal/ops"
	"fleetbot/internal/registry"
	"fleetbot/internal/render"
	"fleetbot/internal/schedule"
	"fleetbot/internal/sheets"
	"fleetbot/internal/telegram"
	"fleetbot/pkg/logx"
)

type App struct {
	cfgm   *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store  *sheets.SQLiteStore
	met    *metrics.Set
	gw     *gateway.Gateway
	sched  *broadcast.Scheduler
	runner *schedule.Runner
	opsSrv *ops.Server

	cfgCh  chan *config.Config
	cancel context.CancelFunc
	done   chan struct{}
}

// New loads the config at path and builds every component. Nothing runs
// until Start.
func New(path string) (*App, error) {
	cfgm := config.NewManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, rootLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(rootLog.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logSvc: logSvc, log: rootLog}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) (retErr error) {
	a.met = metrics.New()

	storeLog := a.log.With(logx.String("comp", "sheets"))
	busy, err := config.ParseDurationField("sheets.busy_timeout", cfg.Sheets.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := sheets.OpenSQLite(sheets.SQLiteConfig{
		Path:        cfg.Sheets.Path,
		BusyTimeout: busy,
	}, storeLog)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store
	defer func() {
		if retErr != nil {
			_ = store.Close()
		}
	}()

	gwCfg, err := gatewayConfig(cfg.Gateway)
	if err != nil {
		return err
	}
	gw, err := gateway.New(gwCfg, store, a.log.With(logx.String("comp", "gateway")), a.met)
	if err != nil {
		return err
	}
	a.gw = gw

	feedTimeout, err := config.ParseDurationField("feed.timeout", cfg.Feed.Timeout)
	if err != nil {
		return err
	}
	feedClient, err := feed.NewHTTP(feed.Config{
		BaseURL: cfg.Feed.BaseURL,
		APIKey:  cfg.Feed.APIKey,
		Timeout: feedTimeout,
	}, a.log.With(logx.String("comp", "feed")))
	if err != nil {
		return err
	}

	sendTimeout, err := config.ParseDurationField("telegram.send_timeout", cfg.Telegram.SendTimeout)
	if err != nil {
		return err
	}
	sender, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		SendTimeout: sendTimeout,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	recipientsWS := cfg.Sheets.RecipientsWorksheet
	if recipientsWS == "" {
		recipientsWS = "groups"
	}
	reg := registry.New(gw, recipientsWS, a.log.With(logx.String("comp", "registry")))

	loc := time.Local
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			a.log.Warn("invalid timezone, using local", logx.String("tz", cfg.Timezone))
		}
	}

	var warmer broadcast.GeocodeWarmer
	if cfg.Geocode.Enabled {
		ttl, err := config.ParseDurationField("geocode.ttl", cfg.Geocode.TTL)
		if err != nil {
			return err
		}
		geo, err := geocode.New(geocode.Config{
			Capacity:  cfg.Geocode.Capacity,
			TTL:       ttl,
			Precision: cfg.Geocode.Precision,
		}, nil, a.log.With(logx.String("comp", "geocode")))
		if err != nil {
			return err
		}
		warmer = geo
	}

	bcCfg, err := broadcastConfig(cfg.Broadcast, cfg.Sheets.TrackerWorksheet)
	if err != nil {
		return err
	}
	a.sched = broadcast.New(bcCfg, broadcast.Deps{
		Gateway:    gw,
		Registry:   reg,
		Feed:       feedClient,
		Renderer:   render.New(loc),
		Sender:     sender,
		Geocode:    warmer,
		StoreStats: func() any { return gw.Stats() },
		Outbox:     store,
		Metrics:    a.met,
		Log:        a.log.With(logx.String("comp", "broadcast")),
	})

	a.runner = schedule.New(schedule.Config{Timezone: cfg.Timezone},
		a.log.With(logx.String("comp", "schedule")))
	eff := a.sched.Config()
	jobs := []schedule.Job{
		{Name: "visible_broadcast", Every: eff.Period, Timeout: eff.Period / 2, Run: a.skipAware(a.sched.RunVisibleBroadcast)},
		{Name: "silent_refresh", Every: eff.RefreshPeriod, Timeout: eff.RefreshPeriod, Run: a.skipAware(a.sched.RunSilentRefresh)},
		{Name: "housekeeping", Every: eff.HousekeepingPeriod, Timeout: time.Minute, Run: a.skipAware(a.sched.RunHousekeeping)},
	}
	if cfg.Broadcast.Enabled {
		for _, j := range jobs {
			if err := a.runner.Add(j); err != nil {
				return err
			}
		}
	} else {
		a.log.Warn("broadcast disabled; no jobs scheduled")
	}

	a.opsSrv = ops.NewServer(ops.Deps{
		Registry: a.met.Registry(),
		Status:   a.statusSnapshot,
		Log:      a.log.With(logx.String("comp", "ops")),
	})
	return nil
}

// skipAware keeps gated runs (overlap, warm-up, open breaker) out of the
// runner's error logging.
func (a *App) skipAware(run func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := run(ctx)
		if broadcast.Skipped(err) {
			return nil
		}
		return err
	}
}

func (a *App) statusSnapshot() any {
	return struct {
		Gateway   gateway.Stats   `json:"gateway"`
		Broadcast broadcast.Stats `json:"broadcast"`
	}{a.gw.Stats(), a.sched.Stats()}
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	if err := a.runner.Start(runCtx); err != nil {
		cancel()
		return err
	}
	a.opsSrv.Apply(runCtx, opsServerConfig(a.cfgm.Get().Ops))

	a.cfgCh = a.cfgm.Subscribe(4)
	go a.watchConfig(runCtx)
	go func() {
		defer close(a.done)
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	notifyReady(a.log)
	go watchdogLoop(runCtx, a.log)

	a.log.Info("started")
	return nil
}

// watchConfig applies the reloadable subset of the configuration. The
// component graph is built once; only logging and the ops listener react
// to file changes.
func (a *App) watchConfig(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.opsSrv.Apply(ctx, opsServerConfig(cfg.Ops))
			a.log.Info("configuration reloaded")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	notifyStopping(a.log)
	if a.cancel != nil {
		a.cancel()
	}
	a.runner.Stop()
	a.opsSrv.Stop(ctx)
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
	}
	if a.done != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logSvc.Close()
}

func opsServerConfig(c config.OpsConfig) ops.Config {
	return ops.Config{
		Enabled:              c.Enabled,
		Address:              c.Listen,
		AllowRemote:          c.AllowRemote,
		EnablePprof:          c.EnablePprof,
		BlockProfileRate:     c.BlockProfileRate,
		MutexProfileFraction: c.MutexProfileFraction,
	}
}

func gatewayConfig(c config.GatewayConfig) (gateway.Config, error) {
	out := gateway.Config{
		CacheCapacity:     c.CacheCapacity,
		RetryMax:          c.RetryMax,
		BreakerThreshold:  c.BreakerThreshold,
		RequestsPerMinute: c.RequestsPerMinute,
	}
	var err error
	if out.CacheStableTTL, err = config.ParseDurationField("gateway.cache_stable_ttl", c.CacheStableTTL); err != nil {
		return out, err
	}
	if out.CacheVolatileTTL, err = config.ParseDurationField("gateway.cache_volatile_ttl", c.CacheVolatileTTL); err != nil {
		return out, err
	}
	if out.BackoffBase, err = config.ParseDurationField("gateway.backoff_base", c.BackoffBase); err != nil {
		return out, err
	}
	if out.BackoffMax, err = config.ParseDurationField("gateway.backoff_max", c.BackoffMax); err != nil {
		return out, err
	}
	if out.BreakerCooldown, err = config.ParseDurationField("gateway.breaker_cooldown", c.BreakerCooldown); err != nil {
		return out, err
	}
	return out, nil
}

func broadcastConfig(c config.BroadcastConfig, trackerWS string) (broadcast.Config, error) {
	out := broadcast.Config{
		MaxConcurrentSends: c.MaxConcurrentSends,
		SendRatePerSec:     c.SendRatePerSec,
		ChunkSize:          c.ChunkSize,
		BreakerThreshold:   c.BreakerThreshold,
		TrackerWorksheet:   trackerWS,
	}
	var err error
	if out.Period, err = config.ParseDurationField("broadcast.period", c.Period); err != nil {
		return out, err
	}
	if out.RefreshPeriod, err = config.ParseDurationField("broadcast.refresh_period", c.RefreshPeriod); err != nil {
		return out, err
	}
	if out.HousekeepingPeriod, err = config.ParseDurationField("broadcast.housekeeping_period", c.HousekeepingPeriod); err != nil {
		return out, err
	}
	if out.StartupWarmup, err = config.ParseDurationField("broadcast.startup_warmup", c.StartupWarmup); err != nil {
		return out, err
	}
	if out.JitterMin, err = config.ParseDurationField("broadcast.recipient_jitter_min", c.RecipientJitterMin); err != nil {
		return out, err
	}
	if out.JitterMax, err = config.ParseDurationField("broadcast.recipient_jitter_max", c.RecipientJitterMax); err != nil {
		return out, err
	}
	if out.OutboxTTL, err = config.ParseDurationField("broadcast.outbox_ttl", c.OutboxTTL); err != nil {
		return out, err
	}
	if out.ChunkPause, err = config.ParseDurationField("broadcast.chunk_pause", c.ChunkPause); err != nil {
		return out, err
	}
	if out.BreakerQuiet, err = config.ParseDurationField("broadcast.breaker_quiet", c.BreakerQuiet); err != nil {
		return out, err
	}
	return out, nil
}
