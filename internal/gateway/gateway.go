// Package gateway shields every caller from the backing store's quota
// limits and transient failures. All store traffic funnels through
// Gateway.Call, which layers (outermost first) read-through caching, a
// circuit breaker, a cooperative per-minute quota window, and
// retry-with-backoff around the raw client.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/sony/gobreaker/v2"

	"fleetbot/internal/metrics"
	"fleetbot/internal/sheets"
	"fleetbot/pkg/logx"
)

// ErrUpstreamUnavailable is returned when the circuit is open or every
// retry attempt was exhausted. Callers treat it as "skip this cycle".
var ErrUpstreamUnavailable = errors.New("backing store unavailable")

// Config holds the gateway knobs. Zero fields get defaults from withDefaults.
type Config struct {
	CacheStableTTL   time.Duration // read_all results
	CacheVolatileTTL time.Duration // read_range results
	CacheCapacity    int

	RetryMax       int // total attempts, not "extra" retries
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterFraction float64

	BreakerThreshold int
	BreakerCooldown  time.Duration

	RequestsPerMinute int
}

func (c Config) withDefaults() Config {
	if c.CacheStableTTL <= 0 {
		c.CacheStableTTL = 30 * time.Minute
	}
	if c.CacheVolatileTTL <= 0 {
		c.CacheVolatileTTL = 5 * time.Minute
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 4096
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.1
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 10
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 5 * time.Minute
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 180
	}
	return c
}

// Gateway is constructed once at startup and shared by reference; all
// internal state is guarded, so concurrent callers are fine.
//
// Half-open semantics are single-trial: after the cool-down exactly one
// probe call is admitted (gobreaker MaxRequests=1). Concurrent callers
// racing the boundary fail fast with ErrUpstreamUnavailable instead of
// stampeding the store.
type Gateway struct {
	cfg    Config
	client sheets.Client
	log    logx.Logger
	met    *metrics.Set

	cache   *otter.Cache[string, sheets.Result]
	breaker *gobreaker.CircuitBreaker[sheets.Result]
	quota   *quotaWindow

	// sleep is swapped out in tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, client sheets.Client, log logx.Logger, met *metrics.Set) (*Gateway, error) {
	cfg = cfg.withDefaults()
	if client == nil {
		return nil, errors.New("gateway: client is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	cache, err := otter.New(&otter.Options[string, sheets.Result]{
		MaximumSize: cfg.CacheCapacity,
		// Write-expiry: TTL counts from write, reads don't extend it.
		// The concrete TTL is set per entry via SetExpiresAfter.
		ExpiryCalculator: otter.ExpiryWriting[string, sheets.Result](cfg.CacheStableTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: build cache: %w", err)
	}

	g := &Gateway{
		cfg:    cfg,
		client: client,
		log:    log,
		met:    met,
		cache:  cache,
		quota:  newQuotaWindow(cfg.RequestsPerMinute),
		sleep:  ctxSleep,
	}

	g.breaker = gobreaker.NewCircuitBreaker[sheets.Result](gobreaker.Settings{
		Name:        "sheets",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerThreshold)
		},
		// A caller giving up must not poison the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("store circuit state changed",
				logx.String("from", from.String()), logx.String("to", to.String()))
			if to == gobreaker.StateOpen {
				g.met.IncBreakerOpen("gateway")
			}
		},
	})

	return g, nil
}

// Call routes one backing-store operation through the gateway.
// Cacheable reads are served from cache when unexpired; everything else
// takes the breaker/quota/retry path.
func (g *Gateway) Call(ctx context.Context, req sheets.Request) (sheets.Result, error) {
	if !req.Op.IsRead() {
		return g.execute(ctx, req)
	}

	key := fingerprint(req)
	if v, ok := g.cache.GetIfPresent(key); ok {
		g.met.IncCacheHit()
		return v, nil
	}
	g.met.IncCacheMiss()

	res, err := g.execute(ctx, req)
	if err != nil {
		return sheets.Result{}, err
	}
	g.cache.Set(key, res)
	g.cache.SetExpiresAfter(key, g.ttlFor(req.Op))
	return res, nil
}

// Invalidate drops the cached result of one read request, if present.
func (g *Gateway) Invalidate(req sheets.Request) {
	if req.Op.IsRead() {
		g.cache.Invalidate(fingerprint(req))
	}
}

// InvalidateAll empties the read-through cache.
func (g *Gateway) InvalidateAll() {
	g.cache.InvalidateAll()
}

func (g *Gateway) ttlFor(op sheets.Op) time.Duration {
	if op == sheets.OpReadAll {
		return g.cfg.CacheStableTTL
	}
	return g.cfg.CacheVolatileTTL
}

// execute runs the breaker-guarded retry path. One breaker failure is
// recorded per exhausted or non-retryable call, never per attempt, so
// transient flapping that retries recover from stays invisible.
func (g *Gateway) execute(ctx context.Context, req sheets.Request) (sheets.Result, error) {
	res, err := g.breaker.Execute(func() (sheets.Result, error) {
		return g.attempt(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return sheets.Result{}, fmt.Errorf("%w: circuit open", ErrUpstreamUnavailable)
		}
		return sheets.Result{}, err
	}
	return res, nil
}

// attempt is the retry loop: quota-gate, call, classify, back off.
func (g *Gateway) attempt(ctx context.Context, req sheets.Request) (sheets.Result, error) {
	attempts := g.cfg.RetryMax
	var last error

	for i := 0; i < attempts; i++ {
		waited, err := g.quota.wait(ctx, g.sleep)
		if err != nil {
			return sheets.Result{}, err
		}
		if waited {
			g.met.IncQuotaWait()
		}

		g.met.IncStoreCall(string(req.Op))
		res, err := g.dispatch(ctx, req)
		if err == nil {
			return res, nil
		}
		last = err
		g.met.IncStoreFailure(sheets.KindOf(err).String())

		if !sheets.Retryable(err) {
			return sheets.Result{}, err
		}
		if i == attempts-1 {
			break
		}

		delay := backoffDelay(i, g.cfg.BackoffBase, g.cfg.BackoffMax, g.cfg.JitterFraction)
		g.met.IncStoreRetry()
		g.log.Warn("store call retrying",
			logx.String("op", string(req.Op)),
			logx.String("worksheet", req.Worksheet),
			logx.Int("attempt", i+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		if err := g.sleep(ctx, delay); err != nil {
			return sheets.Result{}, err
		}
	}

	return sheets.Result{}, fmt.Errorf("%w: %d attempts exhausted: %v", ErrUpstreamUnavailable, attempts, last)
}

func (g *Gateway) dispatch(ctx context.Context, req sheets.Request) (sheets.Result, error) {
	switch req.Op {
	case sheets.OpReadAll:
		rows, err := g.client.ReadAll(ctx, req.Worksheet)
		return sheets.Result{Rows: rows}, err
	case sheets.OpReadRange:
		rows, err := g.client.ReadRange(ctx, req.Worksheet, req.StartRow, req.RowCount)
		return sheets.Result{Rows: rows}, err
	case sheets.OpWriteRange:
		return sheets.Result{}, g.client.WriteRange(ctx, req.Worksheet, req.StartRow, req.StartCol, req.Rows)
	case sheets.OpAppend:
		return sheets.Result{}, g.client.Append(ctx, req.Worksheet, req.Rows)
	case sheets.OpBatchWrite:
		return sheets.Result{}, g.client.BatchWrite(ctx, req.Worksheet, req.Updates)
	default:
		return sheets.Result{}, sheets.NewError(req.Op, req.Worksheet, sheets.KindInvalid,
			fmt.Errorf("unknown operation %q", req.Op))
	}
}

// ---- typed convenience wrappers ----

func (g *Gateway) ReadAll(ctx context.Context, worksheet string) ([][]string, error) {
	res, err := g.Call(ctx, sheets.Request{Op: sheets.OpReadAll, Worksheet: worksheet})
	return res.Rows, err
}

func (g *Gateway) ReadRange(ctx context.Context, worksheet string, startRow, rowCount int) ([][]string, error) {
	res, err := g.Call(ctx, sheets.Request{Op: sheets.OpReadRange, Worksheet: worksheet, StartRow: startRow, RowCount: rowCount})
	return res.Rows, err
}

func (g *Gateway) WriteRange(ctx context.Context, worksheet string, startRow, startCol int, rows [][]string) error {
	_, err := g.Call(ctx, sheets.Request{Op: sheets.OpWriteRange, Worksheet: worksheet, StartRow: startRow, StartCol: startCol, Rows: rows})
	return err
}

func (g *Gateway) Append(ctx context.Context, worksheet string, rows [][]string) error {
	_, err := g.Call(ctx, sheets.Request{Op: sheets.OpAppend, Worksheet: worksheet, Rows: rows})
	return err
}

func (g *Gateway) BatchWrite(ctx context.Context, worksheet string, updates []sheets.Update) error {
	_, err := g.Call(ctx, sheets.Request{Op: sheets.OpBatchWrite, Worksheet: worksheet, Updates: updates})
	return err
}

// ---- diagnostics ----

type Stats struct {
	CacheEntries        int           `json:"cache_entries"`
	BreakerState        string        `json:"breaker_state"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	RequestsThisMinute  int           `json:"requests_this_minute"`
	QuotaResetIn        time.Duration `json:"quota_reset_in"`
}

func (g *Gateway) Stats() Stats {
	count, resetIn := g.quota.snapshot()
	return Stats{
		CacheEntries:        g.cache.EstimatedSize(),
		BreakerState:        g.breaker.State().String(),
		ConsecutiveFailures: g.breaker.Counts().ConsecutiveFailures,
		RequestsThisMinute:  count,
		QuotaResetIn:        resetIn,
	}
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
