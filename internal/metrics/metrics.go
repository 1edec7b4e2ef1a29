// Package metrics hosts the process-wide prometheus collectors.
// Components receive a *Set by reference; a nil *Set is a no-op so unit
// tests don't have to wire a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Set struct {
	registry *prometheus.Registry

	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	StoreCalls    *prometheus.CounterVec // label: op
	StoreRetries  prometheus.Counter
	StoreFailures *prometheus.CounterVec // label: kind
	QuotaWaits    prometheus.Counter
	BreakerOpen   *prometheus.CounterVec // label: component

	BroadcastsSent     prometheus.Counter
	BroadcastsDeduped  prometheus.Counter
	RecipientsDropped  prometheus.Counter
	SendRateLimited    prometheus.Counter
	RefreshRowsWritten prometheus.Counter
	GeocodeWarmed      prometheus.Counter
	RunDuration        *prometheus.HistogramVec // label: job
}

func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbot_gateway_cache_hits_total",
			Help: "Read-through cache hits in the quota gateway.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbot_gateway_cache_misses_total",
			Help: "Read-through cache misses in the quota gateway.",
		}),
		StoreCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetbot_store_calls_total",
			Help: "Backing-store calls that reached the store, by operation.",
		}, []string{"op"}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbot_store_retries_total",
			Help: "Backing-store attempts retried after a transient failure.",
		}),
		StoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetbot_store_failures_total",
			Help: "Backing-store failures by classified kind.",
		}, []string{"kind"}),
		QuotaWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbot_gateway_quota_waits_total",
			Help: "Calls that blocked waiting for the per-minute quota window.",
		}),
		BreakerOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetbot_breaker_open_total",
			Help: "Circuit-breaker open transitions, by component.",
		}, []string{"component"}),
		BroadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbot_broadcasts_sent_total",
			Help: "Visible location updates delivered to recipients.",
		}),
		BroadcastsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbot_broadcasts_deduped_total",
			Help: "Sends skipped because the outbox already has the bucket.",
		}),
		RecipientsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbot_recipients_deactivated_total",
			Help: "Recipients deactivated after an unreachable send.",
		}),
		SendRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbot_sends_rate_limited_total",
			Help: "Outbound sends rejected by the messaging endpoint's rate limit.",
		}),
		RefreshRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbot_refresh_rows_written_total",
			Help: "Tracker rows written back during silent refresh.",
		}),
		GeocodeWarmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbot_geocode_warmed_total",
			Help: "Positions added to the reverse-geocode cache by refresh runs.",
		}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetbot_job_run_seconds",
			Help:    "Wall-clock duration of scheduler job runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job"}),
	}

	reg.MustRegister(
		s.CacheHits, s.CacheMisses, s.StoreCalls, s.StoreRetries, s.StoreFailures,
		s.QuotaWaits, s.BreakerOpen,
		s.BroadcastsSent, s.BroadcastsDeduped, s.RecipientsDropped, s.SendRateLimited,
		s.RefreshRowsWritten, s.GeocodeWarmed, s.RunDuration,
	)
	return s
}

// Registry exposes the backing registry for the ops /metrics handler.
func (s *Set) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *Set) IncCacheHit() {
	if s != nil {
		s.CacheHits.Inc()
	}
}

func (s *Set) IncCacheMiss() {
	if s != nil {
		s.CacheMisses.Inc()
	}
}

func (s *Set) IncStoreCall(op string) {
	if s != nil {
		s.StoreCalls.WithLabelValues(op).Inc()
	}
}

func (s *Set) IncStoreRetry() {
	if s != nil {
		s.StoreRetries.Inc()
	}
}

func (s *Set) IncStoreFailure(kind string) {
	if s != nil {
		s.StoreFailures.WithLabelValues(kind).Inc()
	}
}

func (s *Set) IncQuotaWait() {
	if s != nil {
		s.QuotaWaits.Inc()
	}
}

func (s *Set) IncBreakerOpen(component string) {
	if s != nil {
		s.BreakerOpen.WithLabelValues(component).Inc()
	}
}

func (s *Set) IncBroadcastSent() {
	if s != nil {
		s.BroadcastsSent.Inc()
	}
}

func (s *Set) IncBroadcastDeduped() {
	if s != nil {
		s.BroadcastsDeduped.Inc()
	}
}

func (s *Set) IncRecipientDropped() {
	if s != nil {
		s.RecipientsDropped.Inc()
	}
}

func (s *Set) IncSendRateLimited() {
	if s != nil {
		s.SendRateLimited.Inc()
	}
}

func (s *Set) AddRefreshRows(n int) {
	if s != nil && n > 0 {
		s.RefreshRowsWritten.Add(float64(n))
	}
}

func (s *Set) AddGeocodeWarmed(n int) {
	if s != nil && n > 0 {
		s.GeocodeWarmed.Add(float64(n))
	}
}

func (s *Set) ObserveRun(job string, seconds float64) {
	if s != nil {
		s.RunDuration.WithLabelValues(job).Observe(seconds)
	}
}
