package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// emaAlpha weights new observations in the rolling provider statistics.
const emaAlpha = 0.2

// ProviderStats is the rolling view of one provider's recent behavior,
// consumed by the cost optimizer for scoring.
type ProviderStats struct {
	Provider       string        `json:"provider"`
	Requests       int64         `json:"requests"`
	Errors         int64         `json:"errors"`
	ErrorRate      float64       `json:"error_rate"`
	AvgLatency     time.Duration `json:"avg_latency"`
	SuccessStreak  int64         `json:"success_streak"`
	LastRequestAt  time.Time     `json:"last_request_at"`
}

// Collector exposes Prometheus metrics and keeps the in-memory rolling
// stats the router scores providers with.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	costTotal        *prometheus.CounterVec
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	budgetRejections prometheus.Counter
	ruleRejections   prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	jobsTotal        *prometheus.CounterVec

	mu    sync.RWMutex
	stats map[string]*ProviderStats
}

// NewCollector builds the metric set on a dedicated registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "AI requests handled, by provider, model and outcome.",
		}, []string{"provider", "model", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Provider call latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "model"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens consumed, by provider and direction.",
		}, []string{"provider", "direction"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Estimated spend in USD, by provider.",
		}, []string{"provider"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Semantic cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Semantic cache misses.",
		}),
		budgetRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_budget_rejections_total",
			Help: "Requests rejected by budget constraints.",
		}),
		ruleRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rule_rejections_total",
			Help: "Requests rejected by steering rules.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Pending jobs per provider queue.",
		}, []string{"provider"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_jobs_total",
			Help: "Queued jobs by terminal state.",
		}, []string{"provider", "state"}),
		stats: make(map[string]*ProviderStats),
	}

	registry.MustRegister(
		c.requestsTotal, c.requestLatency, c.tokensTotal, c.costTotal,
		c.cacheHits, c.cacheMisses, c.budgetRejections, c.ruleRejections,
		c.queueDepth, c.jobsTotal,
	)
	return c
}

// Handler serves the Prometheus scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest folds one provider call into counters and rolling stats.
func (c *Collector) RecordRequest(provider, model string, latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.requestsTotal.WithLabelValues(provider, model, status).Inc()
	c.requestLatency.WithLabelValues(provider, model).Observe(latency.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[provider]
	if !ok {
		s = &ProviderStats{Provider: provider}
		c.stats[provider] = s
	}
	s.Requests++
	s.LastRequestAt = time.Now().UTC()
	if err != nil {
		s.Errors++
		s.SuccessStreak = 0
		s.ErrorRate = s.ErrorRate*(1-emaAlpha) + emaAlpha
	} else {
		s.SuccessStreak++
		s.ErrorRate = s.ErrorRate * (1 - emaAlpha)
	}
	if s.AvgLatency == 0 {
		s.AvgLatency = latency
	} else {
		s.AvgLatency = time.Duration(float64(s.AvgLatency)*(1-emaAlpha) + float64(latency)*emaAlpha)
	}
}

// RecordUsage folds token and cost counters for one completed call.
func (c *Collector) RecordUsage(provider string, inputTokens, outputTokens int, cost float64) {
	c.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	c.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	c.costTotal.WithLabelValues(provider).Add(cost)
}

// RecordCacheHit and RecordCacheMiss track semantic cache effectiveness.
func (c *Collector) RecordCacheHit()  { c.cacheHits.Inc() }
func (c *Collector) RecordCacheMiss() { c.cacheMisses.Inc() }

// RecordBudgetRejection counts a request stopped by budget constraints.
func (c *Collector) RecordBudgetRejection() { c.budgetRejections.Inc() }

// RecordRuleRejection counts a request stopped by a steering rule.
func (c *Collector) RecordRuleRejection() { c.ruleRejections.Inc() }

// RecordJob counts a job reaching a terminal state.
func (c *Collector) RecordJob(provider, state string) {
	c.jobsTotal.WithLabelValues(provider, state).Inc()
}

// SetQueueDepth publishes current queue depths.
func (c *Collector) SetQueueDepth(depths map[string]int) {
	for provider, depth := range depths {
		c.queueDepth.WithLabelValues(provider).Set(float64(depth))
	}
}

// ProviderStats returns a copy of the rolling stats for one provider.
// Unknown providers report zero values.
func (c *Collector) ProviderStats(provider string) ProviderStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.stats[provider]; ok {
		return *s
	}
	return ProviderStats{Provider: provider}
}

// AllProviderStats snapshots every provider's rolling stats.
func (c *Collector) AllProviderStats() map[string]ProviderStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ProviderStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}
