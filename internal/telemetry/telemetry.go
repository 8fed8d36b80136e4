package telemetry

import (
	"sync"

	"github.com/patrickhamzaokello/TND-NEWs/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Telemetry tracks pipeline metrics and LLM spend. Prometheus collectors
// feed the /metrics endpoint; the in-memory cost tracker backs /stats and
// end-of-run log lines.
type Telemetry struct {
	cfg config.TelemetryConfig

	llmRequests *prometheus.CounterVec
	llmTokens   *prometheus.CounterVec
	llmCost     prometheus.Counter
	articles    *prometheus.CounterVec
	runSeconds  *prometheus.HistogramVec

	mu        sync.Mutex
	costByModel map[string]float64
	totalCost   float64
	totalTokens int64
}

// New registers the pipeline collectors on the given registerer (pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests).
func New(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	factory := promauto.With(reg)
	return &Telemetry{
		cfg: cfg,
		llmRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "newsintel_llm_requests_total",
			Help: "Completion-service calls by model and outcome.",
		}, []string{"model", "outcome"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "newsintel_llm_tokens_total",
			Help: "Tokens exchanged with the completion service.",
		}, []string{"direction"}),
		llmCost: factory.NewCounter(prometheus.CounterOpts{
			Name: "newsintel_llm_cost_usd_total",
			Help: "Accumulated completion-service spend in USD.",
		}),
		articles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "newsintel_articles_total",
			Help: "Articles handled by enrichment runs, by outcome.",
		}, []string{"outcome"}),
		runSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsintel_run_duration_seconds",
			Help:    "Duration of orchestrator runs by mode.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"mode"}),
		costByModel: make(map[string]float64),
	}
}

// RecordCall books one completion call's usage and cost.
func (t *Telemetry) RecordCall(model, outcome string, costUSD float64, inputTokens, outputTokens int64) {
	if t == nil {
		return
	}
	t.llmRequests.WithLabelValues(model, outcome).Inc()
	t.llmTokens.WithLabelValues("input").Add(float64(inputTokens))
	t.llmTokens.WithLabelValues("output").Add(float64(outputTokens))
	if t.cfg.CostTracking {
		t.llmCost.Add(costUSD)
	}

	t.mu.Lock()
	t.costByModel[model] += costUSD
	t.totalCost += costUSD
	t.totalTokens += inputTokens + outputTokens
	t.mu.Unlock()
}

// RecordArticle books one article outcome (succeeded, failed, skipped).
func (t *Telemetry) RecordArticle(outcome string) {
	if t == nil {
		return
	}
	t.articles.WithLabelValues(outcome).Inc()
}

// ObserveRunDuration books one run's wall-clock duration.
func (t *Telemetry) ObserveRunDuration(mode string, seconds float64) {
	if t == nil {
		return
	}
	t.runSeconds.WithLabelValues(mode).Observe(seconds)
}

// CostSnapshot is a point-in-time view of accumulated spend.
type CostSnapshot struct {
	TotalCostUSD float64            `json:"total_cost_usd"`
	TotalTokens  int64              `json:"total_tokens"`
	ByModel      map[string]float64 `json:"by_model"`
}

// Snapshot returns a copy of the in-memory cost tracker.
func (t *Telemetry) Snapshot() CostSnapshot {
	if t == nil {
		return CostSnapshot{ByModel: map[string]float64{}}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	byModel := make(map[string]float64, len(t.costByModel))
	for k, v := range t.costByModel {
		byModel[k] = v
	}
	return CostSnapshot{TotalCostUSD: t.totalCost, TotalTokens: t.totalTokens, ByModel: byModel}
}
