package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	llmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "LLM provider requests by provider, model, and outcome.",
	}, []string{"provider", "model", "outcome"})

	llmRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_request_duration_seconds",
		Help:    "LLM provider request latency.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider", "model"})

	llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Token usage by provider, model, and direction (prompt/completion).",
	}, []string{"provider", "model", "direction"})

	llmFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_fallbacks_total",
		Help: "Retry-wrapper fallback activations by primary model and error kind.",
	}, []string{"primary_model", "error_kind"})

	toolExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tool_executions_total",
		Help: "Tool executions by tool name and outcome.",
	}, []string{"tool", "outcome"})

	toolExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tool_execution_duration_seconds",
		Help:    "Tool execution latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
)

// ObserveLLMRequest records one provider call's outcome and latency.
func ObserveLLMRequest(provider, model, outcome string, elapsed time.Duration) {
	llmRequestsTotal.WithLabelValues(provider, model, outcome).Inc()
	llmRequestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
}

// ObserveLLMTokens records token usage for one call.
func ObserveLLMTokens(provider, model string, promptTokens, completionTokens int64) {
	if promptTokens > 0 {
		llmTokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		llmTokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// ObserveFallback records a retry-wrapper switch to the fallback model.
func ObserveFallback(primaryModel, errorKind string) {
	llmFallbacksTotal.WithLabelValues(primaryModel, errorKind).Inc()
}

// ObserveToolExecution records one tool dispatch.
func ObserveToolExecution(tool, outcome string, elapsed time.Duration) {
	toolExecutionsTotal.WithLabelValues(tool, outcome).Inc()
	toolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}
