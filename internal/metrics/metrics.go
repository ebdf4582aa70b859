package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragagent_turns_started_total",
			Help: "Total number of conversation turns started",
		},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_turns_completed_total",
			Help: "Total number of conversation turns completed",
		},
		[]string{"scenario", "status"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragagent_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scenario decision metrics
	ScenarioDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_scenario_decisions_total",
			Help: "Scenario decisions by outcome source",
		},
		[]string{"scenario", "source"}, // source: model, rule, fallback
	)

	// Tool metrics
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragagent_tool_execution_duration_ms",
			Help:    "Tool execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"tool"},
	)

	ToolRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_tool_retries_total",
			Help: "Total number of tool retry attempts",
		},
		[]string{"tool"},
	)

	// Retrieval metrics
	RetrievalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_retrieval_requests_total",
			Help: "Retrieval backend requests by stage",
		},
		[]string{"stage", "status"}, // stage: user_documents, knowledge_base, fusion
	)

	RetrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragagent_retrieval_duration_ms",
			Help:    "Retrieval request duration in milliseconds",
			Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"stage"},
	)

	FusionExpansions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragagent_fusion_expansions",
			Help:    "Number of query expansions per fused search",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_llm_requests_total",
			Help: "Completion endpoint requests",
		},
		[]string{"status"},
	)

	LLMRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragagent_llm_request_duration_seconds",
			Help:    "Completion endpoint request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Context budget metrics
	ContextUtilization = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragagent_context_utilization_ratio",
			Help:    "Fraction of the token budget used by assembled context",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1.0},
		},
	)

	// External collaborator metrics
	ExternalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_external_requests_total",
			Help: "External collaborator requests",
		},
		[]string{"service", "status"}, // service: central_bank, news
	)

	ExternalCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_external_cache_hits_total",
			Help: "External collaborator cache hits",
		},
		[]string{"service"},
	)
)
