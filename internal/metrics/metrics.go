package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarmesh_tasks_started_total",
			Help: "Total number of answering tasks started",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholarmesh_tasks_completed_total",
			Help: "Total number of answering tasks completed",
		},
		[]string{"verdict"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scholarmesh_task_duration_seconds",
			Help:    "End-to-end task duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scholarmesh_task_rounds",
			Help:    "Number of plan/critique rounds per task",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// Worker metrics
	WorkerInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholarmesh_worker_invocations_total",
			Help: "Total number of worker invocations",
		},
		[]string{"kind", "status"},
	)

	WorkerInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scholarmesh_worker_invocation_duration_ms",
			Help:    "Worker invocation duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"kind"},
	)

	WorkerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholarmesh_worker_retries_total",
			Help: "Total number of worker invocation retries",
		},
		[]string{"kind"},
	)

	// Planner metrics
	PlanningLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scholarmesh_planning_latency_seconds",
			Help:    "Task decomposition latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlanningErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarmesh_planning_errors_total",
			Help: "Total number of planning errors",
		},
	)

	Replans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholarmesh_replans_total",
			Help: "Total number of replanning rounds, by triggering verdict",
		},
		[]string{"verdict"},
	)

	// Evidence metrics
	EvidenceFused = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scholarmesh_evidence_fused_items",
			Help:    "Number of evidence items in a fused set",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	EvidenceDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarmesh_evidence_deduplicated_total",
			Help: "Total number of evidence items merged away by deduplication",
		},
	)

	// Critic metrics
	CritiqueVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholarmesh_critique_verdicts_total",
			Help: "Total number of critique verdicts emitted",
		},
		[]string{"verdict"},
	)

	CritiqueConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scholarmesh_critique_confidence",
			Help:    "Confidence score distribution across critiques",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// Session metrics
	TurnsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarmesh_turns_appended_total",
			Help: "Total number of conversation turns appended",
		},
	)

	TurnAppendDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarmesh_turn_append_duplicates_total",
			Help: "Total number of duplicate turn appends ignored",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarmesh_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarmesh_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scholarmesh_session_cache_size",
			Help: "Current number of sessions in local cache",
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholarmesh_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scholarmesh_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Retrieval source metrics
	SourceSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholarmesh_source_searches_total",
			Help: "Total number of retrieval source searches",
		},
		[]string{"source", "status"},
	)

	SourceSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scholarmesh_source_search_latency_seconds",
			Help:    "Retrieval source search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)

// RecordWorkerInvocation records a completed worker invocation.
func RecordWorkerInvocation(kind, status string, durationMs float64) {
	WorkerInvocations.WithLabelValues(kind, status).Inc()
	WorkerInvocationDuration.WithLabelValues(kind).Observe(durationMs)
}

// RecordTaskCompletion records a finalized task with its verdict.
func RecordTaskCompletion(verdict string, durationSeconds float64, rounds int) {
	TasksCompleted.WithLabelValues(verdict).Inc()
	TaskDuration.Observe(durationSeconds)
	if rounds > 0 {
		TaskRounds.Observe(float64(rounds))
	}
}

// RecordSourceSearch records a retrieval source call.
func RecordSourceSearch(source, status string, durationSeconds float64) {
	SourceSearches.WithLabelValues(source, status).Inc()
	if durationSeconds > 0 {
		SourceSearchLatency.WithLabelValues(source).Observe(durationSeconds)
	}
}

// RecordEmbedding records an embedding request outcome.
func RecordEmbedding(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordCritique records a critique verdict and its confidence.
func RecordCritique(verdict string, confidence float64) {
	CritiqueVerdicts.WithLabelValues(verdict).Inc()
	CritiqueConfidence.Observe(confidence)
}
