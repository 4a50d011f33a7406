package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics 流水线 Prometheus 指标，nil 接收者上的调用都是空操作
type PipelineMetrics struct {
	documentsTotal *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageRetries   *prometheus.CounterVec
	chunksIndexed  prometheus.Counter
	searchesTotal  *prometheus.CounterVec
	answersTotal   *prometheus.CounterVec
}

// NewPipelineMetrics 在 reg 上注册指标
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		documentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_pipeline_documents_total",
				Help: "Documents processed by the pipeline",
			},
			[]string{"status"}, // completed, failed
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rag_pipeline_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		stageRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_pipeline_stage_retries_total",
				Help: "Retries of transient stage failures",
			},
			[]string{"stage"},
		),
		chunksIndexed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_pipeline_chunks_indexed_total",
			Help: "Chunks written to the vector index",
		}),
		searchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_search_requests_total",
				Help: "Retrieval requests",
			},
			[]string{"status"}, // ok, empty, error
		),
		answersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_answers_total",
				Help: "RAG answers by result status",
			},
			[]string{"status"},
		),
	}
}

func (m *PipelineMetrics) ObserveStage(stage Stage, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) DocumentFinished(status Stage) {
	if m == nil {
		return
	}
	m.documentsTotal.WithLabelValues(string(status)).Inc()
}

func (m *PipelineMetrics) StageRetried(stage Stage) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(string(stage)).Inc()
}

func (m *PipelineMetrics) ChunksIndexed(n int) {
	if m == nil {
		return
	}
	m.chunksIndexed.Add(float64(n))
}

func (m *PipelineMetrics) SearchServed(results int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case results == 0:
		status = "empty"
	}
	m.searchesTotal.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) AnswerServed(status AnswerStatus) {
	if m == nil {
		return
	}
	m.answersTotal.WithLabelValues(string(status)).Inc()
}
