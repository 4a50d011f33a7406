package services

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)

	m.ObserveStage(StageEmbedding, 20*time.Millisecond)
	m.StageRetried(StageIndexing)
	m.ChunksIndexed(3)
	m.SearchServed(0, nil)
	m.SearchServed(2, nil)
	m.SearchServed(0, errors.New("boom"))

	assert.Equal(t, 1, testutil.CollectAndCount(m.stageDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageRetries.WithLabelValues("indexing")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.chunksIndexed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searchesTotal.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searchesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searchesTotal.WithLabelValues("error")))

	// 同一个 registry 不能重复注册
	assert.Panics(t, func() { NewPipelineMetrics(reg) })
}

func TestPipelineMetrics_Nil(t *testing.T) {
	var m *PipelineMetrics
	assert.NotPanics(t, func() {
		m.ObserveStage(StageChunking, time.Second)
		m.DocumentFinished(StageCompleted)
		m.StageRetried(StageEmbedding)
		m.ChunksIndexed(1)
		m.SearchServed(1, nil)
		m.AnswerServed(AnswerSuccess)
	})
}
