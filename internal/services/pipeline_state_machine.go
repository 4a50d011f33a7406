package services

import (
	"sync"
	"time"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"go.uber.org/zap"
)

// Stage 单个文档在流水线中的阶段
type Stage string

const (
	StagePending    Stage = "pending"
	StageExtracting Stage = "extracting"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageIndexing   Stage = "indexing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// 状态转换规则，failed 可以从任意未终结阶段进入
var stageTransitions = map[Stage][]Stage{
	StagePending:    {StageExtracting, StageFailed},
	StageExtracting: {StageChunking, StageFailed},
	StageChunking:   {StageEmbedding, StageFailed},
	StageEmbedding:  {StageIndexing, StageFailed},
	StageIndexing:   {StageCompleted, StageFailed},
}

// 各阶段对应的任务进度
var stageProgress = map[Stage]int{
	StagePending:    0,
	StageExtracting: 10,
	StageChunking:   30,
	StageEmbedding:  50,
	StageIndexing:   80,
	StageCompleted:  100,
}

// CanTransition 检查是否可以进行状态转换
func CanTransition(from, to Stage) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal completed 和 failed 是终态
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// TaskState 对外的任务状态，由阶段折算
func (s Stage) TaskState() TaskState {
	switch s {
	case StagePending:
		return TaskPending
	case StageCompleted:
		return TaskCompleted
	case StageFailed:
		return TaskFailed
	default:
		return TaskProcessing
	}
}

// stageTracker 跟踪一个文档的阶段，记录每次转换
type stageTracker struct {
	mu         sync.Mutex
	taskID     string
	documentID uint
	current    Stage
	// failed 之前最后所处的阶段
	lastActive Stage
	enteredAt  time.Time
	log        *zap.Logger
	onChange   func(from, to Stage, elapsed time.Duration)
}

func newStageTracker(taskID string, documentID uint, log *zap.Logger) *stageTracker {
	return &stageTracker{
		taskID:     taskID,
		documentID: documentID,
		current:    StagePending,
		lastActive: StagePending,
		enteredAt:  time.Now(),
		log:        log,
	}
}

// Current 当前阶段
func (t *stageTracker) Current() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// FailedAt failed 时返回出错的阶段
func (t *stageTracker) FailedAt() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActive
}

// Advance 执行状态转换
func (t *stageTracker) Advance(to Stage) error {
	t.mu.Lock()
	from := t.current
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return apperrors.NewSystemError("invalid transition from %s to %s", from, to)
	}
	elapsed := time.Since(t.enteredAt)
	t.current = to
	if to != StageFailed {
		t.lastActive = to
	}
	t.enteredAt = time.Now()
	onChange := t.onChange
	t.mu.Unlock()

	t.log.Info("pipeline stage transitioned",
		zap.String("task_id", t.taskID),
		zap.Uint("document_id", t.documentID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if onChange != nil {
		onChange(from, to, elapsed)
	}
	return nil
}

// Fail 进入 failed，已经终结时忽略
func (t *stageTracker) Fail() {
	if t.Current().Terminal() {
		return
	}
	if err := t.Advance(StageFailed); err != nil {
		t.log.Error("failed to mark stage failed", zap.String("task_id", t.taskID), zap.Error(err))
	}
}
