package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/redis/go-redis/v9"
)

// TaskState 对外可见的任务状态
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// PipelineTaskStatus 供外部轮询的任务进度
type PipelineTaskStatus struct {
	TaskID       string    `json:"task_id"`
	Status       TaskState `json:"status"`
	Progress     int       `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Stage        Stage     `json:"stage"`
	ProjectID    uint      `json:"project_id"`
	DocumentID   uint      `json:"document_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusStore 任务状态存储
type StatusStore interface {
	Save(ctx context.Context, status PipelineTaskStatus) error
	Get(ctx context.Context, taskID string) (*PipelineTaskStatus, error)
}

// MemoryStatusStore 进程内状态存储
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]PipelineTaskStatus
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]PipelineTaskStatus)}
}

func (s *MemoryStatusStore) Save(_ context.Context, status PipelineTaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.TaskID] = status
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, taskID string) (*PipelineTaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[taskID]
	if !ok {
		return nil, apperrors.NewNotFoundError("task", taskID)
	}
	return &status, nil
}

// RedisStatusStore 以 JSON 存储任务状态，过期后自动清理
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusStore 创建 redis 状态存储，ttl 为 0 时默认 24 小时
func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStatusStore{client: client, ttl: ttl}
}

func (s *RedisStatusStore) key(taskID string) string {
	return "rag:task:" + taskID
}

func (s *RedisStatusStore) Save(ctx context.Context, status PipelineTaskStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return apperrors.NewSystemError("marshal task status").WithCause(err)
	}
	if err := s.client.Set(ctx, s.key(status.TaskID), data, s.ttl).Err(); err != nil {
		return apperrors.NewDatabaseError("save task status %s", status.TaskID).WithCause(err)
	}
	return nil
}

func (s *RedisStatusStore) Get(ctx context.Context, taskID string) (*PipelineTaskStatus, error) {
	data, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NewNotFoundError("task", taskID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("load task status %s", taskID).WithCause(err)
	}

	var status PipelineTaskStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, apperrors.NewSystemError("decode task status %s", taskID).WithCause(err)
	}
	return &status, nil
}
