package knowledge

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/logger"
	"go.uber.org/zap"
)

// CircuitBreakerState 熔断器状态
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// String 返回状态字符串
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen 熔断期间的快速失败
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time

	mu              sync.Mutex
	state           CircuitBreakerState
	failureCount    int
	lastFailureTime time.Time
	probing         bool
}

// NewCircuitBreaker 连续失败 failureThreshold 次后打开，cooldown 后放行一次探测
func NewCircuitBreaker(name string, failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Call 执行函数调用（带熔断保护）
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err == nil)
	return err
}

// State 当前状态
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.cooldown {
			return false
		}
		cb.state = StateHalfOpen
		cb.probing = true
		return true
	case StateHalfOpen:
		// 半开状态只允许一个探测请求
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.state
	if success {
		cb.state = StateClosed
		cb.failureCount = 0
		cb.probing = false
	} else {
		cb.lastFailureTime = cb.now()
		cb.failureCount++
		if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
		}
		cb.probing = false
	}
	if prev != cb.state {
		logger.Info("circuit breaker state changed",
			zap.String("name", cb.name),
			zap.String("from", prev.String()),
			zap.String("to", cb.state.String()))
	}
}

// GuardedEmbedder 为远程模型加熔断，API 不可用时快速失败
type GuardedEmbedder struct {
	inner   Embedder
	breaker *CircuitBreaker
}

// NewGuardedEmbedder 包装 Embedder
func NewGuardedEmbedder(inner Embedder, breaker *CircuitBreaker) *GuardedEmbedder {
	return &GuardedEmbedder{inner: inner, breaker: breaker}
}

func (g *GuardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := g.breaker.Call(func() error {
		var err error
		vectors, err = g.inner.EmbedBatch(ctx, texts)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, apperrors.NewEmbeddingError("%s unavailable", g.inner.Name()).WithCause(err)
	}
	return vectors, err
}

func (g *GuardedEmbedder) Dimensions() int { return g.inner.Dimensions() }

func (g *GuardedEmbedder) Name() string { return g.inner.Name() }
