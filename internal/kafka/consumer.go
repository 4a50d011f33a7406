package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/rag-pipeline/internal/config"
	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/aihub/rag-pipeline/internal/services"
	"go.uber.org/zap"
)

// JobHandler 执行单个流水线任务
type JobHandler interface {
	Process(ctx context.Context, in services.PipelineInput) services.DocumentResult
}

// errRedeliver 处理被中断，不提交 offset
var errRedeliver = errors.New("job interrupted, leaving for redelivery")

// JobConsumer 消费流水线任务
type JobConsumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler JobHandler
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewJobConsumer 创建消费者组
func NewJobConsumer(cfg config.KafkaConfig, handler JobHandler) (*JobConsumer, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true
	sc.Version = sarama.V2_6_0_0

	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "rag-pipeline-worker"
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, sc)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka消费者组失败: %w", err)
	}

	c := &JobConsumer{group: group, topics: []string{topic}, handler: handler, log: logger.Named("kafka")}
	c.log.Info("Kafka消费者初始化成功",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group_id", groupID),
		zap.Strings("topics", c.topics))
	return c, nil
}

// Run 阻塞消费直到 ctx 取消
func (c *JobConsumer) Run(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.log.Error("Kafka消费者错误", zap.Error(err))
		}
	}()

	handler := &jobGroupHandler{handler: c.handler, log: c.log}
	for {
		if err := c.group.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Error("消费消息失败", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
		if ctx.Err() != nil {
			c.log.Info("Kafka消费者停止")
			return nil
		}
	}
}

// Close 关闭消费者组
func (c *JobConsumer) Close() error {
	if c == nil || c.group == nil {
		return nil
	}
	err := c.group.Close()
	c.wg.Wait()
	return err
}

// jobGroupHandler 消费者组处理器
type jobGroupHandler struct {
	handler JobHandler
	log     *zap.Logger
}

func (h *jobGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *jobGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 逐条处理，失败的文档已记录在任务状态里，同样提交 offset
func (h *jobGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := h.handle(session.Context(), message); err != nil {
				// 不标记消息，等待重新投递
				h.log.Warn("任务未完成",
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// interruptedBeforePersist 分块写入之前被取消的任务没有留下任何数据，可以安全地重新投递。
// 写入开始后各阶段不再响应取消，此后的失败是真实失败
func interruptedBeforePersist(stage services.Stage) bool {
	switch stage {
	case services.StagePending, services.StageExtracting, services.StageChunking:
		return true
	default:
		return false
	}
}

func (h *jobGroupHandler) handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	job, err := ParseJobMessage(message.Value)
	if err != nil {
		// 无法解析的消息重试也没有意义
		h.log.Error("丢弃无效任务消息",
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.Error(err))
		return nil
	}

	result := h.handler.Process(ctx, job.PipelineInput)
	if !result.Succeeded() && ctx.Err() != nil && interruptedBeforePersist(result.FailedStage) {
		return errRedeliver
	}
	h.log.Debug("任务处理完成",
		zap.String("task_id", result.TaskID),
		zap.String("status", string(result.Status)),
		zap.Int64("offset", message.Offset))
	return nil
}
