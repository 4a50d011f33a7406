package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/rag-pipeline/internal/config"
	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/aihub/rag-pipeline/internal/services"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTopic 未配置时使用的 topic
const DefaultTopic = "rag.pipeline.jobs"

// JobMessage 流水线任务消息
type JobMessage struct {
	services.PipelineInput
	Timestamp time.Time `json:"timestamp"`
}

// ParseJobMessage 解析任务消息
func ParseJobMessage(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("解析任务消息失败: %w", err)
	}
	if msg.TaskID == "" {
		return nil, fmt.Errorf("任务消息缺少 task_id")
	}
	return &msg, nil
}

// JobProducer 发布流水线任务
type JobProducer struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// NewJobProducer 连接 broker 创建同步生产者
func NewJobProducer(cfg config.KafkaConfig) (*JobProducer, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	p := NewJobProducerWithClient(producer, cfg.Topic)
	p.log.Info("Kafka生产者初始化成功", zap.Strings("brokers", cfg.Brokers), zap.String("topic", p.topic))
	return p, nil
}

// NewJobProducerWithClient 使用已有的 sarama 生产者
func NewJobProducerWithClient(producer sarama.SyncProducer, topic string) *JobProducer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &JobProducer{producer: producer, topic: topic, log: logger.Named("kafka")}
}

// Publish 发布任务并返回任务 id。同一文档的任务使用同一个 key，保证分区内有序
func (p *JobProducer) Publish(ctx context.Context, in services.PipelineInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if in.TaskID == "" {
		in.TaskID = uuid.NewString()
	}

	data, err := json.Marshal(JobMessage{PipelineInput: in, Timestamp: time.Now()})
	if err != nil {
		return "", fmt.Errorf("序列化消息失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("%d-%d", in.ProjectID, in.DocumentID)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("task_id"), Value: []byte(in.TaskID)},
			{Key: []byte("project_id"), Value: []byte(strconv.FormatUint(uint64(in.ProjectID), 10))},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.log.Error("发送Kafka消息失败", zap.String("task_id", in.TaskID), zap.Error(err))
		return "", fmt.Errorf("发送消息失败: %w", err)
	}

	p.log.Debug("Kafka消息发送成功",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("task_id", in.TaskID))
	return in.TaskID, nil
}

// Close 关闭生产者
func (p *JobProducer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
