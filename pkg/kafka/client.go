// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"adsinsight-go/internal/config"
	"adsinsight-go/pkg/database"
	"adsinsight-go/pkg/log"
	"adsinsight-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// maxAttempts 是一条任务的最大处理次数，超过后提交 offset 放弃重试。
const maxAttempts = 3

// TaskProcessor 定义了可以处理持久化任务的服务，使消费者与具体实现解耦。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.PersistTask) error
}

var producer *kafka.Writer

func brokers(cfg config.KafkaConfig) []string {
	return strings.Split(cfg.Brokers, ",")
}

// InitProducer 初始化 Kafka 生产者。消息以会话 ID 为 key 哈希到分区，
// 同一会话的任务落在同一分区，从而保持顺序。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:         kafka.TCP(brokers(cfg)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProducePersistTask 发送一个持久化任务到 Kafka。
func ProducePersistTask(ctx context.Context, task tasks.PersistTask) error {
	if producer == nil {
		return errors.New("kafka producer is not initialized")
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.SessionID),
		Value: taskBytes,
	})
}

// CloseProducer 关闭生产者并刷新缓冲。
func CloseProducer() error {
	if producer == nil {
		return nil
	}
	return producer.Close()
}

func attemptsKey(m kafka.Message) string {
	return fmt.Sprintf("kafka:attempts:%d:%d", m.Partition, m.Offset)
}

// StartConsumer 启动 Kafka 消费者处理持久化任务，ctx 取消后退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}

		var task tasks.PersistTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞分区
			commit(ctx, r, m)
			continue
		}

		processWithRetry(ctx, r, m, task, processor)
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

// processWithRetry 在原地重试失败的任务，保证同一分区内后续任务不会越过它。
// 失败次数记录在 Redis 中，进程重启后继续累计。
func processWithRetry(ctx context.Context, r *kafka.Reader, m kafka.Message, task tasks.PersistTask, processor TaskProcessor) {
	for local := 1; ; local++ {
		err := processor.Process(ctx, task)
		if err == nil {
			if database.RDB != nil {
				_ = database.RDB.Del(ctx, attemptsKey(m)).Err()
			}
			commit(ctx, r, m)
			return
		}
		log.Errorf("处理持久化任务失败: kind=%s session=%s err=%v", task.Kind, task.SessionID, err)
		if giveUp(ctx, m, local) {
			log.Errorf("持久化任务多次失败(>=%d)，提交 offset 终止重试: session=%s", maxAttempts, task.SessionID)
			commit(ctx, r, m)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(local) * 200 * time.Millisecond):
		}
	}
}

func giveUp(ctx context.Context, m kafka.Message, local int) bool {
	if database.RDB == nil {
		return local >= maxAttempts
	}
	attempts, err := database.RDB.Incr(ctx, attemptsKey(m)).Result()
	if err != nil {
		// Redis 异常时退回本地计数
		return local >= maxAttempts
	}
	_ = database.RDB.Expire(ctx, attemptsKey(m), 24*time.Hour).Err()
	return attempts >= maxAttempts
}

func commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
