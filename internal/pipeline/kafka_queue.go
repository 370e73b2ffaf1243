package pipeline

import (
	"context"
	"time"

	"adsinsight-go/pkg/kafka"
	"adsinsight-go/pkg/tasks"
)

// KafkaForwarder 把任务转发到 Kafka，由消费者组中的 Processor 最终落库。
// 作为 Queue 的 TaskProcessor 使用时，本地分片保证了同一会话的发送顺序，
// Kafka 以会话 ID 为 key 分区保证了消费顺序。
type KafkaForwarder struct {
	Timeout time.Duration
}

// Process 同步写入 Kafka。
func (f KafkaForwarder) Process(ctx context.Context, task tasks.PersistTask) error {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return kafka.ProducePersistTask(ctx, task)
}
