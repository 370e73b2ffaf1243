// Package pipeline 实现持久化任务的队列与处理流程。
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"adsinsight-go/pkg/log"
	"adsinsight-go/pkg/tasks"
)

var (
	ErrQueueFull   = errors.New("persist queue is full")
	ErrQueueClosed = errors.New("persist queue is closed")
)

// TaskProcessor 执行一个持久化任务。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.PersistTask) error
}

// QueueConfig 配置队列容量与并发度。
type QueueConfig struct {
	Workers    int // 分片数，每个分片一个 worker
	QueueSize  int // 每个分片的缓冲容量
	MaxRetries int
	RetryDelay time.Duration
}

// Queue 是有界的持久化工作队列。同一会话的任务总是落到同一个分片，
// 分片内串行执行，因此同一会话内保持 FIFO；不同会话之间可以并行。
type Queue struct {
	processor TaskProcessor
	shards    []chan tasks.PersistTask
	cfg       QueueConfig
	seq       atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue 创建队列并启动 worker。
func NewQueue(processor TaskProcessor, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	q := &Queue{processor: processor, cfg: cfg, shards: make([]chan tasks.PersistTask, cfg.Workers)}
	for i := range q.shards {
		q.shards[i] = make(chan tasks.PersistTask, cfg.QueueSize)
		q.wg.Add(1)
		go q.worker(i, q.shards[i])
	}
	log.Infof("[Queue] 持久化队列已启动, workers=%d, queue_size=%d", cfg.Workers, cfg.QueueSize)
	return q
}

// Enqueue 非阻塞地提交任务。CreatedAt 为空时取当前时间；Seq 由队列单调分配。
func (q *Queue) Enqueue(task tasks.PersistTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.Seq = q.seq.Add(1)

	select {
	case q.shards[q.shardOf(task.SessionID)] <- task:
		return nil
	default:
		log.Warnw("persist queue full, dropping task", "session", task.SessionID, "kind", task.Kind)
		return ErrQueueFull
	}
}

func (q *Queue) shardOf(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(q.shards)))
}

func (q *Queue) worker(id int, ch <-chan tasks.PersistTask) {
	defer q.wg.Done()
	for task := range ch {
		q.run(id, task)
	}
}

func (q *Queue) run(id int, task tasks.PersistTask) {
	for attempt := 1; ; attempt++ {
		err := q.processor.Process(context.Background(), task)
		if err == nil {
			return
		}
		if attempt >= q.cfg.MaxRetries {
			log.Errorf("[Queue] worker-%d 放弃任务: kind=%s session=%s err=%v", id, task.Kind, task.SessionID, err)
			return
		}
		log.Warnf("[Queue] worker-%d 任务失败，准备重试(%d/%d): %v", id, attempt, q.cfg.MaxRetries, err)
		time.Sleep(time.Duration(attempt) * q.cfg.RetryDelay)
	}
}

// Close 停止接收新任务并等待已入队的任务执行完毕，或直到 ctx 结束。
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, ch := range q.shards {
			close(ch)
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
