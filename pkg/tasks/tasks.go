// Package tasks 定义了在持久化队列（内存或 Kafka）中流转的任务结构。
package tasks

import "time"

// 任务类型
const (
	KindAppendMessage = "append_message"
	KindRenameSession = "rename_session"
)

// PersistTask 是一次对会话存储的写操作。同一 SessionID 的任务按入队顺序执行。
type PersistTask struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}
