// Package model 包含了应用的数据模型定义。
package model

import "time"

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatSession 是一次对话线程，归属于一个用户与一个广告账户。
type ChatSession struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:64;not null;index:idx_sessions_owner,priority:1" json:"userId"`
	AccountID string    `gorm:"size:64;not null;index:idx_sessions_owner,priority:2" json:"accountId"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	Archived  bool      `gorm:"not null;default:false;index" json:"archived"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (ChatSession) TableName() string {
	return "chat_sessions"
}

// ChatMessage 是会话中的一条消息。一个助手回答可能由多条独立的消息片段组成，
// 同一会话内按 (created_at, seq) 排序。
type ChatMessage struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id,omitempty"`
	SessionID string    `gorm:"size:36;not null;index:idx_messages_order,priority:1" json:"sessionId"`
	Role      string    `gorm:"size:16;not null" json:"role"` // "user" 或 "assistant"
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index:idx_messages_order,priority:2" json:"createdAt"`
	Seq       int64     `gorm:"not null;default:0;index:idx_messages_order,priority:3" json:"seq"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}
