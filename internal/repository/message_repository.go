package repository

import (
	"context"

	"adsinsight-go/internal/model"

	"gorm.io/gorm"
)

// MessageRepository 定义了消息的持久化操作。
type MessageRepository interface {
	Append(ctx context.Context, msg *model.ChatMessage) error
	// ListBySession 按 created_at、seq 升序返回会话的全部消息。
	ListBySession(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Append(ctx context.Context, msg *model.ChatMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *messageRepository) ListBySession(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").Order("seq ASC").
		Find(&msgs).Error
	return msgs, err
}
