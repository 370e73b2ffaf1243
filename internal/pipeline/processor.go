package pipeline

import (
	"context"
	"fmt"

	"adsinsight-go/internal/model"
	"adsinsight-go/internal/service"
	"adsinsight-go/pkg/log"
	"adsinsight-go/pkg/tasks"
)

// Processor 把持久化任务应用到会话存储。
type Processor struct {
	sessions service.SessionService
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(sessions service.SessionService) *Processor {
	return &Processor{sessions: sessions}
}

// Process 执行一个任务。
func (p *Processor) Process(ctx context.Context, task tasks.PersistTask) error {
	switch task.Kind {
	case tasks.KindAppendMessage:
		err := p.sessions.RecordMessage(ctx, &model.ChatMessage{
			ID:        task.MessageID,
			SessionID: task.SessionID,
			Role:      task.Role,
			Content:   task.Content,
			CreatedAt: task.CreatedAt,
			Seq:       task.Seq,
		})
		if err != nil {
			return fmt.Errorf("append message to session %s: %w", task.SessionID, err)
		}
		log.Debugf("[Processor] 消息已保存, session=%s role=%s seq=%d", task.SessionID, task.Role, task.Seq)
		return nil
	case tasks.KindRenameSession:
		if err := p.sessions.RenameSession(ctx, task.SessionID, task.Title); err != nil {
			return fmt.Errorf("rename session %s: %w", task.SessionID, err)
		}
		return nil
	default:
		log.Warnf("[Processor] 未知任务类型 %q, 已忽略", task.Kind)
		return nil
	}
}
