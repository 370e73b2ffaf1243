// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"adsinsight-go/internal/model"
	"adsinsight-go/internal/repository"
	"adsinsight-go/pkg/log"

	"github.com/google/uuid"
)

// SessionService 是会话与消息存储的契约。各调用之间没有事务保证。
type SessionService interface {
	ListSessions(ctx context.Context, userID, accountID string) ([]model.ChatSession, error)
	CreateSession(ctx context.Context, userID, accountID, title string) (*model.ChatSession, error)
	GetSession(ctx context.Context, sessionID string) (*model.ChatSession, error)
	// ListMessages 按创建时间升序返回消息。
	ListMessages(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
	AppendMessage(ctx context.Context, sessionID, role, content string) error
	// RecordMessage 写入一条已经确定了 CreatedAt 与 Seq 的消息，供持久化队列使用。
	RecordMessage(ctx context.Context, msg *model.ChatMessage) error
	ArchiveSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	RenameSession(ctx context.Context, sessionID, title string) error
}

// TranscriptExporter 在会话归档时导出完整记录。
type TranscriptExporter interface {
	ExportTranscript(ctx context.Context, session *model.ChatSession, messages []model.ChatMessage) error
}

type sessionService struct {
	sessions repository.SessionRepository
	messages repository.MessageRepository
	cache    repository.MessageCache
	exporter TranscriptExporter
}

// NewSessionService 创建一个新的 SessionService。exporter 可以为 nil。
func NewSessionService(sessions repository.SessionRepository, messages repository.MessageRepository,
	cache repository.MessageCache, exporter TranscriptExporter) SessionService {
	if cache == nil {
		cache = repository.NewMessageCache(nil, 0)
	}
	return &sessionService{sessions: sessions, messages: messages, cache: cache, exporter: exporter}
}

func (s *sessionService) ListSessions(ctx context.Context, userID, accountID string) ([]model.ChatSession, error) {
	return s.sessions.ListActive(ctx, userID, accountID)
}

func (s *sessionService) CreateSession(ctx context.Context, userID, accountID, title string) (*model.ChatSession, error) {
	session := &model.ChatSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		AccountID: accountID,
		Title:     strings.TrimSpace(title),
	}
	if session.Title == "" {
		session.Title = "New Chat"
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *sessionService) GetSession(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	return s.sessions.FindByID(ctx, sessionID)
}

func (s *sessionService) ListMessages(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	if cached, ok, err := s.cache.Get(ctx, sessionID); err != nil {
		log.Warnf("读取消息缓存失败, session=%s: %v", sessionID, err)
	} else if ok {
		return cached, nil
	}

	// 版本号必须在查库之前读取
	gen, genErr := s.cache.Generation(ctx, sessionID)
	msgs, err := s.messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if genErr != nil {
		log.Warnf("读取消息缓存版本失败, session=%s: %v", sessionID, genErr)
		return msgs, nil
	}
	if _, err := s.cache.Set(ctx, sessionID, gen, msgs); err != nil {
		log.Warnf("写入消息缓存失败, session=%s: %v", sessionID, err)
	}
	return msgs, nil
}

func (s *sessionService) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	return s.RecordMessage(ctx, &model.ChatMessage{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

func (s *sessionService) RecordMessage(ctx context.Context, msg *model.ChatMessage) error {
	if msg.Role != model.RoleUser && msg.Role != model.RoleAssistant {
		return ErrInvalidRole
	}
	if strings.TrimSpace(msg.Content) == "" {
		return ErrEmptyContent
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	if err := s.messages.Append(ctx, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := s.cache.Invalidate(ctx, msg.SessionID); err != nil {
		log.Warnf("清理消息缓存失败, session=%s: %v", msg.SessionID, err)
	}
	return nil
}

func (s *sessionService) ArchiveSession(ctx context.Context, sessionID string) error {
	if err := s.sessions.Archive(ctx, sessionID); err != nil {
		return err
	}
	if s.exporter == nil {
		return nil
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		log.Warnf("归档导出: 读取会话失败, session=%s: %v", sessionID, err)
		return nil
	}
	msgs, err := s.messages.ListBySession(ctx, sessionID)
	if err != nil {
		log.Warnf("归档导出: 读取消息失败, session=%s: %v", sessionID, err)
		return nil
	}
	if err := s.exporter.ExportTranscript(ctx, session, msgs); err != nil {
		log.Warnf("归档导出失败, session=%s: %v", sessionID, err)
	}
	return nil
}

func (s *sessionService) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	_ = s.cache.Invalidate(ctx, sessionID)
	return nil
}

func (s *sessionService) RenameSession(ctx context.Context, sessionID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("rename session: empty title")
	}
	return s.sessions.UpdateTitle(ctx, sessionID, title)
}
