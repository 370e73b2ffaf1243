package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"adsinsight-go/internal/model"
	"adsinsight-go/internal/relay"
	"adsinsight-go/internal/repository"
	"adsinsight-go/internal/service"
	"adsinsight-go/pkg/log"

	"github.com/google/uuid"
)

const newChatTitle = "New Chat"

// Account 是当前选中的广告账户。
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Coordinator 管理当前用户的活动账户与活动会话，保证切换会话前先取消进行中的流。
type Coordinator struct {
	userID      string
	store       service.SessionService
	settings    service.AISettingsService
	consumer    *Consumer
	view        *Conversation
	notifier    Notifier
	titleMaxLen int

	mu           sync.Mutex
	account      *Account
	sessionID    string
	campaignData json.RawMessage
}

// NewCoordinator 创建一个用户的会话协调器。
func NewCoordinator(userID string, store service.SessionService, settings service.AISettingsService,
	consumer *Consumer, view *Conversation, notifier Notifier) *Coordinator {
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	return &Coordinator{
		userID:      userID,
		store:       store,
		settings:    settings,
		consumer:    consumer,
		view:        view,
		notifier:    notifier,
		titleMaxLen: consumer.opts.TitleMaxLen,
	}
}

// WelcomeText 返回账户的欢迎语，account 为 nil 时返回通用版本。
func WelcomeText(account *Account) string {
	if account == nil || account.Name == "" {
		return "Hi. I'm your Ads Insights AI. Select an account to start an analysis."
	}
	return fmt.Sprintf("Hi. I'm your Ads Insights AI for %s. Ask about performance, budget, keywords, or optimization opportunities.", account.Name)
}

func (c *Coordinator) welcome(account *Account) {
	c.view.Reset([]Message{{
		ID:        uuid.NewString(),
		Role:      model.RoleAssistant,
		Content:   WelcomeText(account),
		Ephemeral: true,
	}})
}

// SessionID 返回活动会话 ID，未创建时为空。
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetContext 设置随请求发送的活动数据。
func (c *Coordinator) SetContext(data json.RawMessage) {
	c.mu.Lock()
	c.campaignData = data
	c.mu.Unlock()
}

// CanSend 报告用户是否已配置 API key。未配置时输入框应被禁用。
func (c *Coordinator) CanSend(ctx context.Context) bool {
	creds, err := c.settings.GetUserAISettings(ctx, c.userID)
	return err == nil && creds != nil
}

// SelectAccount 切换活动账户：取消进行中的流，打开该账户最近的会话，没有则显示欢迎语。
func (c *Coordinator) SelectAccount(ctx context.Context, account Account) error {
	c.consumer.Cancel()

	c.mu.Lock()
	c.account = &account
	c.sessionID = ""
	c.campaignData = nil
	c.mu.Unlock()

	sessions, err := c.store.ListSessions(ctx, c.userID, account.ID)
	if err != nil {
		c.welcome(&account)
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		c.welcome(&account)
		return nil
	}
	return c.load(ctx, sessions[0].ID)
}

// SelectSession 切换到活动账户下的一个已有会话。会话不可访问时保持当前状态不变。
func (c *Coordinator) SelectSession(ctx context.Context, sessionID string) error {
	if _, err := c.ownedSession(ctx, sessionID, true); err != nil {
		return fmt.Errorf("select session: %w", err)
	}
	c.consumer.Cancel()
	return c.load(ctx, sessionID)
}

// ownedSession 读取会话并校验归属。不属于当前用户的会话按不存在处理；
// sameAccount 为 true 时还要求会话属于活动账户。
func (c *Coordinator) ownedSession(ctx context.Context, sessionID string, sameAccount bool) (*model.ChatSession, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	account := c.account
	c.mu.Unlock()
	if session.UserID != c.userID {
		return nil, repository.ErrSessionNotFound
	}
	if sameAccount && (account == nil || session.AccountID != account.ID) {
		return nil, repository.ErrSessionNotFound
	}
	return session, nil
}

func (c *Coordinator) load(ctx context.Context, sessionID string) error {
	if _, err := c.ownedSession(ctx, sessionID, true); err != nil {
		return fmt.Errorf("select session: %w", err)
	}
	msgs, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	c.mu.Lock()
	c.sessionID = sessionID
	account := c.account
	c.mu.Unlock()

	if len(msgs) == 0 {
		c.welcome(account)
	} else {
		c.view.Reset(FromStored(msgs))
	}
	turns := 0
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			turns++
		}
	}
	c.consumer.SeedTurns(sessionID, turns)
	return nil
}

// NewChat 取消进行中的流，显示欢迎语并立即创建一个空会话。
func (c *Coordinator) NewChat(ctx context.Context) (*model.ChatSession, error) {
	c.consumer.Cancel()

	c.mu.Lock()
	account := c.account
	c.sessionID = ""
	c.mu.Unlock()

	c.welcome(account)
	if account == nil {
		return nil, ErrAccountRequired
	}
	s, err := c.store.CreateSession(ctx, c.userID, account.ID, newChatTitle)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.mu.Lock()
	c.sessionID = s.ID
	c.mu.Unlock()
	return s, nil
}

// Send 发送一条用户消息。第一次发送时才创建会话。
func (c *Coordinator) Send(ctx context.Context, text string) (uint64, error) {
	c.mu.Lock()
	account := c.account
	sessionID := c.sessionID
	campaignData := c.campaignData
	c.mu.Unlock()

	if account == nil {
		c.notifier.Notify(errorNotice("Select an account", "Choose an ads account before asking a question."))
		return 0, ErrAccountRequired
	}
	creds, err := c.settings.GetUserAISettings(ctx, c.userID)
	if err != nil {
		return 0, fmt.Errorf("load ai settings: %w", err)
	}
	if creds == nil || creds.APIKey == "" {
		c.notifier.Notify(errorNotice("Gemini key missing", "Add your Gemini API key in settings to start chatting."))
		return 0, relay.ErrCredentialMissing
	}

	if sessionID == "" {
		title := DeriveTitle(text, c.titleMaxLen)
		if title == "" {
			title = newChatTitle
		}
		s, err := c.store.CreateSession(ctx, c.userID, account.ID, title)
		if err != nil {
			c.notifier.Notify(errorNotice("Could not start chat", err.Error()))
			return 0, fmt.Errorf("create session: %w", err)
		}
		sessionID = s.ID
		c.mu.Lock()
		c.sessionID = sessionID
		c.mu.Unlock()
		c.view.SetTitle(sessionID, title)
		// 欢迎语只属于未保存的会话
		c.dropEphemeral()
	}

	return c.consumer.Send(ctx, SendRequest{
		SessionID:    sessionID,
		Text:         text,
		Credentials:  *creds,
		CampaignData: campaignData,
	})
}

func (c *Coordinator) dropEphemeral() {
	for _, m := range c.view.Snapshot() {
		if m.Ephemeral {
			c.view.Remove(m.ID)
		}
	}
}

// Cancel 中止进行中的流。
func (c *Coordinator) Cancel() {
	c.consumer.Cancel()
}

// Archive 软删除会话，失败时退回到硬删除。活动会话被归档后回到欢迎状态。
func (c *Coordinator) Archive(ctx context.Context, sessionID string) error {
	if _, err := c.ownedSession(ctx, sessionID, false); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	if err := c.store.ArchiveSession(ctx, sessionID); err != nil {
		log.Warnw("归档会话失败，改为删除", "session", sessionID, "error", err)
		if err := c.store.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("archive session: %w", err)
		}
	}
	c.resetIfActive(sessionID)
	return nil
}

// Delete 硬删除会话。
func (c *Coordinator) Delete(ctx context.Context, sessionID string) error {
	if _, err := c.ownedSession(ctx, sessionID, false); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	c.resetIfActive(sessionID)
	return nil
}

func (c *Coordinator) resetIfActive(sessionID string) {
	c.mu.Lock()
	active := c.sessionID == sessionID
	account := c.account
	c.mu.Unlock()
	if !active {
		return
	}
	c.consumer.Cancel()
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	c.welcome(account)
}

// Close 中止进行中的流，连接断开时调用。
func (c *Coordinator) Close() {
	c.consumer.Cancel()
}
