package consumer

import (
	"sync"
	"time"

	"adsinsight-go/internal/model"

	"github.com/google/uuid"
)

// Message 是可见对话中的一个气泡。
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Ephemeral bool      `json:"ephemeral,omitempty"` // 欢迎语等不落库、不发给中继的消息
	Streaming bool      `json:"streaming,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// EventType 是对话视图的变更类型。
type EventType string

const (
	EventReset  EventType = "reset"
	EventAppend EventType = "append"
	EventUpdate EventType = "update"
	EventRemove EventType = "remove"
	EventTitle  EventType = "title"
)

// Event 描述一次视图变更。
type Event struct {
	Type      EventType `json:"type"`
	Message   *Message  `json:"message,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Title     string    `json:"title,omitempty"`
}

// Listener 在持有视图锁时被调用，不能回调 Conversation。
type Listener func(Event)

// Conversation 是可见对话，按顺序保存气泡。并发安全。
type Conversation struct {
	mu       sync.Mutex
	messages []Message
	listener Listener
}

// NewConversation 创建对话视图，listener 可以为 nil。
func NewConversation(listener Listener) *Conversation {
	return &Conversation{listener: listener}
}

func (c *Conversation) emit(e Event) {
	if c.listener != nil {
		c.listener(e)
	}
}

// Reset 用给定的消息替换整个对话。
func (c *Conversation) Reset(msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append([]Message(nil), msgs...)
	c.emit(Event{Type: EventReset, Messages: c.snapshotLocked()})
}

// Append 追加一个气泡并返回其 ID。
func (c *Conversation) Append(m Message) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	c.messages = append(c.messages, m)
	c.emit(Event{Type: EventAppend, Message: &m})
	return m.ID
}

// Update 修改气泡的内容与流式标记。气泡不存在时返回 false。
func (c *Conversation) Update(id, content string, streaming bool) bool {
	return c.update(id, func(m *Message) {
		m.Content = content
		m.Streaming = streaming
	})
}

// UpdateEphemeral 定格气泡内容并标记为临时消息：继续展示，但不再进入 History。
// 用于未落库的内容，例如被用户中止的回复。
func (c *Conversation) UpdateEphemeral(id, content string) bool {
	return c.update(id, func(m *Message) {
		m.Content = content
		m.Streaming = false
		m.Ephemeral = true
	})
}

func (c *Conversation) update(id string, apply func(*Message)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID == id {
			apply(&c.messages[i])
			m := c.messages[i]
			c.emit(Event{Type: EventUpdate, Message: &m})
			return true
		}
	}
	return false
}

// Remove 删除一个气泡。
func (c *Conversation) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID == id {
			m := c.messages[i]
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			c.emit(Event{Type: EventRemove, Message: &m})
			return true
		}
	}
	return false
}

// SetTitle 通知会话标题已变化。
func (c *Conversation) SetTitle(sessionID, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit(Event{Type: EventTitle, SessionID: sessionID, Title: title})
}

// Snapshot 返回当前全部气泡的副本。
func (c *Conversation) Snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Conversation) snapshotLocked() []Message {
	return append([]Message(nil), c.messages...)
}

// History 返回发给中继的历史：排除临时消息与空气泡，最多保留最近 max 条（max<=0 不限制）。
func (c *Conversation) History(max int) []RelayMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RelayMessage, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Ephemeral || m.Content == "" {
			continue
		}
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}
		out = append(out, RelayMessage{Role: m.Role, Content: m.Content})
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// FromStored 把存储中的消息转换为视图气泡。
func FromStored(msgs []model.ChatMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return out
}
