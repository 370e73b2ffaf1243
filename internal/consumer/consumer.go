// Package consumer 实现流式对话的消费端：打开中继连接，增量解码事件，
// 按段落重组为聊天气泡，实时更新可见对话，并把完成的消息交给持久化队列。
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"adsinsight-go/internal/model"
	"adsinsight-go/internal/service"
	"adsinsight-go/pkg/log"
	"adsinsight-go/pkg/streamproto"
	"adsinsight-go/pkg/tasks"
)

const readChunkSize = 4096

// State 是一次流的生命周期状态。
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options 控制帧缓冲上限、历史长度与标题维护。
type Options struct {
	MaxCarryBytes    int
	MaxFrameRetries  int
	MaxHistory       int
	TitleEveryTurns  int
	TitleMaxLen      int
	TitleRecentTurns int
	// OnStateChange 在每次流结束时以终态调用（测试与日志用），可以为 nil。
	OnStateChange func(id uint64, s State)
}

func (o *Options) withDefaults() {
	if o.MaxCarryBytes <= 0 {
		o.MaxCarryBytes = 1 << 20
	}
	if o.MaxFrameRetries <= 0 {
		o.MaxFrameRetries = 16
	}
	if o.TitleMaxLen <= 0 {
		o.TitleMaxLen = 60
	}
	if o.TitleRecentTurns <= 0 {
		o.TitleRecentTurns = 3
	}
}

// Persister 接收持久化任务，Enqueue 不能阻塞。
type Persister interface {
	Enqueue(task tasks.PersistTask) error
}

// SendRequest 是一次发送所需的全部显式上下文。
type SendRequest struct {
	SessionID    string
	Text         string
	Credentials  service.AICredentials
	CampaignData json.RawMessage
}

// stream 是一次进行中的请求。
type stream struct {
	id        uint64
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu            sync.Mutex
	userCancelled bool
}

func (s *stream) markCancelled() {
	s.mu.Lock()
	s.userCancelled = true
	s.mu.Unlock()
}

func (s *stream) cancelledByUser() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userCancelled
}

// Consumer 保证同一时刻最多只有一个进行中的流。
type Consumer struct {
	relay    Relay
	persist  Persister
	view     *Conversation
	notifier Notifier
	opts     Options

	sendMu sync.Mutex // 串行化 Send，保证取消旧流与启动新流之间没有交错

	mu     sync.Mutex
	active *stream
	nextID uint64
	last   State
	turns  map[string]int
}

// New 创建 Consumer。notifier 可以为 nil。
func New(relay Relay, persist Persister, view *Conversation, notifier Notifier, opts Options) *Consumer {
	opts.withDefaults()
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	return &Consumer{
		relay:    relay,
		persist:  persist,
		view:     view,
		notifier: notifier,
		opts:     opts,
		turns:    make(map[string]int),
	}
}

// State 返回当前流的状态；没有进行中的流时返回最近一次的终态。
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return StateStreaming
	}
	return c.last
}

// SeedTurns 设置会话已完成的轮数，切换到已有会话时用于续算标题周期。
func (c *Consumer) SeedTurns(sessionID string, n int) {
	c.mu.Lock()
	c.turns[sessionID] = n
	c.mu.Unlock()
}

// Cancel 中止进行中的流并等待其结束。没有进行中的流时什么也不做。
func (c *Consumer) Cancel() {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.markCancelled()
	s.cancel()
	<-s.done
}

// Wait 等待进行中的流结束。
func (c *Consumer) Wait() {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s != nil {
		<-s.done
	}
}

// Send 取消旧流，乐观地追加并持久化用户消息，然后在后台打开新的中继流。返回流 ID。
func (c *Consumer) Send(ctx context.Context, req SendRequest) (uint64, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return 0, ErrEmptyMessage
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.Cancel()

	userID := c.view.Append(Message{Role: model.RoleUser, Content: text, CreatedAt: time.Now().UTC()})
	c.enqueue(tasks.PersistTask{
		Kind:      tasks.KindAppendMessage,
		SessionID: req.SessionID,
		MessageID: userID,
		Role:      model.RoleUser,
		Content:   text,
	})

	relayReq := RelayRequest{
		Messages:     c.view.History(c.opts.MaxHistory),
		CampaignData: req.CampaignData,
		APIKey:       req.Credentials.APIKey,
		Model:        req.Credentials.Model,
	}

	// 流的生命周期独立于发起请求的 ctx，只保留其中的值
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.nextID++
	s := &stream{id: c.nextID, sessionID: req.SessionID, cancel: cancel, done: make(chan struct{})}
	c.active = s
	c.mu.Unlock()

	go c.run(streamCtx, s, userID, relayReq)
	return s.id, nil
}

func (c *Consumer) enqueue(task tasks.PersistTask) {
	if err := c.persist.Enqueue(task); err != nil {
		log.Warnw("持久化任务入队失败", "session", task.SessionID, "kind", task.Kind, "error", err)
	}
}

func (c *Consumer) persistAssistant(sessionID, text string) {
	c.enqueue(tasks.PersistTask{
		Kind:      tasks.KindAppendMessage,
		SessionID: sessionID,
		Role:      model.RoleAssistant,
		Content:   text,
	})
}

func (c *Consumer) finish(s *stream, state State) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.last = state
	hook := c.opts.OnStateChange
	c.mu.Unlock()

	s.cancel()
	if hook != nil {
		hook(s.id, state)
	}
	close(s.done)
}

func (c *Consumer) run(ctx context.Context, s *stream, userMsgID string, req RelayRequest) {
	body, err := c.relay.Open(ctx, req)
	if err != nil {
		if ctx.Err() != nil || s.cancelledByUser() {
			c.finish(s, StateCancelled)
			return
		}
		log.Warnw("中继请求失败", "session", s.sessionID, "error", err)
		c.notifier.Notify(errorNotice("AI request failed", openErrorMessage(err)))
		c.view.Remove(userMsgID)
		c.finish(s, StateFailed)
		return
	}
	stop := context.AfterFunc(ctx, func() { body.Close() })

	bubbleID := c.view.Append(Message{Role: model.RoleAssistant, Streaming: true, CreatedAt: time.Now().UTC()})
	r := &reader{c: c, s: s, bubbleID: bubbleID}
	streamErr := r.consume(ctx, body)
	stop()
	body.Close()

	state := StateCompleted
	switch {
	case ctx.Err() != nil || s.cancelledByUser():
		state = StateCancelled
	case streamErr != nil:
		state = StateFailed
	}

	switch state {
	case StateCancelled:
		// 已渲染的部分保留在视图中，但不落库，也不进入下一次请求的历史
		if cur := strings.TrimSpace(r.seg.Current()); cur != "" {
			c.view.UpdateEphemeral(r.bubbleID, cur)
		} else {
			c.view.Remove(r.bubbleID)
		}
	default:
		if rest := r.seg.Flush(); rest != "" {
			c.view.Update(r.bubbleID, rest, false)
			c.persistAssistant(s.sessionID, rest)
		} else {
			c.view.Remove(r.bubbleID)
		}
	}

	if state == StateFailed {
		log.Warnw("流式响应中断", "session", s.sessionID, "error", streamErr)
		c.notifier.Notify(errorNotice("AI response interrupted", streamErr.Error()))
	}
	if state == StateCompleted {
		c.afterTurn(s.sessionID)
	}
	c.finish(s, state)
}

// afterTurn 累计完成的轮数，每 TitleEveryTurns 轮用最近的用户消息重写标题。
func (c *Consumer) afterTurn(sessionID string) {
	if c.opts.TitleEveryTurns <= 0 || sessionID == "" {
		return
	}
	c.mu.Lock()
	c.turns[sessionID]++
	n := c.turns[sessionID]
	c.mu.Unlock()
	if n%c.opts.TitleEveryTurns != 0 {
		return
	}
	title := RecentTitle(c.view.Snapshot(), c.opts.TitleRecentTurns, c.opts.TitleMaxLen)
	if title == "" {
		return
	}
	c.enqueue(tasks.PersistTask{Kind: tasks.KindRenameSession, SessionID: sessionID, Title: title})
	c.view.SetTitle(sessionID, title)
}

func openErrorMessage(err error) string {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Message
	}
	if errors.Is(err, ErrEmptyStream) {
		return ErrEmptyStream.Error()
	}
	return genericRelayError
}

// reader 持有一次流的解码与重组状态。
type reader struct {
	c        *Consumer
	s        *stream
	bubbleID string

	dec     *streamproto.Decoder
	lines   streamproto.LineBuffer
	seg     segmenter
	retries int
}

// consume 读取响应体直到 EOF、取消或出错。返回 nil 表示正常结束。
func (r *reader) consume(ctx context.Context, body io.Reader) error {
	r.dec = streamproto.NewDecoder()
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := body.Read(buf)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		atEOF := errors.Is(readErr, io.EOF)
		if n > 0 || atEOF {
			text, err := r.dec.Decode(buf[:n], atEOF)
			if err != nil {
				return err
			}
			r.lines.Write(text)
			if atEOF && r.lines.Len() > 0 {
				// 末尾没有换行的最后一帧
				r.lines.Write("\n")
			}
			if err := r.processLines(); err != nil {
				return err
			}
			if atEOF && r.lines.Len() > 0 {
				// 被放回的帧已经等不到后续数据
				return ErrMalformedFrame
			}
			if r.lines.Len()+r.dec.Pending() > r.c.opts.MaxCarryBytes {
				return ErrFrameOverflow
			}
		}
		if readErr != nil {
			if atEOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return readErr
		}
	}
}

// processLines 处理缓冲中的完整行。遇到无法解析的帧时把该行放回缓冲并停止本块的处理。
func (r *reader) processLines() error {
	for {
		line, ok := r.lines.Next()
		if !ok {
			return nil
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ":") {
			continue
		}
		payload, ok := streamproto.DataPayload(trimmed)
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == streamproto.DoneSentinel {
			// 本行结束，不等同于协议层的终止
			continue
		}
		frame, err := streamproto.DecodeFrame(payload)
		if err != nil {
			r.retries++
			if r.retries > r.c.opts.MaxFrameRetries {
				return ErrFrameOverflow
			}
			r.lines.PushBack(line)
			return nil
		}
		r.retries = 0
		if frame.Error != nil {
			msg := strings.TrimSpace(frame.Error.Message)
			if msg == "" {
				msg = "AI response interrupted"
			}
			return errors.New(msg)
		}
		r.appendDelta(frame.Content())
	}
}

func (r *reader) appendDelta(delta string) {
	if delta == "" {
		return
	}
	for _, part := range r.seg.Push(delta) {
		r.c.view.Update(r.bubbleID, part, false)
		r.c.persistAssistant(r.s.sessionID, part)
		r.bubbleID = r.c.view.Append(Message{Role: model.RoleAssistant, Streaming: true, CreatedAt: time.Now().UTC()})
	}
	r.c.view.Update(r.bubbleID, r.seg.Current(), true)
}
