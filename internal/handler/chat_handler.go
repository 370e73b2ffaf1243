// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"adsinsight-go/internal/consumer"
	"adsinsight-go/internal/middleware"
	"adsinsight-go/internal/repository"
	"adsinsight-go/internal/service"
	"adsinsight-go/pkg/log"
	"adsinsight-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamTokenTTL = 5 * time.Minute
	wsWriteTimeout = 10 * time.Second
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责处理 WebSocket 聊天连接。每个连接拥有自己的 Consumer 与 Coordinator。
type ChatHandler struct {
	sessions   service.SessionService
	settings   service.AISettingsService
	relay      consumer.Relay
	persister  consumer.Persister
	opts       consumer.Options
	jwtManager *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(sessions service.SessionService, settings service.AISettingsService, relay consumer.Relay,
	persister consumer.Persister, opts consumer.Options, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		sessions:   sessions,
		settings:   settings,
		relay:      relay,
		persister:  persister,
		opts:       opts,
		jwtManager: jwtManager,
	}
}

// ChatCommand 是客户端发来的指令。
type ChatCommand struct {
	Type      string            `json:"type"` // send | stop | select_account | select_session | new_chat | archive | delete | context
	Text      string            `json:"text,omitempty"`
	Account   *consumer.Account `json:"account,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
}

// GetWebsocketToken 为当前用户签发一个短期的 WebSocket 连接令牌。
func (h *ChatHandler) GetWebsocketToken(c *gin.Context) {
	claims := c.MustGet(middleware.ContextClaims).(*token.CustomClaims)
	tok, err := h.jwtManager.GenerateStreamToken(claims.UserID, claims.Username, streamTokenTTL)
	if err != nil {
		log.Error("签发 WebSocket 令牌失败", err)
		respond(c, http.StatusInternalServerError, "Failed to issue token", nil)
		return
	}
	respond(c, http.StatusOK, "success", gin.H{"token": tok, "expiresIn": int(streamTokenTTL.Seconds())})
}

// wsWriter 串行化对同一连接的写入。
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error("序列化 WebSocket 消息失败", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Debugf("写入 WebSocket 失败: %v", err)
	}
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatHandler) Handle(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Param("token"))
	if err != nil || claims.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	connID := token.GenerateRandomString(12)
	w := &wsWriter{conn: conn}
	view := consumer.NewConversation(func(e consumer.Event) {
		w.send(gin.H{"type": "view", "event": e})
	})
	notifier := consumer.NotifierFunc(func(n consumer.Notification) {
		w.send(gin.H{"type": "notification", "notification": n})
	})
	opts := h.opts
	opts.OnStateChange = func(id uint64, s consumer.State) {
		log.Infow("流式响应结束", "conn", connID, "user", claims.UserID, "stream", id, "state", s.String())
		w.send(gin.H{"type": "state", "streamId": id, "state": s.String()})
	}
	cons := consumer.New(h.relay, h.persister, view, notifier, opts)
	coord := consumer.NewCoordinator(claims.UserID, h.sessions, h.settings, cons, view, notifier)
	defer coord.Close()

	// 连接级别的 ctx，不随升级请求结束
	ctx := context.WithoutCancel(c.Request.Context())
	log.Infow("WebSocket 连接已建立", "conn", connID, "user", claims.UserID)
	w.send(gin.H{"type": "ready", "connectionId": connID, "canSend": coord.CanSend(ctx)})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			break
		}
		var cmd ChatCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			w.send(gin.H{"type": "error", "message": "invalid command"})
			continue
		}
		if err := h.dispatch(ctx, coord, cmd, w); err != nil {
			log.Warnw("处理聊天指令失败", "conn", connID, "type", cmd.Type, "error", err)
			w.send(gin.H{"type": "error", "command": cmd.Type, "message": commandErrorMessage(err)})
		}
	}
	log.Infow("WebSocket 连接已关闭", "conn", connID, "user", claims.UserID)
}

func (h *ChatHandler) dispatch(ctx context.Context, coord *consumer.Coordinator, cmd ChatCommand, w *wsWriter) error {
	switch cmd.Type {
	case "send":
		id, err := coord.Send(ctx, cmd.Text)
		if err != nil {
			return err
		}
		w.send(gin.H{"type": "state", "streamId": id, "state": consumer.StateStreaming.String(), "sessionId": coord.SessionID()})
		return nil
	case "stop":
		coord.Cancel()
		return nil
	case "select_account":
		if cmd.Account == nil || cmd.Account.ID == "" {
			return consumer.ErrAccountRequired
		}
		return coord.SelectAccount(ctx, *cmd.Account)
	case "select_session":
		return coord.SelectSession(ctx, cmd.SessionID)
	case "new_chat":
		s, err := coord.NewChat(ctx)
		if err != nil {
			return err
		}
		w.send(gin.H{"type": "session", "session": s})
		return nil
	case "archive":
		return coord.Archive(ctx, cmd.SessionID)
	case "delete":
		return coord.Delete(ctx, cmd.SessionID)
	case "context":
		coord.SetContext(cmd.Data)
		return nil
	default:
		return errUnknownCommand
	}
}

var errUnknownCommand = errors.New("unknown command")

// commandErrorMessage 把已知错误翻译为可展示的提示，其余统一为通用提示。
func commandErrorMessage(err error) string {
	switch {
	case errors.Is(err, consumer.ErrAccountRequired), errors.Is(err, consumer.ErrEmptyMessage),
		errors.Is(err, errUnknownCommand):
		return err.Error()
	case errors.Is(err, repository.ErrSessionNotFound):
		return "Session not found"
	default:
		return "Request failed, please try again"
	}
}
