package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"adsinsight-go/internal/middleware"
	"adsinsight-go/internal/model"
	"adsinsight-go/internal/repository"
	"adsinsight-go/internal/service"
	"adsinsight-go/pkg/log"
	"adsinsight-go/pkg/storage"

	"github.com/gin-gonic/gin"
)

const transcriptURLExpiry = 15 * time.Minute

// SessionHandler 提供会话存储的 REST 接口。
type SessionHandler struct {
	service service.SessionService
	bucket  string
}

// NewSessionHandler 创建一个新的 SessionHandler。bucket 为归档记录所在的存储桶。
func NewSessionHandler(service service.SessionService, bucket string) *SessionHandler {
	return &SessionHandler{service: service, bucket: bucket}
}

// CreateSessionRequest 定义了创建会话的请求体。
type CreateSessionRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Title     string `json:"title"`
}

// RenameSessionRequest 定义了重命名会话的请求体。
type RenameSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

// AppendMessageRequest 定义了追加消息的请求体。
type AppendMessageRequest struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}

// ListSessions 列出某个账户下未归档的会话。
func (h *SessionHandler) ListSessions(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID == "" {
		respond(c, http.StatusBadRequest, "accountId is required", nil)
		return
	}
	sessions, err := h.service.ListSessions(c.Request.Context(), middleware.UserID(c), accountID)
	if err != nil {
		log.Error("ListSessions: 查询会话失败", err)
		respond(c, http.StatusInternalServerError, "Failed to list sessions", nil)
		return
	}
	respond(c, http.StatusOK, "success", sessions)
}

// CreateSession 创建一个新会话。
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "accountId is required", nil)
		return
	}
	session, err := h.service.CreateSession(c.Request.Context(), middleware.UserID(c), req.AccountID, req.Title)
	if err != nil {
		log.Error("CreateSession: 创建会话失败", err)
		respond(c, http.StatusInternalServerError, "Failed to create session", nil)
		return
	}
	respond(c, http.StatusOK, "success", session)
}

// ListMessages 按创建时间升序返回会话消息。
func (h *SessionHandler) ListMessages(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	msgs, err := h.service.ListMessages(c.Request.Context(), session.ID)
	if err != nil {
		log.Error("ListMessages: 查询消息失败", err)
		respond(c, http.StatusInternalServerError, "Failed to load messages", nil)
		return
	}
	respond(c, http.StatusOK, "success", msgs)
}

// AppendMessage 直接追加一条消息。
func (h *SessionHandler) AppendMessage(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	var req AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "role and content are required", nil)
		return
	}
	err := h.service.AppendMessage(c.Request.Context(), session.ID, req.Role, req.Content)
	if errors.Is(err, service.ErrInvalidRole) || errors.Is(err, service.ErrEmptyContent) {
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err != nil {
		log.Error("AppendMessage: 保存消息失败", err)
		respond(c, http.StatusInternalServerError, "Failed to save message", nil)
		return
	}
	respond(c, http.StatusOK, "success", nil)
}

// RenameSession 修改会话标题。
func (h *SessionHandler) RenameSession(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	var req RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		respond(c, http.StatusBadRequest, "title is required", nil)
		return
	}
	if err := h.service.RenameSession(c.Request.Context(), session.ID, req.Title); err != nil {
		log.Error("RenameSession: 重命名失败", err)
		respond(c, http.StatusInternalServerError, "Failed to rename session", nil)
		return
	}
	respond(c, http.StatusOK, "success", nil)
}

// ArchiveSession 软删除会话。
func (h *SessionHandler) ArchiveSession(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if err := h.service.ArchiveSession(c.Request.Context(), session.ID); err != nil {
		log.Error("ArchiveSession: 归档失败", err)
		respond(c, http.StatusInternalServerError, "Failed to archive session", nil)
		return
	}
	respond(c, http.StatusOK, "success", nil)
}

// DeleteSession 硬删除会话及其消息。
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if err := h.service.DeleteSession(c.Request.Context(), session.ID); err != nil {
		log.Error("DeleteSession: 删除失败", err)
		respond(c, http.StatusInternalServerError, "Failed to delete session", nil)
		return
	}
	respond(c, http.StatusOK, "success", nil)
}

// TranscriptURL 返回已归档会话记录的临时下载链接。
func (h *SessionHandler) TranscriptURL(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if !session.Archived {
		respond(c, http.StatusConflict, "Session is not archived", nil)
		return
	}
	url, err := storage.GetPresignedURL(c.Request.Context(), h.bucket,
		storage.TranscriptObjectName(session.UserID, session.ID), transcriptURLExpiry)
	if err != nil {
		log.Warnf("TranscriptURL: 生成下载链接失败: %v", err)
		respond(c, http.StatusServiceUnavailable, "Transcript export is unavailable", nil)
		return
	}
	respond(c, http.StatusOK, "success", gin.H{"url": url, "expiresIn": int(transcriptURLExpiry.Seconds())})
}

// ownedSession 读取路径中的会话并校验归属。不属于当前用户的会话按不存在处理。
func (h *SessionHandler) ownedSession(c *gin.Context) (*model.ChatSession, bool) {
	session, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrSessionNotFound) || (err == nil && session.UserID != middleware.UserID(c)) {
		respond(c, http.StatusNotFound, "Session not found", nil)
		return nil, false
	}
	if err != nil {
		log.Error("读取会话失败", err)
		respond(c, http.StatusInternalServerError, "Failed to load session", nil)
		return nil, false
	}
	return session, true
}
