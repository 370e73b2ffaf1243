package handler

import (
	"errors"
	"net/http"

	"adsinsight-go/internal/middleware"
	"adsinsight-go/internal/service"
	"adsinsight-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AISettingsHandler 管理当前用户的 Gemini 凭证。
type AISettingsHandler struct {
	service service.AISettingsService
}

// NewAISettingsHandler 创建一个新的 AISettingsHandler。
func NewAISettingsHandler(service service.AISettingsService) *AISettingsHandler {
	return &AISettingsHandler{service: service}
}

// SaveAISettingsRequest 定义了保存 AI 设置的请求体。
type SaveAISettingsRequest struct {
	APIKey string `json:"apiKey"`
	Model  string `json:"model"`
}

type aiSettingsView struct {
	HasKey    bool   `json:"hasKey"`
	MaskedKey string `json:"maskedKey,omitempty"`
	Model     string `json:"model"`
}

func settingsView(creds *service.AICredentials) aiSettingsView {
	if creds == nil {
		return aiSettingsView{Model: service.DefaultModel}
	}
	return aiSettingsView{HasKey: true, MaskedKey: service.MaskAPIKey(creds.APIKey), Model: creds.Model}
}

// Get 返回用户的 AI 设置，API key 只返回掩码。
func (h *AISettingsHandler) Get(c *gin.Context) {
	creds, err := h.service.GetUserAISettings(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		log.Error("获取 AI 设置失败", err)
		respond(c, http.StatusInternalServerError, "Failed to load AI settings", nil)
		return
	}
	respond(c, http.StatusOK, "success", settingsView(creds))
}

// Save 保存用户的 API key 与模型。
func (h *AISettingsHandler) Save(c *gin.Context) {
	var req SaveAISettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	creds, err := h.service.SaveUserAISettings(c.Request.Context(), middleware.UserID(c), req.APIKey, req.Model)
	if errors.Is(err, service.ErrAPIKeyRequired) {
		respond(c, http.StatusBadRequest, "apiKey is required", nil)
		return
	}
	if err != nil {
		log.Error("保存 AI 设置失败", err)
		respond(c, http.StatusInternalServerError, "Failed to save AI settings", nil)
		return
	}
	respond(c, http.StatusOK, "success", settingsView(creds))
}

// Delete 删除用户的 AI 设置，之后无法发送消息。
func (h *AISettingsHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteUserAISettings(c.Request.Context(), middleware.UserID(c)); err != nil {
		log.Error("删除 AI 设置失败", err)
		respond(c, http.StatusInternalServerError, "Failed to delete AI settings", nil)
		return
	}
	respond(c, http.StatusOK, "success", nil)
}
