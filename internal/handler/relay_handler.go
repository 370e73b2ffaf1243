package handler

import (
	"errors"
	"net/http"

	"adsinsight-go/internal/relay"
	"adsinsight-go/pkg/log"
	"adsinsight-go/pkg/streamproto"

	"github.com/gin-gonic/gin"
)

// RelayHandler 暴露流式中继接口 POST /api/v1/analyze-ads。
type RelayHandler struct {
	translator *relay.Translator
}

// NewRelayHandler 创建一个新的 RelayHandler。
func NewRelayHandler(translator *relay.Translator) *RelayHandler {
	return &RelayHandler{translator: translator}
}

// AnalyzeAds 把请求转发给上游并以 SSE 形式回写归一化的 delta 事件。
// 上游连接建立之前的失败以普通 JSON {error} 返回。
func (h *RelayHandler) AnalyzeAds(c *gin.Context) {
	var req relay.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("AnalyzeAds: 无效的请求体: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	stream, err := h.translator.Open(c.Request.Context(), req)
	if err != nil {
		var upstreamErr *relay.UpstreamError
		if errors.As(err, &upstreamErr) {
			log.Warnw("上游请求失败", "status", upstreamErr.Status, "body", upstreamErr.Body)
		} else if !errors.Is(err, relay.ErrCredentialMissing) {
			log.Error("AnalyzeAds: 打开上游流失败", err)
		}
		c.JSON(relay.HTTPStatus(err), gin.H{"error": relay.UserMessage(err)})
		return
	}

	if err := stream.Relay(streamproto.NewSSEWriter(c.Writer)); err != nil {
		log.Warnf("AnalyzeAds: 流式中继中断: %v", err)
	}
}
