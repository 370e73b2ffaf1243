package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	genericRelayError = "Failed to connect to AI service"
	maxTextErrorLen   = 300
)

// RelayMessage 是发给中继的一条历史消息。
type RelayMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RelayRequest 是中继的请求体。
type RelayRequest struct {
	Messages     []RelayMessage  `json:"messages"`
	CampaignData json.RawMessage `json:"campaignData"`
	APIKey       string          `json:"apiKey"`
	Model        string          `json:"model"`
}

// Relay 打开到中继的流式连接。非 2xx 响应返回 *RelayError。
type Relay interface {
	Open(ctx context.Context, req RelayRequest) (io.ReadCloser, error)
}

// HTTPRelay 通过 HTTP 调用中继。
type HTTPRelay struct {
	url    string
	client *http.Client
}

// NewHTTPRelay 创建中继客户端。流式响应不设整体超时，取消依赖 ctx。
func NewHTTPRelay(url string) *HTTPRelay {
	return &HTTPRelay{url: url, client: &http.Client{}}
}

func (r *HTTPRelay) Open(ctx context.Context, req RelayRequest) (io.ReadCloser, error) {
	if req.Messages == nil {
		req.Messages = []RelayMessage{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal relay request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", genericRelayError, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, parseRelayError(resp)
	}
	if resp.ContentLength == 0 {
		resp.Body.Close()
		return nil, ErrEmptyStream
	}
	return resp.Body, nil
}

// parseRelayError 取出最具体的错误信息：JSON 响应的 error 字段（字符串或 {message}），
// 否则文本响应的前 300 个字符，否则通用提示。
func parseRelayError(resp *http.Response) *RelayError {
	e := &RelayError{Status: resp.StatusCode, Message: genericRelayError}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return e
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var payload struct {
			Error any `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			switch v := payload.Error.(type) {
			case string:
				if strings.TrimSpace(v) != "" {
					e.Message = v
				}
			case map[string]any:
				// 上游原样透传的 {"error":{"message":...}}
				if msg, ok := v["message"].(string); ok && strings.TrimSpace(msg) != "" {
					e.Message = msg
				}
			}
		}
		return e
	}
	if text := string(raw); strings.TrimSpace(text) != "" {
		e.Message = truncateRunes(text, maxTextErrorLen)
	}
	return e
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
