// Package gemini 提供调用 Gemini streamGenerateContent 接口的流式客户端。
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// 上游的角色词汇
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Config 描述客户端的连接参数。凭证不在这里，由每次请求显式传入。
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration // 0 表示不限制，流式响应的时长由上游决定
}

// GenerateRequest 是 streamGenerateContent 的请求体。
type GenerateRequest struct {
	SystemInstruction *genai.Content   `json:"systemInstruction,omitempty"`
	Contents          []*genai.Content `json:"contents"`
}

// StatusError 表示上游返回了非 200 状态。
type StatusError struct {
	StatusCode int
	Status     string // 上游 error.status，例如 RESOURCE_EXHAUSTED
	Message    string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gemini: http %d: %s (status=%s)", e.StatusCode, e.Message, e.Status)
	}
	return fmt.Sprintf("gemini: http %d: %s", e.StatusCode, e.Body)
}

// Client 是无状态的上游客户端，可被多个请求并发使用。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// StreamGenerateContent 打开一个 SSE 流并返回响应体，由调用方负责关闭。
// 非 200 响应以 *StatusError 返回。
func (c *Client) StreamGenerateContent(ctx context.Context, apiKey, model string, req *GenerateRequest) (io.ReadCloser, error) {
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.baseURL, url.PathEscape(model), url.QueryEscape(apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("gemini: create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: send stream request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, newStatusError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

func newStatusError(code int, body []byte) *StatusError {
	se := &StatusError{StatusCode: code, Body: string(body)}
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		se.Message = errResp.Error.Message
		se.Status = errResp.Error.Status
	}
	return se
}
