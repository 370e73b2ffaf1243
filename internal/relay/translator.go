// Package relay 实现流式中继：把 Gemini 的 SSE 事件重新编码为归一化的 delta 事件流。
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"adsinsight-go/pkg/gemini"
	"adsinsight-go/pkg/log"
	"adsinsight-go/pkg/streamproto"

	"google.golang.org/genai"
)

// DefaultModel 在请求未指定模型时使用。
const DefaultModel = "gemini-2.5-flash"

const readChunkSize = 4096

// Message 是请求中的一条历史消息。Content 保留原始 JSON，只有字符串内容会被转发。
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Request 是中继的入参，凭证与模型随请求显式给出。
type Request struct {
	Messages     []Message       `json:"messages"`
	CampaignData json.RawMessage `json:"campaignData"`
	APIKey       string          `json:"apiKey"`
	Model        string          `json:"model"`
}

// Upstream 抽象上游流式接口，便于测试替换。
type Upstream interface {
	StreamGenerateContent(ctx context.Context, apiKey, model string, req *gemini.GenerateRequest) (io.ReadCloser, error)
}

// EventWriter 接收归一化事件。
type EventWriter interface {
	Delta(content string) error
	Error(message string) error
	Done() error
}

// Translator 无跨请求状态，可并发使用。
type Translator struct {
	upstream     Upstream
	defaultModel string
}

// NewTranslator 创建中继。defaultModel 为空时使用 DefaultModel。
func NewTranslator(upstream Upstream, defaultModel string) *Translator {
	if strings.TrimSpace(defaultModel) == "" {
		defaultModel = DefaultModel
	}
	return &Translator{upstream: upstream, defaultModel: defaultModel}
}

// Stream 是一次已经建立的上游连接。
type Stream struct {
	ctx  context.Context
	body io.ReadCloser
}

// Open 校验凭证并连接上游。失败在任何字节写出之前返回，调用方据此给出非流式错误响应。
func (t *Translator) Open(ctx context.Context, req Request) (*Stream, error) {
	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		return nil, ErrCredentialMissing
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = t.defaultModel
	}

	upstreamReq := &gemini.GenerateRequest{
		SystemInstruction: gemini.TextContent("", BuildSystemPrompt(req.CampaignData)),
		Contents:          BuildContents(req.Messages),
	}

	body, err := t.upstream.StreamGenerateContent(ctx, apiKey, model, upstreamReq)
	if err != nil {
		return nil, classify(err)
	}
	return &Stream{ctx: ctx, body: body}, nil
}

// BuildContents 把本地历史映射到上游的角色词汇：assistant -> model。
// 其他角色以及非字符串内容被丢弃。
func BuildContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		var role string
		switch m.Role {
		case "user":
			role = gemini.RoleUser
		case "assistant":
			role = gemini.RoleModel
		default:
			continue
		}
		var text string
		if err := json.Unmarshal(m.Content, &text); err != nil {
			continue
		}
		contents = append(contents, gemini.TextContent(role, text))
	}
	return contents
}

func classify(err error) error {
	var se *gemini.StatusError
	if errors.As(err, &se) {
		kind := ErrUpstreamFailure
		switch se.StatusCode {
		case http.StatusTooManyRequests:
			kind = ErrRateLimited
		case http.StatusUnauthorized:
			kind = ErrInvalidCredential
		}
		return &UpstreamError{Kind: kind, Status: se.StatusCode, Body: se.Body, Err: err}
	}
	return &UpstreamError{Kind: ErrUpstreamFailure, Err: err}
}

// Relay 逐块读取上游并写出 delta 事件。无论以何种方式结束，都恰好写出一次 Done；
// 若上游在中途读取失败，在 Done 之前先写出一个 error 事件。
func (s *Stream) Relay(w EventWriter) (err error) {
	defer s.body.Close()
	defer func() {
		if doneErr := w.Done(); err == nil {
			err = doneErr
		}
	}()

	dec := streamproto.NewDecoder()
	var lines streamproto.LineBuffer
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := s.body.Read(buf)
		if n > 0 {
			text, decErr := dec.Decode(buf[:n], false)
			if decErr != nil {
				return decErr
			}
			lines.Write(text)
			for {
				line, ok := lines.Next()
				if !ok {
					break
				}
				if err := emitLine(w, line); err != nil {
					return err
				}
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			tail, _ := dec.Decode(nil, true)
			lines.Write(tail)
			for {
				line, ok := lines.Next()
				if !ok {
					break
				}
				if err := emitLine(w, line); err != nil {
					return err
				}
			}
			return emitLine(w, strings.TrimSuffix(lines.Rest(), "\r"))
		}
		if s.ctx.Err() != nil {
			// 调用方已断开
			return s.ctx.Err()
		}
		log.Warnw("upstream stream interrupted", "error", readErr)
		if werr := w.Error("upstream stream interrupted: " + readErr.Error()); werr != nil {
			return werr
		}
		return readErr
	}
}

func emitLine(w EventWriter, line string) error {
	payload, ok := streamproto.DataPayload(line)
	if !ok {
		return nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == streamproto.DoneSentinel {
		return nil
	}
	text, err := gemini.FrameText([]byte(payload))
	if err != nil {
		log.Debugf("skip malformed upstream frame: %v", err)
		return nil
	}
	if text == "" {
		return nil
	}
	return w.Delta(text)
}
