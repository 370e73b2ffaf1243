package gemini

import (
	"encoding/json"
	"strings"

	"google.golang.org/genai"
)

// TextContent 构造一条纯文本的 Content。
func TextContent(role, text string) *genai.Content {
	return &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}}
}

// FrameText 解析一个 SSE data 负载，返回第一个候选中所有 text part 按顺序拼接的结果。
func FrameText(payload []byte) (string, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}
