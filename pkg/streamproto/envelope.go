package streamproto

import (
	"encoding/json"
	"strings"
)

// DoneSentinel 是终止帧的数据值。
const DoneSentinel = "[DONE]"

const dataPrefix = "data:"

// DoneFrame 是完整的终止帧。
var DoneFrame = []byte("data: " + DoneSentinel + "\n\n")

// Delta 是一次增量文本。
type Delta struct {
	Content string `json:"content"`
}

// Choice 对应信封中的 choices 元素。
type Choice struct {
	Delta Delta `json:"delta"`
}

// ErrorBody 是流中错误事件的负载。
type ErrorBody struct {
	Message string `json:"message"`
}

// Frame 是归一化后的事件信封：{"choices":[{"delta":{"content":...}}]} 或 {"error":{"message":...}}。
type Frame struct {
	Choices []Choice   `json:"choices,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// Content 返回第一个 choice 的 delta 文本。
func (f Frame) Content() string {
	if len(f.Choices) == 0 {
		return ""
	}
	return f.Choices[0].Delta.Content
}

// EncodeDelta 把一段文本编码为 "data: <json>\n\n"。
func EncodeDelta(content string) []byte {
	return encode(Frame{Choices: []Choice{{Delta: Delta{Content: content}}}})
}

// EncodeError 把一条流中错误编码为 "data: {"error":{...}}\n\n"。
func EncodeError(message string) []byte {
	return encode(Frame{Error: &ErrorBody{Message: message}})
}

func encode(f Frame) []byte {
	// Frame 只含字符串字段，Marshal 不会失败
	b, _ := json.Marshal(f)
	out := make([]byte, 0, len(b)+8)
	out = append(out, "data: "...)
	out = append(out, b...)
	return append(out, '\n', '\n')
}

// DataPayload 从 "data:" 行中取出负载，冒号后的一个空格可选。非 data 行返回 false。
func DataPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	payload := strings.TrimPrefix(line, dataPrefix)
	return strings.TrimPrefix(payload, " "), true
}

// DecodeFrame 解析一个 data 负载。
func DecodeFrame(payload string) (Frame, error) {
	var f Frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
