package consumer

import "errors"

var (
	ErrAccountRequired = errors.New("an ads account must be selected")
	ErrEmptyMessage    = errors.New("message is empty")
	// ErrFrameOverflow 表示无法解析的帧在缓冲中滞留过久或缓冲超过上限。
	ErrFrameOverflow = errors.New("stream frame buffer overflow")
	ErrEmptyStream   = errors.New("AI service returned an empty response stream")
	// ErrMalformedFrame 表示流结束时缓冲里仍有无法解析的帧。
	ErrMalformedFrame = errors.New("AI response ended with an unreadable frame")
)

// RelayError 是中继在开始流式输出之前返回的非 2xx 响应。
type RelayError struct {
	Status  int
	Message string
}

func (e *RelayError) Error() string {
	return e.Message
}
