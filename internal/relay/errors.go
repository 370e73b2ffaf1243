package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// 中继的错误分类
var (
	ErrCredentialMissing = errors.New("relay: api key is required")
	ErrInvalidCredential = errors.New("relay: upstream rejected the api key")
	ErrRateLimited       = errors.New("relay: upstream rate limit exceeded")
	ErrUpstreamFailure   = errors.New("relay: upstream failure")
)

// UpstreamError 携带上游的状态码与响应体，用于诊断。Kind 为上面的某个哨兵错误。
type UpstreamError struct {
	Kind   error
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%v (upstream status %d)", e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// HTTPStatus 把错误映射为对调用方的 HTTP 状态码。
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrCredentialMissing):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage 返回可直接展示给终端用户的错误文案。
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrCredentialMissing):
		return "API key not configured. Add your Gemini key in Settings."
	case errors.Is(err, ErrRateLimited):
		return "Request limit exceeded. Wait a moment and try again."
	case errors.Is(err, ErrInvalidCredential):
		return "Invalid API key. Check your key in Settings."
	default:
		return "Failed to get a response from the AI. Check your Gemini API key."
	}
}
