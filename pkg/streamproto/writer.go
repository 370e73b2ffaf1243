package streamproto

import (
	"net/http"
	"sync"
)

// SSEWriter 向 HTTP 响应写出归一化事件，每帧之后立即 Flush。
// Done 只会真正写出一次。
type SSEWriter struct {
	w        http.ResponseWriter
	doneOnce sync.Once
	err      error
}

// NewSSEWriter 设置事件流响应头并返回写出器。
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w}
}

// Delta 写出一个 delta 事件，空文本忽略。
func (s *SSEWriter) Delta(content string) error {
	if content == "" {
		return nil
	}
	return s.write(EncodeDelta(content))
}

// Error 写出一个流中错误事件。
func (s *SSEWriter) Error(message string) error {
	return s.write(EncodeError(message))
}

// Done 写出终止帧。
func (s *SSEWriter) Done() error {
	var err error
	s.doneOnce.Do(func() {
		_, err = s.w.Write(DoneFrame)
		s.flush()
	})
	return err
}

func (s *SSEWriter) write(frame []byte) error {
	if s.err != nil {
		return s.err
	}
	if _, err := s.w.Write(frame); err != nil {
		s.err = err
		return err
	}
	s.flush()
	return nil
}

func (s *SSEWriter) flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}
