// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"time"

	"adsinsight-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const maxLoggedBody = 4 << 10

// 请求体中的凭证在写日志前被替换
var apiKeyPattern = regexp.MustCompile(`("apiKey"\s*:\s*)"(?:[^"\\]|\\.)*"`)

// bodyLogWriter 用于捕获响应体；事件流响应不捕获，避免长连接无限占用内存。
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 把响应写入 gin.ResponseWriter，并在非流式响应时复制一份到 buffer
func (w *bodyLogWriter) Write(b []byte) (int, error) {
	if !isEventStream(w.Header().Get("Content-Type")) && w.body.Len() < maxLoggedBody {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

// RedactSecrets 把 JSON 文本中 apiKey 字段的值替换为 ***。
func RedactSecrets(body string) string {
	return apiKeyPattern.ReplaceAllString(body, `$1"***"`)
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))

		blw := &bodyLogWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		reqLog := string(requestBody)
		if len(reqLog) > maxLoggedBody {
			reqLog = reqLog[:maxLoggedBody]
		}
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestBody", RedactSecrets(reqLog),
			"responseBody", RedactSecrets(blw.body.String()),
		)
	}
}
