// Package streamproto 定义中继与消费端共享的流式线路协议：
// 可续接的 UTF-8 解码、按行切分（支持回退）、delta/error/[DONE] 帧的编码与解析，以及 SSE 写出。
package streamproto

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decoder 把任意切分的字节块解码为文本，跨块的多字节字符会被保留到下一次调用。
type Decoder struct {
	t     transform.Transformer
	carry []byte
}

// NewDecoder 创建一个 UTF-8 流式解码器。
func NewDecoder() *Decoder {
	return &Decoder{t: unicode.UTF8.NewDecoder()}
}

// Decode 解码一个字节块。atEOF 为 true 时，残留的不完整字符以 U+FFFD 输出。
func (d *Decoder) Decode(p []byte, atEOF bool) (string, error) {
	src := make([]byte, 0, len(d.carry)+len(p))
	src = append(src, d.carry...)
	src = append(src, p...)
	d.carry = nil

	var out strings.Builder
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]
		switch {
		case err == nil:
			return out.String(), nil
		case errors.Is(err, transform.ErrShortSrc):
			d.carry = append(d.carry, src...)
			return out.String(), nil
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, 2*len(dst))
			}
		default:
			return out.String(), err
		}
	}
}

// Pending 返回尚未解码的残留字节数。
func (d *Decoder) Pending() int {
	return len(d.carry)
}
