package streamproto

import "strings"

// LineBuffer 累积解码后的文本并逐行取出；末尾不完整的行保留到下一次写入。
type LineBuffer struct {
	buf string
}

// Write 追加文本。
func (b *LineBuffer) Write(s string) {
	b.buf += s
}

// Next 取出下一条完整的行（不含换行符，去掉结尾的 \r）。没有完整行时 ok 为 false。
func (b *LineBuffer) Next() (line string, ok bool) {
	i := strings.IndexByte(b.buf, '\n')
	if i < 0 {
		return "", false
	}
	line = b.buf[:i]
	b.buf = b.buf[i+1:]
	return strings.TrimSuffix(line, "\r"), true
}

// PushBack 把一行放回缓冲区最前面，下一次 Next 会再次返回它。
func (b *LineBuffer) PushBack(line string) {
	b.buf = line + "\n" + b.buf
}

// Len 返回缓冲中的字节数。
func (b *LineBuffer) Len() int {
	return len(b.buf)
}

// Rest 返回并清空剩余的不完整内容。
func (b *LineBuffer) Rest() string {
	rest := b.buf
	b.buf = ""
	return rest
}
