package consumer

import "strings"

const paragraphBreak = "\n\n"

// segmenter 把连续的 delta 按段落（双换行）切分为独立的气泡。
type segmenter struct {
	buf string
}

// Push 追加一段 delta，返回因此完成的段落（已去除首尾空白，空段被跳过）。
func (s *segmenter) Push(delta string) []string {
	s.buf += delta
	if !strings.Contains(s.buf, paragraphBreak) {
		return nil
	}
	parts := strings.Split(s.buf, paragraphBreak)
	s.buf = parts[len(parts)-1]

	var done []string
	for _, p := range parts[:len(parts)-1] {
		if t := strings.TrimSpace(p); t != "" {
			done = append(done, t)
		}
	}
	return done
}

// Current 返回正在累积的段落。
func (s *segmenter) Current() string {
	return s.buf
}

// Flush 返回去除空白后的剩余内容并清空缓冲。
func (s *segmenter) Flush() string {
	rest := strings.TrimSpace(s.buf)
	s.buf = ""
	return rest
}
