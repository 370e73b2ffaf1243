package consumer

import (
	"strings"
	"unicode/utf8"

	"adsinsight-go/internal/model"
)

const titleEllipsis = "..."

// DeriveTitle 把文本压缩为会话标题：合并空白，超过 maxLen 个字符时截断并加省略号。
func DeriveTitle(text string, maxLen int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if maxLen <= 0 || utf8.RuneCountInString(cleaned) <= maxLen {
		return cleaned
	}
	return string([]rune(cleaned)[:maxLen]) + titleEllipsis
}

// RecentTitle 用最近 recent 条用户消息生成标题。
func RecentTitle(msgs []Message, recent, maxLen int) string {
	var users []string
	for _, m := range msgs {
		if m.Role == model.RoleUser && !m.Ephemeral {
			users = append(users, m.Content)
		}
	}
	if recent > 0 && len(users) > recent {
		users = users[len(users)-recent:]
	}
	return DeriveTitle(strings.Join(users, " "), maxLen)
}
