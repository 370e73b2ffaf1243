package relay

import (
	"bytes"
	"encoding/json"
	"strings"
)

const noCampaignData = "No specific campaign data provided. Use general best practices."

const promptHeader = `You are a Google Ads analyst embedded in the user's dashboard. Analyze the account data below and propose concrete improvements.

Rules:
- The campaign data is already in context. Do not ask for it again.
- Point out problems you notice (rising CPA, falling CTR, spend without conversions) even when not asked.
- Keep paragraphs to two or three lines and separate them with blank lines. Prefer bullet points and short sections with headers.
- Refer to campaigns and keywords by their exact names.
- Use Markdown tables to compare metrics and code blocks for negative keyword lists.

Current campaign context:
`

const promptFooter = `

Answer in a clear structure with bold key metrics. Short paragraphs only.`

// BuildSystemPrompt 把上下文数据（缩进两格的 JSON）嵌入固定的分析提示模板。
func BuildSystemPrompt(campaignData json.RawMessage) string {
	var sb strings.Builder
	sb.WriteString(promptHeader)
	sb.WriteString(formatCampaignData(campaignData))
	sb.WriteString(promptFooter)
	return sb.String()
}

func formatCampaignData(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return noCampaignData
	}
	var out bytes.Buffer
	if err := json.Indent(&out, trimmed, "", "  "); err != nil {
		return noCampaignData
	}
	return out.String()
}
