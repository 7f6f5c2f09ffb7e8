package gemini

import (
	"fmt"

	"google.golang.org/genai"

	"github.com/rbright/coachdesk/internal/coaching"
)

const systemPrompt = `你是中国人寿财险大宗业务的资深销售主管，正在实时旁听坐席与客户的电话。
根据坐席最新说出的内容，判断是否需要给坐席一条简短的指导建议。

规则:
- 只有在能明显改进通话效果时才给建议，否则 should_coach 为 false。
- 建议不超过 40 个汉字，直接可用，不要解释原因。
- category: INFO 一般提示, RISK 合规或承保风险, TRUST 建立信任, OBJECTION 处理异议, CLOSING 促成签单。
- priority: 合规风险或客户明确异议时为 HIGH，其他为 NORMAL。`

func generateConfig(temperature float32) *genai.GenerateContentConfig {
	categories := make([]string, 0, len(coaching.Categories))
	for _, c := range coaching.Categories {
		categories = append(categories, string(c))
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"should_coach": {Type: genai.TypeBoolean},
				"category":     {Type: genai.TypeString, Enum: categories},
				"priority":     {Type: genai.TypeString, Enum: []string{string(coaching.PriorityHigh), string(coaching.PriorityNormal)}},
				"content":      {Type: genai.TypeString, Description: "coaching advice for the agent"},
			},
			Required: []string{"should_coach", "category", "priority", "content"},
		},
	}
	if temperature > 0 {
		cfg.Temperature = genai.Ptr(temperature)
	}
	return cfg
}

func userPrompt(transcript string) string {
	return fmt.Sprintf("坐席最新发言:\n%s", transcript)
}
