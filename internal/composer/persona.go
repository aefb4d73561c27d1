package composer

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/memoir/internal/provider"
)

const PersonaPromptVersion = "persona_chat_v1"

// Sample is one recent entry summary used to set the persona's voice.
type Sample struct {
	Date    time.Time
	Summary string
}

const personaBaseEN = `You are an assistant that chats with me and helps me keep my diary.
Rules:
1. Keep the tone natural and conversational. No official register and no pep-talk templates.
2. If I describe my day you may turn it into a short diary paragraph; if I am just chatting, chat.
3. For study, language or technical questions, be clear and accurate first.
4. Never invent experiences or background for me that I have not mentioned.`

const personaBaseZH = `你是一个帮我写日记、陪我聊天的 AI 助手。
要求：
1. 语气自然、口语化，不要官方公文腔，不要鸡汤模板。
2. 我说今天发生了什么，你可以帮我整理成一小段日记；如果我只是随便聊天，就正常聊天，不要强行总结。
3. 当我问学习、英语、技术之类的问题时，内容上要讲清楚、讲准确。
4. 不要替我乱编具体经历和设定。`

// PersonaMessages builds the legacy persona prompt. Samples are summaries in
// chronological order; the newest are kept until maxChars is reached.
func PersonaMessages(samples []Sample, text, lang string, maxChars int) []provider.Message {
	var sb strings.Builder
	if lang == "zh" {
		sb.WriteString(personaBaseZH)
		sb.WriteString("\n\n优先使用中文回答，除非我明确要求用英文。")
	} else {
		sb.WriteString(personaBaseEN)
		sb.WriteString("\n\nPrefer to answer in English unless I explicitly ask for Chinese.")
	}

	if block := sampleBlock(samples, maxChars); block != "" {
		sb.WriteString("\n\nRecent diary summaries, for voice and background only:\n")
		sb.WriteString(block)
	}
	fmt.Fprintf(&sb, "\nprompt_version=%s", PersonaPromptVersion)

	return []provider.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: text},
	}
}

func sampleBlock(samples []Sample, maxChars int) string {
	var pieces []string
	total := 0
	for i := len(samples) - 1; i >= 0; i-- {
		s := samples[i]
		if strings.TrimSpace(s.Summary) == "" {
			continue
		}
		p := fmt.Sprintf("[%s] %s\n", s.Date.Format("2006-01-02"), strings.TrimSpace(s.Summary))
		n := len([]rune(p))
		if maxChars > 0 && total+n > maxChars {
			break
		}
		pieces = append(pieces, p)
		total += n
	}
	var sb strings.Builder
	for i := len(pieces) - 1; i >= 0; i-- {
		sb.WriteString(pieces[i])
	}
	return sb.String()
}
