// Package composer builds the prompts for the final answer of a chat turn
// and interprets what the model sends back.
package composer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/memoir/internal/analyzer"
	"github.com/kalambet/memoir/internal/provider"
)

const AnswerPromptVersion = "qwen_grounded_answer_v1"

// Answer statuses.
const (
	StatusOK          = "ok"
	StatusNotRecorded = "not_recorded"
)

// Sentinel is the fixed reply for a personal-history question that the
// recorded context cannot answer.
func Sentinel(lang string) string {
	if lang == "zh" {
		return "未记录"
	}
	return "Not recorded"
}

const answerSystemEN = `You are a retrieval-grounded diary assistant.
You MUST output one JSON object only (no extra text).
Schema: {answer: string, status: 'ok'|'not_recorded', evidence: {entry_ids: number[], card_ids: string[]}}
Hard rules:
1) If intent=diary_qa: any diary/history facts MUST come only from CONTEXT_PACK_JSON.
2) If CONTEXT_PACK_JSON lacks sufficient evidence for diary_qa, output status='not_recorded' and answer MUST be exactly: Not recorded.
3) If intent=general: you may answer normally but never claim it came from the diary.
prompt_version=`

const answerSystemZH = `你是一个检索驱动的日记助理。
必须输出一个 JSON 对象，且只能输出 JSON（无多余文本）。
Schema: {answer: string, status: 'ok'|'not_recorded', evidence: {entry_ids: number[], card_ids: string[]}}
硬规则：
1) 若 intent=diary_qa：所有关于用户日记/历史的事实只能来自 CONTEXT_PACK_JSON。
2) 若 CONTEXT_PACK_JSON 中没有足够证据支撑用户问题（diary_qa），必须输出 status='not_recorded'，并且 answer 必须精确为：未记录。
3) 若 intent=general：可以回答常识，但不得声称来自日记；仍按 schema 输出。
prompt_version=`

// AnswerMessages builds the grounded answer prompt around a serialized
// context pack.
func AnswerMessages(text, packJSON, lang, intent string) []provider.Message {
	system := answerSystemEN
	if lang == "zh" {
		system = answerSystemZH
	}
	if packJSON == "" {
		packJSON = "{}"
	}
	user := fmt.Sprintf("intent=%s\nQUESTION:\n%s\n\nCONTEXT_PACK_JSON:\n%s", intent, text, packJSON)
	return []provider.Message{
		{Role: "system", Content: system + AnswerPromptVersion},
		{Role: "user", Content: user},
	}
}

// Evidence names the pack items an answer relied on.
type Evidence struct {
	EntryIDs []int64  `json:"entry_ids"`
	CardIDs  []string `json:"card_ids"`
}

// Answer is the model's structured reply.
type Answer struct {
	Answer   string   `json:"answer"`
	Status   string   `json:"status"`
	Evidence Evidence `json:"evidence"`
}

// ParseAnswer decodes the first JSON object in raw. Fields of the wrong
// type are dropped rather than failing the whole answer.
func ParseAnswer(raw string) (Answer, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(analyzer.ExtractJSON(raw)), &obj); err != nil {
		return Answer{}, fmt.Errorf("parsing answer: %w", err)
	}
	if obj == nil {
		return Answer{}, fmt.Errorf("parsing answer: top-level must be an object")
	}

	var a Answer
	a.Answer = text(obj["answer"])
	a.Status = text(obj["status"])
	if ev, ok := obj["evidence"].(map[string]any); ok {
		if ids, ok := ev["entry_ids"].([]any); ok {
			for _, v := range ids {
				if f, ok := v.(float64); ok {
					a.Evidence.EntryIDs = append(a.Evidence.EntryIDs, int64(f))
				}
			}
		}
		if ids, ok := ev["card_ids"].([]any); ok {
			for _, v := range ids {
				if s, ok := v.(string); ok && s != "" {
					a.Evidence.CardIDs = append(a.Evidence.CardIDs, s)
				}
			}
		}
	}
	return a, nil
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Reply is the user-facing outcome of an answer call.
type Reply struct {
	Text     string   `json:"reply"`
	Status   string   `json:"status"`
	Evidence Evidence `json:"evidence"`
	ParseErr string   `json:"parse_error,omitempty"`
}

// Resolve turns the model output into a reply. Personal-history questions
// fail closed: a call error, an empty answer or a not_recorded status all
// yield the sentinel. For general questions an unparseable reply is passed
// through as plain text.
func Resolve(intent, lang, raw string, callErr error) Reply {
	sentinel := Sentinel(lang)
	diary := intent != "general"

	if callErr != nil {
		return Reply{Text: sentinel, Status: StatusNotRecorded}
	}

	a, err := ParseAnswer(raw)
	r := Reply{Text: a.Answer, Status: a.Status, Evidence: a.Evidence}
	if err != nil {
		r.ParseErr = err.Error()
	}

	if diary {
		if r.Status == StatusNotRecorded || r.Text == "" || r.Text == sentinel {
			r.Text, r.Status = sentinel, StatusNotRecorded
		}
		return r
	}

	if r.Text == "" && err != nil {
		r.Text = strings.TrimSpace(raw)
		if r.Text == "" {
			r.Text = sentinel
		}
		if r.Status == "" {
			r.Status = StatusOK
		}
	}
	if r.Text == "" {
		r.Text, r.Status = sentinel, StatusNotRecorded
	}
	return r
}
