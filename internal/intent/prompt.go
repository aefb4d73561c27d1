package intent

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/memoir/internal/provider"
)

const PromptVersion = "phi_route_v1"

var routeSystemPrompt = `You are a routing engine for a diary assistant.
Return ONE valid JSON object ONLY. No markdown. No extra text.
Keys MUST match schema exactly.
intent: 'diary_qa' for questions about user's diary/history; 'general' for general knowledge.
query: short retrieval query (<= 6 words). Empty for general.
top_k: 0-8, recent_n: 0-12, char_budget: 1200-6000
lang: 'zh' if user message mainly Chinese else 'en'
` + fmt.Sprintf("prompt_version=%s", PromptVersion)

type routeSchema struct {
	Intent     string `json:"intent"`
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
	RecentN    int    `json:"recent_n"`
	CharBudget int    `json:"char_budget"`
	Lang       string `json:"lang"`
}

// BuildPrompt constructs the routing classification messages.
func BuildPrompt(text string) []provider.Message {
	user, _ := json.Marshal(struct {
		Schema   routeSchema `json:"schema"`
		UserText string      `json:"user_text"`
	}{
		Schema:   routeSchema{Intent: "diary_qa|general", TopK: 5, RecentN: 8, CharBudget: 3000, Lang: "zh"},
		UserText: text,
	})
	return []provider.Message{
		{Role: "system", Content: routeSystemPrompt},
		{Role: "user", Content: string(user)},
	}
}
