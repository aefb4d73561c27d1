package engine

import "time"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are sampling options for a local chat call.
type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ChatRequest is a single non-streaming chat call against a local model.
type ChatRequest struct {
	Model    string
	Messages []Message
	Options  Options
	// JSON asks the backend to constrain output to a JSON object.
	JSON bool
}

// ChatResponse is the assistant text plus call metadata.
type ChatResponse struct {
	Text             string
	Elapsed          time.Duration
	Endpoint         string
	PromptTokens     int
	CompletionTokens int
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
