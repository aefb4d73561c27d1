package engine

import (
	"context"

	"github.com/kalambet/memoir/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string, opts ...ollama.Option) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL, opts...)}
}

func (e *OllamaEngine) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	msgs := make([]ollama.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	cr := ollama.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Options: ollama.Options{
			Temperature: req.Options.Temperature,
			TopP:        req.Options.TopP,
			NumPredict:  req.Options.NumPredict,
		},
	}
	if req.JSON {
		cr.Format = "json"
	}

	resp, err := e.client.Chat(ctx, cr)
	if err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{
		Text:             resp.Content,
		Elapsed:          resp.Elapsed,
		Endpoint:         resp.Endpoint,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}, nil
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
