package engine

import "context"

// Engine abstracts the local inference backend. The analyzer, the router's
// local path and the readiness check depend on this interface instead of a
// concrete client.
type Engine interface {
	// Chat sends one non-streaming chat request.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
