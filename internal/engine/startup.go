package engine

import (
	"context"
	"fmt"
	"io"
	"time"
)

const warmupTimeout = 60 * time.Second

// EnsureReady checks that the Engine is reachable and that the analysis and
// answer models are available. Missing models are pulled with progress
// written to w. The analysis model is then warmed with a one-token call so
// the first real job does not pay the load time; a failed warm-up is only
// reported.
func EnsureReady(ctx context.Context, e Engine, analysisModel, answerModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; start ollama and retry")
	}

	models := make([]string, 0, 2)
	if analysisModel != "" {
		models = append(models, analysisModel)
	}
	if answerModel != "" && answerModel != analysisModel {
		models = append(models, answerModel)
	}

	for _, model := range models {
		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if analysisModel == "" {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()
	resp, err := e.Chat(wctx, ChatRequest{
		Model:    analysisModel,
		Messages: []Message{{Role: "user", Content: "ping"}},
		Options:  Options{NumPredict: 1},
	})
	if err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed: %v\n", analysisModel, err)
		return nil
	}
	fmt.Fprintf(w, "model %s: warm (%s)\n", analysisModel, resp.Elapsed.Round(time.Millisecond))
	return nil
}
