package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// generator is the slice of *genai.Models used here.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini calls Google's Gemini API through the genai SDK.
type Gemini struct {
	settings Settings
	gen      generator
	limiter  *rate.Limiter
	backoff  time.Duration
}

// NewGemini creates a Gemini provider. With no API key the provider is still
// returned and fails every call with missing_api_key.
func NewGemini(ctx context.Context, s Settings) (*Gemini, error) {
	if s.Name == "" {
		s.Name = "gemini"
	}
	g := &Gemini{settings: s, limiter: newLimiter(s.RequestsPerMinute), backoff: defaultBackoff}
	if s.APIKey == "" {
		return g, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	g.gen = client.Models
	return g, nil
}

func (g *Gemini) Name() string         { return g.settings.Name }
func (g *Gemini) DefaultModel() string { return g.settings.Model }

// Chat maps system messages to the system instruction and assistant turns to
// the model role.
func (g *Gemini) Chat(ctx context.Context, req Request) (Result, error) {
	if g.gen == nil {
		return Result{}, &Error{Provider: g.Name(), Code: CodeMissingAPIKey, Detail: "no API key configured for " + g.Name()}
	}
	model := req.Model
	if model == "" {
		model = g.settings.Model
	}

	var system []string
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if req.ResponseFormat == "json_object" {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	return withRetries(ctx, g.settings.Retries, g.backoff, func() (Result, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return Result{}, &Error{Provider: g.Name(), Code: CodeRateWait, Detail: err.Error(), Err: err}
		}
		callCtx := ctx
		if g.settings.ReadTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.settings.ConnectTimeout+g.settings.ReadTimeout)
			defer cancel()
		}
		resp, err := g.gen.GenerateContent(callCtx, model, contents, cfg)
		if err != nil {
			return Result{}, g.classify(err)
		}
		res := Result{
			Content:  resp.Text(),
			Provider: g.Name(),
			Model:    model,
			Elapsed:  time.Since(start),
		}
		if u := resp.UsageMetadata; u != nil {
			res.Usage = Usage{
				PromptTokens:     int(u.PromptTokenCount),
				CompletionTokens: int(u.CandidatesTokenCount),
				TotalTokens:      int(u.TotalTokenCount),
			}
		}
		return res, nil
	})
}

func (g *Gemini) classify(err error) *Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:  g.Name(),
			Code:      CodeHTTPStatus,
			Status:    apiErr.Code,
			Retryable: retryableStatus(apiErr.Code),
			Detail:    snip(apiErr.Message, 600),
			Err:       err,
		}
	}
	return &Error{Provider: g.Name(), Code: CodeTransport, Retryable: true, Detail: err.Error(), Err: err}
}
