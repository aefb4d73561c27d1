package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Settings configure one cloud provider.
type Settings struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string

	Retries           int
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	RequestsPerMinute int
}

func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

// OpenAICompatible is a Chat Completions client for DeepSeek, DashScope
// (Qwen) and other servers speaking the same protocol.
type OpenAICompatible struct {
	settings   Settings
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    time.Duration
}

// NewOpenAICompatible creates a client. A missing API key is reported on the
// first Chat call, not here, so unused providers cost nothing.
func NewOpenAICompatible(s Settings) *OpenAICompatible {
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 60 * time.Second
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
	return &OpenAICompatible{
		settings: s,
		httpClient: &http.Client{
			Timeout: s.ConnectTimeout + s.ReadTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: s.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   s.ConnectTimeout,
				ResponseHeaderTimeout: s.ReadTimeout,
			},
		},
		limiter: newLimiter(s.RequestsPerMinute),
		backoff: defaultBackoff,
	}
}

func (p *OpenAICompatible) Name() string         { return p.settings.Name }
func (p *OpenAICompatible) DefaultModel() string { return p.settings.Model }

type completionBody struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type completionReply struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming completion request, retrying 408, 429, 5xx and
// transport failures.
func (p *OpenAICompatible) Chat(ctx context.Context, req Request) (Result, error) {
	if p.settings.APIKey == "" {
		return Result{}, &Error{Provider: p.Name(), Code: CodeMissingAPIKey, Detail: "no API key configured for " + p.Name()}
	}
	model := req.Model
	if model == "" {
		model = p.settings.Model
	}
	body := completionBody{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseFormat != "" {
		body.ResponseFormat = map[string]string{"type": req.ResponseFormat}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	start := time.Now()
	return withRetries(ctx, p.settings.Retries, p.backoff, func() (Result, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return Result{}, &Error{Provider: p.Name(), Code: CodeRateWait, Detail: err.Error(), Err: err}
		}
		reply, err := p.post(ctx, payload)
		if err != nil {
			return Result{}, err
		}
		if len(reply.Choices) == 0 {
			return Result{}, &Error{Provider: p.Name(), Code: CodeBadResponse, Detail: "response has no choices"}
		}
		return Result{
			Content:  reply.Choices[0].Message.Content,
			Provider: p.Name(),
			Model:    model,
			Elapsed:  time.Since(start),
			Usage: Usage{
				PromptTokens:     reply.Usage.PromptTokens,
				CompletionTokens: reply.Usage.CompletionTokens,
				TotalTokens:      reply.Usage.TotalTokens,
			},
		}, nil
	})
}

func (p *OpenAICompatible) post(ctx context.Context, payload []byte) (completionReply, error) {
	var reply completionReply
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return reply, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.settings.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return reply, &Error{Provider: p.Name(), Code: CodeTransport, Retryable: true, Detail: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return reply, &Error{Provider: p.Name(), Code: CodeTransport, Retryable: true, Detail: err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := snip(string(raw), 600)
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return reply, &Error{
			Provider:  p.Name(),
			Code:      CodeHTTPStatus,
			Status:    resp.StatusCode,
			Retryable: retryableStatus(resp.StatusCode),
			Detail:    detail,
		}
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return reply, &Error{Provider: p.Name(), Code: CodeBadResponse, Detail: snip(string(raw), 600), Err: err}
	}
	return reply, nil
}
