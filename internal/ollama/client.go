package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBackoff    = 600 * time.Millisecond
	maxBackoff        = 8 * time.Second
	defaultKeepAlive  = "30m"
	defaultMaxRetries = 2
)

// Message represents a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the sampling options forwarded to the model. Temperature is
// always sent since zero is a meaningful value.
type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ChatRequest is a non-streaming chat call.
type ChatRequest struct {
	Model    string
	Messages []Message
	Options  Options
	// Format is "json" to request a JSON object, or empty.
	Format    string
	KeepAlive string
}

// ChatResponse carries the assistant text and how it was obtained.
type ChatResponse struct {
	Content string
	Elapsed time.Duration
	// Endpoint is "chat", or "generate" when the chat endpoint returned 404.
	Endpoint         string
	PromptTokens     int
	CompletionTokens int
}

// StatusError is a non-2xx reply from Ollama.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama: unexpected status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	switch e.Status {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// Client communicates with a local Ollama instance over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client

	maxRetries int
	keepAlive  string
	backoff    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries sets how many times a failed chat call is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithKeepAlive sets how long Ollama keeps the model loaded after a call.
func WithKeepAlive(d string) Option {
	return func(c *Client) {
		if d != "" {
			c.keepAlive = d
		}
	}
}

// WithConnectTimeout bounds TCP connection setup. Read time is bounded only
// by the caller's context.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			return
		}
		c.httpClient.Transport = &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{Timeout: d}).DialContext,
		}
	}
}

// New creates a Client targeting the given Ollama base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0,
		},
		maxRetries: defaultMaxRetries,
		keepAlive:  defaultKeepAlive,
		backoff:    defaultBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// tagsResponse mirrors the JSON returned by GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsRunning returns true if the Ollama server responds to GET /api/tags with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the names of all models available locally.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode}
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether the given model name is present locally. A bare
// name also matches any tag of it ("phi3.5" matches "phi3.5:latest").
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// PullModel downloads a model, reading the streamed progress to completion.
// onProgress may be nil.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	body, err := json.Marshal(map[string]any{"name": name, "stream": true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: %w", name, &StatusError{Status: resp.StatusCode})
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	return nil
}

type chatBody struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	Options   Options   `json:"options"`
	Format    string    `json:"format,omitempty"`
	KeepAlive string    `json:"keep_alive,omitempty"`
}

type chatReply struct {
	Message         Message `json:"message"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

type generateBody struct {
	Model     string  `json:"model"`
	Prompt    string  `json:"prompt"`
	Stream    bool    `json:"stream"`
	Options   Options `json:"options"`
	Format    string  `json:"format,omitempty"`
	KeepAlive string  `json:"keep_alive,omitempty"`
}

type generateReply struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Chat sends a non-streaming chat request. Retryable statuses and transport
// errors are retried with exponential backoff. A 404 from /api/chat (model
// without chat support, or an old server) falls back to /api/generate with
// the messages flattened into a prompt.
func (c *Client) Chat(ctx context.Context, cr ChatRequest) (ChatResponse, error) {
	start := time.Now()
	keepAlive := cr.KeepAlive
	if keepAlive == "" {
		keepAlive = c.keepAlive
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return ChatResponse{}, err
			}
		}

		var reply chatReply
		err := c.postJSON(ctx, "/api/chat", chatBody{
			Model: cr.Model, Messages: cr.Messages, Options: cr.Options, Format: cr.Format, KeepAlive: keepAlive,
		}, &reply)
		if err == nil {
			return ChatResponse{
				Content:          reply.Message.Content,
				Elapsed:          time.Since(start),
				Endpoint:         "chat",
				PromptTokens:     reply.PromptEvalCount,
				CompletionTokens: reply.EvalCount,
			}, nil
		}

		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			var gen generateReply
			gerr := c.postJSON(ctx, "/api/generate", generateBody{
				Model: cr.Model, Prompt: MessagesToPrompt(cr.Messages), Options: cr.Options, Format: cr.Format, KeepAlive: keepAlive,
			}, &gen)
			if gerr == nil {
				return ChatResponse{
					Content:          gen.Response,
					Elapsed:          time.Since(start),
					Endpoint:         "generate",
					PromptTokens:     gen.PromptEvalCount,
					CompletionTokens: gen.EvalCount,
				}, nil
			}
			lastErr = fmt.Errorf("generate after chat 404: %w", gerr)
			if ctx.Err() != nil {
				return ChatResponse{}, ctx.Err()
			}
			continue
		}

		lastErr = err
		if ctx.Err() != nil {
			return ChatResponse{}, ctx.Err()
		}
		if errors.As(err, &se) && !se.Retryable() {
			break
		}
	}
	return ChatResponse{}, fmt.Errorf("ollama chat model=%s msgs=%d: %w", cr.Model, len(cr.Messages), lastErr)
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	d := c.backoff << attempt
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 800))
		return &StatusError{Status: resp.StatusCode, Body: snip(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// MessagesToPrompt flattens chat messages into a completion prompt.
func MessagesToPrompt(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			b.WriteString("System: ")
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(content)
		b.WriteByte('\n')
	}
	b.WriteString("Assistant:\n")
	return b.String()
}

func snip(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
