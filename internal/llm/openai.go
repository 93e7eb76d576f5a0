// Package llm holds the process-wide client for the OpenAI-compatible
// reasoning service.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"

	"decisionhelper/api/internal/analysis"
)

const (
	DefaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
	// noChoicesMessage is the text of the openai client's internal sentinel
	// for a completion with an empty choices array. It is not importable.
	noChoicesMessage = "empty response"
)

type Config struct {
	BaseURL string
	APIKey  string `json:"-"`
	Model   string
	Timeout time.Duration
	// RatePerSecond and Burst pace outbound calls.
	RatePerSecond float64
	Burst         int
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Client implements analysis.Completer. Build it once at startup and share it.
type Client struct {
	model   contentGenerator
	name    string
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai API key required")
	}
	name := cfg.Model
	if name == "" {
		name = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(name),
		openai.WithHTTPClient(samplingDefaults{next: &http.Client{Timeout: timeout}}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		model:   model,
		name:    name,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (c *Client) Model() string { return c.name }

// Complete sends messages with no sampling parameters, so the service applies
// its own defaults, and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, messages []analysis.Message) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	content := make([]llms.MessageContent, 0, len(messages))
	for _, message := range messages {
		content = append(content, llms.MessageContent{
			Role:  chatRole(message.Role),
			Parts: []llms.ContentPart{llms.TextContent{Text: message.Content}},
		})
	}

	resp, err := c.model.GenerateContent(ctx, content)
	if err != nil {
		if errors.Is(err, openai.ErrEmptyResponse) || err.Error() == noChoicesMessage {
			return "", analysis.ErrEmptyResponse
		}
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", analysis.ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

func chatRole(role analysis.Role) schema.ChatMessageType {
	if role == analysis.RoleSystem {
		return schema.ChatMessageTypeSystem
	}
	return schema.ChatMessageTypeHuman
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// samplingDefaults removes the temperature field from outgoing chat requests.
// The openai client always serializes it, as 0 when no option is given.
type samplingDefaults struct {
	next httpDoer
}

func (d samplingDefaults) Do(req *http.Request) (*http.Response, error) {
	if req.Body == nil || req.Method != http.MethodPost {
		return d.next.Do(req)
	}
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read chat request: %w", err)
	}

	body = stripSamplingFields(body)
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return d.next.Do(req)
}

// stripSamplingFields returns body without "temperature". Bodies that are not
// JSON objects pass through unchanged.
func stripSamplingFields(body []byte) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	if _, ok := payload["temperature"]; !ok {
		return body
	}
	delete(payload, "temperature")
	out, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return out
}
