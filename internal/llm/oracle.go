package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/leadgen-engine/internal/cachec"
)

// Oracle is a thin client for the chat-completions endpoint. Call sites hand
// it an instructions string and an input document and get the raw completion
// text back; responses are memoized through the cache daemon for 7 days
// because identical rating prompts recur across ticks.

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second

	// MemoTTL is how long a completion stays cached.
	MemoTTL = 7 * 24 * time.Hour
)

// Oracle calls the completion API with optional caching.
type Oracle struct {
	apiKey      string
	model       string
	serviceTier string
	baseURL     string
	httpClient  *http.Client
	cache       *cachec.Client
}

// Option mutates an Oracle during construction.
type Option func(*Oracle)

// WithBaseURL overrides the API endpoint (tests point this at a stub).
func WithBaseURL(u string) Option { return func(o *Oracle) { o.baseURL = u } }

// WithCache enables response memoization through the cache daemon.
func WithCache(c *cachec.Client) Option { return func(o *Oracle) { o.cache = c } }

// WithServiceTier sets the service_tier request field.
func WithServiceTier(t string) Option { return func(o *Oracle) { o.serviceTier = t } }

// WithHTTPClient swaps the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(o *Oracle) { o.httpClient = hc } }

// New creates an Oracle for the given key and model.
func New(apiKey, model string, opts ...Option) *Oracle {
	o := &Oracle{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Model returns the configured model name.
func (o *Oracle) Model() string { return o.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	ServiceTier string        `json:"service_tier,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// completeQuery is the memoization key material: everything that changes
// the completion.
type completeQuery struct {
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	Input        string `json:"input"`
}

// Complete returns the completion text for instructions + input. When a
// cache client is attached the call is memoized; pass noCache to opt out
// (e.g. when the caller needs a fresh sample).
func (o *Oracle) Complete(ctx context.Context, instructions, input string, noCache bool) (string, error) {
	if o.cache == nil || noCache {
		return o.complete(ctx, instructions, input)
	}
	q := completeQuery{Model: o.model, Instructions: instructions, Input: input}
	return cachec.Memo(ctx, o.cache, q, func(ctx context.Context, q completeQuery) (string, error) {
		return o.complete(ctx, q.Instructions, q.Input)
	}, cachec.MemoOpts{TTL: MemoTTL})
}

func (o *Oracle) complete(ctx context.Context, instructions, input string) (string, error) {
	reqBody := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: instructions},
			{Role: "user", Content: input},
		},
		Temperature: 0,
		ServiceTier: o.serviceTier,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("llm: failed to parse response: %w (body: %s)", err, truncate(body, 512))
	}
	if response.Error != nil {
		return "", fmt.Errorf("llm: API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices (status %d)", resp.StatusCode)
	}
	return response.Choices[0].Message.Content, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
