// Package llm defines the LLMClient external interface and an
// OpenAI-compatible HTTP implementation, built in the retrying,
// functional-options shape the teacher's cursor HTTP client used.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Message is one turn in a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a function the model may call, OpenAI tool-calling shape.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// ToolCall is one invocation the model requested.
type ToolCall struct {
	Name      string
	Arguments string
}

// CompletionResult is the normalized response shape LLMClient callers use.
type CompletionResult struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is the external LLMClient interface.
type Client interface {
	Complete(ctx context.Context, model string, messages []Message) (*CompletionResult, error)
	CompleteWithTools(ctx context.Context, model string, messages []Message, tools []Tool) (*CompletionResult, error)
}

const (
	defaultMaxRetries = 4
	defaultTimeout    = 60 * time.Second
)

// HTTPClient is an OpenAI-compatible chat-completions client: same
// retry-on-429/5xx-with-backoff behavior as the teacher's cursor client,
// plus a client-side rate limiter so one runaway persona can't starve the
// others of request budget.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        hclog.Logger
	limiter    *rate.Limiter
	maxRetries int
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithLogger sets the client's logger.
func WithLogger(log hclog.Logger) Option {
	return func(c *HTTPClient) { c.log = log }
}

// WithHTTPClient overrides the underlying *http.Client, used by tests to
// inject an httptest server.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithRateLimit overrides the default requests-per-second limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *HTTPClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewHTTPClient builds an HTTPClient targeting baseURL with apiKey.
func NewHTTPClient(baseURL, apiKey string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        hclog.NewNullLogger(),
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []toolDef `json:"tools,omitempty"`
}

type toolDef struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete implements Client without tool definitions.
func (c *HTTPClient) Complete(ctx context.Context, model string, messages []Message) (*CompletionResult, error) {
	return c.CompleteWithTools(ctx, model, messages, nil)
}

// CompleteWithTools implements Client, retrying on 429 and 5xx with
// exponential backoff, the same shape the teacher's cursor client used
// for its own rate-limited upstream.
func (c *HTTPClient) CompleteWithTools(ctx context.Context, model string, messages []Message, tools []Tool) (*CompletionResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait failed")
	}

	req := chatRequest{Model: model, Messages: messages}
	for _, t := range tools {
		req.Tools = append(req.Tools, toolDef{Type: "function", Function: t})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal chat request")
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		result, retryable, err := c.doOnce(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.log.Warn("llm request failed, retrying", "attempt", attempt, "error", err.Error())
	}
	return nil, errors.Wrapf(lastErr, "llm request failed after %d attempts", c.maxRetries+1)
}

func (c *HTTPClient) doOnce(ctx context.Context, body []byte) (*CompletionResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("llm upstream returned %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("llm upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, errors.Wrap(err, "failed to unmarshal chat response")
	}
	if len(parsed.Choices) == 0 {
		return nil, false, fmt.Errorf("llm response had no choices")
	}

	choice := parsed.Choices[0]
	result := &CompletionResult{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return result, false, nil
}
