package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL targets any OpenAI-compatible endpoint; Groq in the
// reference deployment.
const DefaultBaseURL = "https://api.groq.com/openai/v1"

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	log        *zap.Logger
}

// ClientOption adjusts client construction.
type ClientOption func(*Client)

// WithBaseURL points the client at a different compatible endpoint.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithHTTPClient replaces the transport, mostly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a provider client. model is the default when requests
// carry none.
func NewClient(apiKey, model string, log *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []toolDef `json:"tools,omitempty"`
	Temperature float64   `json:"temperature"`
}

type toolDef struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatResponse struct {
	Model   string `json:"model"`
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
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func queryToolDef() toolDef {
	return toolDef{
		Type: "function",
		Function: functionDef{
			Name:        QueryToolName,
			Description: "Fetch data from an approved source to answer the user's question.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{
						"type":        "string",
						"description": "Natural-language question describing the data needed.",
					},
					"source": map[string]any{
						"type":        "string",
						"description": "Name of the registered data source.",
					},
				},
				"required": []string{"question", "source"},
			},
		},
	}
}

// Complete sends the transcript, retrying transient failures with backoff
// bounded by the context deadline.
func (c *Client) Complete(ctx context.Context, req *Request) (*Completion, error) {
	return retryTransient(ctx, func() (*Completion, error) {
		return c.completeOnce(ctx, req)
	})
}

func (c *Client) completeOnce(ctx context.Context, req *Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	payload := chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: 0.2,
	}
	if req.EnableTool {
		payload.Tools = []toolDef{queryToolDef()}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: fmt.Errorf("provider request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading provider response: %w", err)}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		c.log.Warn("provider transient failure", zap.Int("status", resp.StatusCode))
		return nil, &TransientError{Err: fmt.Errorf("provider status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrNoCompletion
	}

	msg := parsed.Choices[0].Message
	completion := &Completion{Model: parsed.Model}
	if len(msg.ToolCalls) > 0 && msg.ToolCalls[0].Function.Name == QueryToolName {
		call := &ToolCall{Tool: QueryToolName}
		if err := json.Unmarshal([]byte(msg.ToolCalls[0].Function.Arguments), &call.Arguments); err != nil {
			return nil, fmt.Errorf("decoding tool call arguments: %w", err)
		}
		completion.ToolCall = call
		return completion, nil
	}
	if msg.Content == "" {
		return nil, ErrNoCompletion
	}
	completion.Text = msg.Content
	return completion, nil
}

// WriteQuery satisfies the query planner's free-form generator contract.
func (c *Client) WriteQuery(ctx context.Context, prompt string) (string, error) {
	completion, err := c.Complete(ctx, &Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "You translate questions into a single safe SQL SELECT statement. Reply with SQL only."},
			{Role: RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
