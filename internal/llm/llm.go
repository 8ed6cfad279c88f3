// Package llm abstracts the model provider: a list of messages goes in,
// either a final text answer or a query tool call comes out. Transport
// failures are classified transient or fatal so the orchestrator can retry
// within its budget.
package llm

import (
	"context"
	"errors"
)

// Message roles follow the OpenAI-compatible chat shape.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryToolName is the only tool the core exposes to providers.
const QueryToolName = "query"

// ToolCall is the model asking for data: a natural-language question
// against a named source.
type ToolCall struct {
	Tool      string `json:"tool"`
	Arguments struct {
		Question string `json:"question"`
		Source   string `json:"source"`
	} `json:"arguments"`
}

// Completion is one provider response: either Text or ToolCall is set.
type Completion struct {
	Text     string
	ToolCall *ToolCall
	Model    string
}

// Request is one provider call.
type Request struct {
	Model      string
	Messages   []Message
	EnableTool bool
}

// Provider is the consumed model contract.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// ErrNoCompletion is returned when the provider answers with neither text
// nor a tool call.
var ErrNoCompletion = errors.New("provider returned no completion")

// TransientError marks a failure worth retrying (5xx, 429, network).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
