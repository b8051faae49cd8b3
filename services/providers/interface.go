package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Provider represents an upstream chat model endpoint that replies as a stream
type Provider interface {
	// Name returns the provider name (e.g., "gemini", "openai")
	Name() string

	// OpenStream starts a streaming chat completion for req.Model.
	// The returned Stream is live; the caller owns it and must Close it.
	OpenStream(ctx context.Context, req *ChatRequest) (Stream, error)

	// ValidateModel checks if a model is served by this provider
	ValidateModel(model string) error

	// ListModels returns the models this provider was configured with
	ListModels() []string
}

// Stream is a pull-based sequence of reply text units.
// Recv returns io.EOF once the upstream finished normally.
// Close unblocks a pending Recv and may be called more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// ToolInvoker executes a model-requested tool call and returns its result as text
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, arguments json.RawMessage) (string, error)
}

// ChatRequest represents a unified streaming chat request
type ChatRequest struct {
	// Model identifier (e.g., "gemini-2.5-flash")
	Model string `json:"model"`

	// System prompt prepended to the conversation
	System string `json:"system,omitempty"`

	// Messages in the conversation
	Messages []Message `json:"messages"`

	// Tools the model may call
	Tools []ToolDeclaration `json:"tools,omitempty"`

	// Temperature controls randomness (0.0 to 2.0)
	Temperature float64 `json:"temperature,omitempty"`

	// User identifier for abuse monitoring
	User string `json:"user,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", "assistant" or "tool"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`

	// ToolCallID links a tool result to the call that produced it
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls requested by the assistant in this message
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDeclaration describes a function the model may call
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a function invocation requested by the model
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// Name overrides the provider name used in the registry
	Name string

	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Models served by this provider; empty means any model is accepted
	Models []string

	// ConnectTimeout bounds dialing and TLS, not the stream itself
	ConnectTimeout time.Duration

	// MaxToolRounds bounds the tool-call loop inside one stream
	MaxToolRounds int

	// Additional headers
	Headers map[string]string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		ConnectTimeout: 10 * time.Second,
		MaxToolRounds:  3,
		Headers:        make(map[string]string),
	}
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}
