// Package providers contains LLM provider clients and the capacity pool that
// rations access to them.
package providers

import (
	"context"
)

// CompletionRequest is a single-turn completion request.
type CompletionRequest struct {
	Model       string  `json:"model"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	// FallbackOrder restricts and orders the provider chain for this
	// request. Empty means the pool's registration order.
	FallbackOrder []string `json:"fallback_order,omitempty"`
}

// CompletionResponse is the provider's answer.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Provider defines the interface for LLM providers.
type Provider interface {
	// Complete sends a completion request and returns the response
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Embed returns one vector per input text
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)

	// Probe validates the API key and connectivity
	Probe(ctx context.Context) error

	// Name returns the provider name
	Name() string
}
