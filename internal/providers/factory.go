package providers

import (
	"fmt"
	"time"
)

// Settings are the connection parameters needed to construct a provider
// client.
type Settings struct {
	ID      string
	Type    string
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// Dimension is used by the static provider to size its vectors.
	Dimension int
}

// NewProvider constructs a provider client from settings.
//
// Supported types:
//   - "openai": OpenAI-compatible HTTP API (also covers Ollama, vLLM and
//     hosted gateways exposing the same surface)
//   - "static": deterministic in-process provider for development and tests
func NewProvider(s Settings) (Provider, error) {
	switch s.Type {
	case "openai", "openai-compatible", "ollama":
		return NewOpenAIClient(s.ID, s.APIKey, s.BaseURL, s.Timeout), nil
	case "static":
		dim := s.Dimension
		if dim <= 0 {
			dim = 1536
		}
		return NewStaticProvider(s.ID, dim), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", s.Type)
	}
}
