package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// StaticProvider is a deterministic in-process provider used for local
// development and tests. Completions echo a canned response; embeddings are
// derived from a hash of the input so identical texts always map to the same
// vector.
type StaticProvider struct {
	name      string
	dimension int
	// Response overrides the canned completion when set.
	Response string
	// Err, when set, is returned from every call.
	Err error
}

// NewStaticProvider creates a deterministic provider producing vectors of the
// given dimension.
func NewStaticProvider(name string, dimension int) *StaticProvider {
	return &StaticProvider{name: name, dimension: dimension}
}

// Name returns the provider name
func (p *StaticProvider) Name() string {
	return p.name
}

// Complete returns the canned response.
func (p *StaticProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := p.Response
	if content == "" {
		content = fmt.Sprintf("static completion for %d-byte prompt", len(req.Prompt))
	}
	return &CompletionResponse{
		Content:      content,
		Model:        req.Model,
		StopReason:   "end_turn",
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(content) / 4,
	}, nil
}

// Embed maps each input to a unit vector seeded by its SHA-256 digest.
func (p *StaticProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		out[i] = hashVector(input, p.dimension)
	}
	return out, nil
}

// Probe always succeeds unless Err is set.
func (p *StaticProvider) Probe(ctx context.Context) error {
	if p.Err != nil {
		return p.Err
	}
	return ctx.Err()
}

// hashVector expands a text digest into a normalized vector. Stable across
// runs, which is all local retrieval tests need.
func hashVector(text string, dim int) []float32 {
	seed := sha256.Sum256([]byte(text))
	v := make([]float32, dim)
	var norm float64
	buf := seed[:]
	for i := 0; i < dim; i++ {
		if i > 0 && i%8 == 0 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		bits := binary.LittleEndian.Uint32(buf[(i%8)*4:])
		f := float32(bits)/float32(math.MaxUint32)*2 - 1
		v[i] = f
		norm += float64(f) * float64(f)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}
