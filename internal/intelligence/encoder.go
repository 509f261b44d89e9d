// Package intelligence clusters tasks by content and routes them to the
// agent with the best recorded performance for similar work.
package intelligence

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Encoder turns task content into a fixed-dimension embedding. The provider
// is opaque to the router; only the vector matters.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float64, error)
	Dimension() int
}

// OpenAIEncoder calls the embeddings API of an OpenAI-compatible provider.
type OpenAIEncoder struct {
	client openai.Client
	model  string
	dim    int
}

func NewOpenAIEncoder(apiKey, model string) *OpenAIEncoder {
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &OpenAIEncoder{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		dim:    1536,
	}
}

func (e *OpenAIEncoder) Dimension() int { return e.dim }

func (e *OpenAIEncoder) Encode(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// HashingEncoder is a deterministic local fallback: a feature-hashed bag of
// words. Used in tests and when no embedding API key is configured.
type HashingEncoder struct {
	dim int
}

func NewHashingEncoder(dim int) *HashingEncoder {
	if dim <= 0 {
		dim = 64
	}
	return &HashingEncoder{dim: dim}
}

func (e *HashingEncoder) Dimension() int { return e.dim }

func (e *HashingEncoder) Encode(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec := make([]float64, e.dim)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New64a()
			_, _ = h.Write([]byte(word))
			sum := h.Sum64()
			idx := int(sum % uint64(e.dim))
			if sum&(1<<63) != 0 {
				vec[idx] -= 1
			} else {
				vec[idx] += 1
			}
		}
		out[i] = vec
	}
	return out, nil
}

// normalize scales v to unit length in place and returns it. Zero vectors
// are left untouched.
func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] /= n
	}
	return v
}
