package search

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions is the vector size used by the hashing embedder.
const DefaultDimensions = 256

// Embedder maps texts to vectors. Name identifies the vector space so that
// entries embedded by a different embedder are recomputed.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashingEmbedder projects lowercase word tokens into a fixed number of
// buckets. It is deterministic and needs no model.
type HashingEmbedder struct {
	dimensions int
}

// NewHashingEmbedder builds a HashingEmbedder; non-positive sizes use DefaultDimensions.
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &HashingEmbedder{dimensions: dimensions}
}

func (e *HashingEmbedder) Name() string {
	return fmt.Sprintf("hashing-%d", e.dimensions)
}

func (e *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for index, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[index] = e.embed(text)
	}
	return vectors, nil
}

func (e *HashingEmbedder) embed(text string) []float32 {
	vector := make([]float32, e.dimensions)
	for _, token := range Tokenize(text) {
		hasher := fnv.New32a()
		hasher.Write([]byte(token))
		sum := hasher.Sum32()
		vector[sum%uint32(e.dimensions)] += 1
	}
	return normalizeVector(vector)
}

// Tokenize splits text into lowercase letter/digit runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalizeVector(vector []float32) []float32 {
	var sum float64
	for _, value := range vector {
		sum += float64(value) * float64(value)
	}
	if sum == 0 {
		return vector
	}
	norm := float32(math.Sqrt(sum))
	for index := range vector {
		vector[index] /= norm
	}
	return vector
}

// VectorClient is the subset of llm.Client used by APIEmbedder.
type VectorClient interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// APIEmbedder delegates to a remote embeddings endpoint.
type APIEmbedder struct {
	client VectorClient
	model  string
}

// NewAPIEmbedder wraps client; model only contributes to Name.
func NewAPIEmbedder(client VectorClient, model string) *APIEmbedder {
	return &APIEmbedder{client: client, model: model}
}

func (e *APIEmbedder) Name() string {
	return "api-" + e.model
}

func (e *APIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.client == nil {
		return nil, errors.New("embedding client is required")
	}
	vectors, err := e.client.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("remote embedding: %w", err)
	}
	for index := range vectors {
		vectors[index] = normalizeVector(vectors[index])
	}
	return vectors, nil
}

// CosineDistance returns 1 - cosine similarity. Zero vectors are at distance 1.
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, errors.New("empty vectors")
	}

	var dot, normA, normB float64
	for index := range a {
		dot += float64(a[index]) * float64(b[index])
		normA += float64(a[index]) * float64(a[index])
		normB += float64(b[index]) * float64(b[index])
	}
	if normA == 0 || normB == 0 {
		return 1, nil
	}

	distance := 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
	switch {
	case distance < 0:
		return 0, nil
	case distance > 2:
		return 2, nil
	default:
		return distance, nil
	}
}
