package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"
)

// Embedder turns text into a normalized, fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Completer sends a single prompt to the language model. Calls are stateless.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Client provides both embedding and completion capabilities
type Client interface {
	Embedder
	Completer
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

const defaultStubDim = 384

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
	ChatModel  string
	Dim        int
	ProjectID  string
	Provider   Provider
	Location   string
	Timeout    time.Duration
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// StubClient is an offline Client. Embeddings are hashed bag-of-words
// vectors, so identical text always yields the identical vector.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = defaultStubDim
	}
	return &StubClient{dim: dim}
}

// Embed hashes every lower-cased token into one of dim buckets.
func (s *StubClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, s.dim)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%uint32(s.dim)]++
	}
	return normalize(vec), nil
}

// Complete echoes a trimmed prefix of the last prompt line.
func (s *StubClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if r := []rune(last); len(r) > 240 {
		last = string(r[:240])
	}
	return last, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// normalize scales v to unit length in place. Zero vectors are returned as is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}
