// Package search maps a question to a ranked, bounded list of code chunks.
package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/codebot/internal/ai"
	"github.com/seanblong/codebot/internal/prompts"
	"github.com/seanblong/codebot/internal/rerank"
	"github.com/seanblong/codebot/pkg/models"
)

var ErrEmptyQuery = errors.New("query is empty")

// QueryOpts bounds one query. Zero values take the service defaults.
type QueryOpts struct {
	RetrieveK int
	RerankN   int
}

// VectorSearcher is the read side of a vector store.
type VectorSearcher interface {
	SimilaritySearch(ctx context.Context, vec []float32, k int) ([]models.RetrievedDocument, error)
}

type Service struct {
	Embedder  ai.Embedder
	Completer ai.Completer
	Store     VectorSearcher
	Reranker  rerank.Reranker
	Defaults  QueryOpts
}

// NewService creates a new search service with the provided dependencies
func NewService(embedder ai.Embedder, completer ai.Completer, store VectorSearcher, reranker rerank.Reranker, defaults QueryOpts) *Service {
	if defaults.RetrieveK <= 0 {
		defaults.RetrieveK = 20
	}
	if defaults.RerankN <= 0 {
		defaults.RerankN = 15
	}
	return &Service{
		Embedder:  embedder,
		Completer: completer,
		Store:     store,
		Reranker:  reranker,
		Defaults:  defaults,
	}
}

// Query translates Korean questions, searches the vector store and, when
// more than RerankN candidates come back, reranks them and keeps the top
// RerankN.
func (s *Service) Query(ctx context.Context, q string, opt QueryOpts) ([]models.RetrievedDocument, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	if opt.RetrieveK <= 0 {
		opt.RetrieveK = s.Defaults.RetrieveK
	}
	if opt.RerankN <= 0 {
		opt.RerankN = s.Defaults.RerankN
	}

	searchQuery := s.translate(ctx, q)

	vec, err := s.Embedder.Embed(ctx, searchQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	docs, err := s.Store.SimilaritySearch(ctx, vec, opt.RetrieveK)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	log.Debug().Int("retrieved", len(docs)).Int("k", opt.RetrieveK).Msg("vector search complete")

	if len(docs) <= opt.RerankN {
		return docs, nil
	}
	if s.Reranker == nil {
		return docs[:opt.RerankN], nil
	}
	return s.rerank(ctx, searchQuery, docs, opt.RerankN)
}

// translate returns the English rendering of a Korean query, or q itself
// when q has no Hangul or the completion fails.
func (s *Service) translate(ctx context.Context, q string) string {
	if !ContainsHangul(q) || s.Completer == nil {
		return q
	}
	out, err := s.Completer.Complete(ctx, prompts.Translation(q))
	if err != nil {
		log.Warn().Err(err).Msg("query translation failed, using original query")
		return q
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return q
	}
	log.Info().Str("original", q).Str("translated", out).Msg("translated query")
	return out
}

func (s *Service) rerank(ctx context.Context, q string, docs []models.RetrievedDocument, n int) ([]models.RetrievedDocument, error) {
	passages := make([]rerank.Passage, len(docs))
	for i, d := range docs {
		passages[i] = rerank.Passage{ID: strconv.Itoa(i), Text: d.Chunk.Content}
	}

	results, err := s.Reranker.Rerank(ctx, q, passages)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	out := make([]models.RetrievedDocument, 0, n)
	for _, r := range results {
		if len(out) == n {
			break
		}
		i, err := strconv.Atoi(r.ID)
		if err != nil || i < 0 || i >= len(docs) {
			return nil, fmt.Errorf("rerank: unknown passage id %q", r.ID)
		}
		d := docs[i]
		score := r.Score
		d.RerankScore = &score
		out = append(out, d)
	}
	return out, nil
}

// ContainsHangul reports whether s has any precomposed Hangul syllable
// (U+AC00 to U+D7A3).
func ContainsHangul(s string) bool {
	for _, r := range s {
		if r >= 0xAC00 && r <= 0xD7A3 {
			return true
		}
	}
	return false
}
