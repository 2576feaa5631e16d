// Package rerank scores (query, passage) pairs so retrieved chunks can be
// reordered by relevance.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
)

// Passage is a single candidate handed to the reranker.
type Passage struct {
	ID   string
	Text string
}

// Result is the score assigned to the passage with the same ID.
type Result struct {
	ID    string
	Score float64
}

// Reranker returns one Result per passage ordered by descending score.
// Equal scores keep the input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []Passage) ([]Result, error)
}

// Config holds configuration for rerankers.
type Config struct {
	Provider  string
	URL       string
	Model     string
	MaxLength int
	Timeout   time.Duration
}

// New builds the reranker named by cfg.Provider.
func New(cfg Config) (Reranker, error) {
	switch cfg.Provider {
	case "", "lexical":
		return NewLexical(cfg.MaxLength), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("rerank url is required for the http reranker")
		}
		return NewHTTPReranker(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported reranker: %s", cfg.Provider)
	}
}

// HTTPReranker calls a cross-encoder served behind a text-embeddings-inference
// style /rerank endpoint.
type HTTPReranker struct {
	cfg  Config
	http *http.Client
}

func NewHTTPReranker(cfg Config) *HTTPReranker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &HTTPReranker{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []Passage) ([]Result, error) {
	if len(passages) == 0 {
		return []Result{}, nil
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = truncate(p.Text, r.cfg.MaxLength)
	}

	payload := map[string]any{
		"query":    query,
		"texts":    texts,
		"truncate": true,
	}
	if r.cfg.Model != "" {
		payload["model"] = r.cfg.Model
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL+"/rerank", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close rerank response body")
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rerank request: %s", resp.Status)
	}

	var out []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	scores := make([]float64, len(passages))
	seen := make([]bool, len(passages))
	for _, o := range out {
		if o.Index < 0 || o.Index >= len(passages) {
			return nil, fmt.Errorf("rerank response index %d out of range", o.Index)
		}
		scores[o.Index] = o.Score
		seen[o.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank response missing score for passage %d", i)
		}
	}
	return sortResults(passages, scores), nil
}

// Lexical is an offline reranker that scores passages by the share of
// query terms they contain.
type Lexical struct {
	maxLength int
}

func NewLexical(maxLength int) *Lexical {
	return &Lexical{maxLength: maxLength}
}

func (l *Lexical) Rerank(ctx context.Context, query string, passages []Passage) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queryTerms := uniqueTerms(query)
	scores := make([]float64, len(passages))
	for i, p := range passages {
		if len(queryTerms) == 0 {
			continue
		}
		have := make(map[string]struct{})
		for _, t := range terms(truncate(p.Text, l.maxLength)) {
			have[t] = struct{}{}
		}
		hits := 0
		for _, t := range queryTerms {
			if _, ok := have[t]; ok {
				hits++
			}
		}
		scores[i] = float64(hits) / float64(len(queryTerms))
	}
	return sortResults(passages, scores), nil
}

func sortResults(passages []Passage, scores []float64) []Result {
	results := make([]Result, len(passages))
	for i, p := range passages {
		results[i] = Result{ID: p.ID, Score: scores[i]}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// truncate cuts s to at most n runes. n <= 0 means no limit.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func terms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func uniqueTerms(s string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, t := range terms(s) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
