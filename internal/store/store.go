package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/codebot/pkg/models"
)

// ErrDimensionMismatch is returned when a vector does not match the
// collection's embedding dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// VectorStore persists chunks with their embeddings inside a named
// collection and answers nearest-neighbour queries against it.
type VectorStore interface {
	Migrate(ctx context.Context, dim int) error
	Reset(ctx context.Context) error
	Add(ctx context.Context, chunks []models.Chunk, vecs [][]float32) error
	SimilaritySearch(ctx context.Context, vec []float32, k int) ([]models.RetrievedDocument, error)
	Count(ctx context.Context) (int, error)
	Collection() string
	Location() string
	Ping(ctx context.Context) error
	Close()
}

// Store is the pgvector backed VectorStore.
type Store struct {
	pool       *pgxpool.Pool
	collection string
	location   string
	dim        int
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url, collection string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		pool:       p,
		collection: collection,
		location:   fmt.Sprintf("postgres://%s:%d/%s", cfg.ConnConfig.Host, cfg.ConnConfig.Port, cfg.ConnConfig.Database),
	}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Collection() string { return s.collection }

// Location never includes credentials.
func (s *Store) Location() string { return s.location }

// Migrate applies necessary database migrations and schema setup.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS code_chunks (
  collection   TEXT NOT NULL,
  id           TEXT NOT NULL,
  content      TEXT NOT NULL,
  file_path    TEXT NOT NULL,
  module_name  TEXT NOT NULL,
  file_type    TEXT NOT NULL,
  language     TEXT NOT NULL,
  chunk_index  INT  NOT NULL,
  embedding    vector(%d),
  created_at   TIMESTAMP WITH TIME ZONE DEFAULT now(),
  PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS code_chunks_collection_idx
  ON code_chunks (collection);

CREATE INDEX IF NOT EXISTS code_chunks_embedding_idx
  ON code_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim)); err != nil {
		return err
	}
	s.dim = dim
	return nil
}

// Reset deletes every chunk of the collection.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM code_chunks WHERE collection = $1`, s.collection)
	return err
}

// Add upserts the chunks and their vectors in one batch.
func (s *Store) Add(ctx context.Context, chunks []models.Chunk, vecs [][]float32) error {
	if len(chunks) != len(vecs) {
		return fmt.Errorf("got %d chunks but %d vectors", len(chunks), len(vecs))
	}
	if len(chunks) == 0 {
		return nil
	}

	const q = `
		INSERT INTO code_chunks (
			collection, id, content, file_path, module_name, file_type, language, chunk_index, embedding
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (collection, id) DO UPDATE SET
			content     = EXCLUDED.content,
			file_path   = EXCLUDED.file_path,
			module_name = EXCLUDED.module_name,
			file_type   = EXCLUDED.file_type,
			language    = EXCLUDED.language,
			chunk_index = EXCLUDED.chunk_index,
			embedding   = EXCLUDED.embedding;`

	batch := &pgx.Batch{}
	for i, c := range chunks {
		if s.dim > 0 && len(vecs[i]) != s.dim {
			return fmt.Errorf("%w: chunk %s has %d, collection expects %d", ErrDimensionMismatch, c.ID, len(vecs[i]), s.dim)
		}
		batch.Queue(q,
			s.collection, c.ID, c.Content, c.FilePath, c.ModuleName, c.FileType, c.Language, c.ChunkIndex,
			pgvector.NewVector(vecs[i]),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// SimilaritySearch returns the k chunks closest to vec by cosine distance.
// SimilarityScore is 1 - cosine distance; ties are broken by file path and
// chunk index so results are stable.
func (s *Store) SimilaritySearch(ctx context.Context, vec []float32, k int) ([]models.RetrievedDocument, error) {
	if k <= 0 {
		return []models.RetrievedDocument{}, nil
	}
	if s.dim > 0 && len(vec) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, collection expects %d", ErrDimensionMismatch, len(vec), s.dim)
	}

	const q = `
SELECT id, content, file_path, module_name, file_type, language, chunk_index,
       1 - (embedding <=> $1) AS score
FROM code_chunks
WHERE collection = $2
ORDER BY embedding <=> $1, file_path, chunk_index
LIMIT $3;`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), s.collection, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.RetrievedDocument{}
	for rows.Next() {
		var d models.RetrievedDocument
		c := &d.Chunk
		if err := rows.Scan(
			&c.ID, &c.Content, &c.FilePath, &c.ModuleName, &c.FileType, &c.Language, &c.ChunkIndex,
			&d.SimilarityScore,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Count returns the number of chunks in the collection.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM code_chunks WHERE collection = $1`, s.collection).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Options selects and configures a VectorStore backend.
type Options struct {
	Backend    string
	Database   string
	PersistDir string
	Collection string
}

// Open builds the VectorStore named by opts.Backend.
func Open(ctx context.Context, opts Options) (VectorStore, error) {
	switch opts.Backend {
	case "postgres":
		return New(ctx, opts.Database, opts.Collection)
	case "sqlite", "":
		return NewSQLite(opts.PersistDir, opts.Collection)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
}
