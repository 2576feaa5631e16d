package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/seanblong/codebot/pkg/models"
)

const sqliteFile = "vectors.db"

// SQLiteStore is an on-disk VectorStore kept in a single file under a
// persist directory. Search is an exact scan over the collection.
type SQLiteStore struct {
	db         *sql.DB
	dir        string
	collection string
	dim        int
}

// NewSQLite opens (creating if needed) the store under dir.
func NewSQLite(dir, collection string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating persist directory: %w", err)
	}
	dbPath := filepath.Join(dir, sqliteFile)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &SQLiteStore{db: db, dir: dir, collection: collection}, nil
}

func (s *SQLiteStore) Close() { _ = s.db.Close() }

func (s *SQLiteStore) Collection() string { return s.collection }

func (s *SQLiteStore) Location() string { return s.dir }

// Ping checks that the database file can be reached.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema. dim is recorded per collection and enforced on
// Add and SimilaritySearch.
func (s *SQLiteStore) Migrate(ctx context.Context, dim int) error {
	const schema = `
CREATE TABLE IF NOT EXISTS collections (
  name TEXT PRIMARY KEY,
  dim  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS code_chunks (
  collection  TEXT NOT NULL,
  id          TEXT NOT NULL,
  content     TEXT NOT NULL,
  file_path   TEXT NOT NULL,
  module_name TEXT NOT NULL,
  file_type   TEXT NOT NULL,
  language    TEXT NOT NULL,
  chunk_index INTEGER NOT NULL,
  embedding   BLOB NOT NULL,
  PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS code_chunks_collection_idx ON code_chunks (collection);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var existing int
	err := s.db.QueryRowContext(ctx, `SELECT dim FROM collections WHERE name = ?`, s.collection).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, `INSERT INTO collections (name, dim) VALUES (?, ?)`, s.collection, dim); err != nil {
			return fmt.Errorf("register collection: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read collection: %w", err)
	case existing != dim:
		return fmt.Errorf("%w: collection %q was built with %d, embedder has %d", ErrDimensionMismatch, s.collection, existing, dim)
	}
	s.dim = dim
	return nil
}

// Reset deletes every chunk of the collection.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM code_chunks WHERE collection = ?`, s.collection)
	return err
}

func (s *SQLiteStore) Add(ctx context.Context, chunks []models.Chunk, vecs [][]float32) error {
	if len(chunks) != len(vecs) {
		return fmt.Errorf("got %d chunks but %d vectors", len(chunks), len(vecs))
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO code_chunks
  (collection, id, content, file_path, module_name, file_type, language, chunk_index, embedding)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i, c := range chunks {
		if s.dim > 0 && len(vecs[i]) != s.dim {
			return fmt.Errorf("%w: chunk %s has %d, collection expects %d", ErrDimensionMismatch, c.ID, len(vecs[i]), s.dim)
		}
		if _, err := stmt.ExecContext(ctx,
			s.collection, c.ID, c.Content, c.FilePath, c.ModuleName, c.FileType, c.Language, c.ChunkIndex,
			float32SliceToBytes(vecs[i]),
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SimilaritySearch(ctx context.Context, vec []float32, k int) ([]models.RetrievedDocument, error) {
	if k <= 0 {
		return []models.RetrievedDocument{}, nil
	}
	if s.dim > 0 && len(vec) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, collection expects %d", ErrDimensionMismatch, len(vec), s.dim)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, content, file_path, module_name, file_type, language, chunk_index, embedding
FROM code_chunks WHERE collection = ?`, s.collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []models.RetrievedDocument{}
	for rows.Next() {
		var d models.RetrievedDocument
		var blob []byte
		c := &d.Chunk
		if err := rows.Scan(&c.ID, &c.Content, &c.FilePath, &c.ModuleName, &c.FileType, &c.Language, &c.ChunkIndex, &blob); err != nil {
			return nil, err
		}
		d.SimilarityScore = cosine(vec, bytesToFloat32Slice(blob))
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		if a.Chunk.FilePath != b.Chunk.FilePath {
			return a.Chunk.FilePath < b.Chunk.FilePath
		}
		return a.Chunk.ChunkIndex < b.Chunk.ChunkIndex
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM code_chunks WHERE collection = ?`, s.collection).Scan(&n)
	return n, err
}

// cosine returns the cosine similarity of a and b, 0 when either is zero.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32Slice(data []byte) []float32 {
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
