package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/codebot/internal/ai"
	"github.com/seanblong/codebot/internal/store"
	"github.com/seanblong/codebot/pkg/models"
	"golang.org/x/time/rate"
)

// ErrInvalidRoot is returned when the codebase root is missing or not a directory.
var ErrInvalidRoot = errors.New("invalid codebase root")

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Options controls chunking and persistence.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	Reset        bool
	// Workers bounds concurrent embedding calls. Zero picks min(NumCPU, 8).
	Workers int
	// EmbedRate limits embedding calls per second. Zero means unlimited.
	EmbedRate float64
}

// DefaultOptions returns the stock chunking parameters.
func DefaultOptions() Options {
	return Options{ChunkSize: 1000, ChunkOverlap: 200, BatchSize: 100}
}

// Stats summarises one indexing run.
type Stats struct {
	FilesProcessed  int    `json:"files_processed"`
	FilesSkipped    int    `json:"files_skipped"`
	ChunksCreated   int    `json:"chunks_created"`
	CollectionName  string `json:"collection_name"`
	PersistLocation string `json:"persist_location"`
}

// Indexer handles indexing of a code repository.
type Indexer struct {
	Store      store.VectorStore
	Embedder   ai.Embedder
	Walker     FileSystemWalker
	FileReader FileReader
	Options    Options

	splitters *splitters
}

// New creates a new Indexer instance.
func New(s store.VectorStore, embedder ai.Embedder, opts Options) (*Indexer, error) {
	return NewWithDependencies(s, embedder, &DefaultFileSystemWalker{}, &DefaultFileReader{}, opts)
}

// NewWithDependencies creates a new Indexer instance with custom dependencies for testing
func NewWithDependencies(s store.VectorStore, embedder ai.Embedder, walker FileSystemWalker, fileReader FileReader, opts Options) (*Indexer, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", opts.ChunkOverlap, opts.ChunkSize)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
		if opts.Workers > 8 {
			opts.Workers = 8 // Cap at 8 to avoid overwhelming the embedding API
		}
	}
	return &Indexer{
		Store:      s,
		Embedder:   embedder,
		Walker:     walker,
		FileReader: fileReader,
		Options:    opts,
		splitters:  newSplitters(opts.ChunkSize, opts.ChunkOverlap),
	}, nil
}

// Run indexes every eligible file under root into the store.
func (ix *Indexer) Run(ctx context.Context, root string) (Stats, error) {
	stats := Stats{
		CollectionName:  ix.Store.Collection(),
		PersistLocation: ix.Store.Location(),
	}

	fi, err := os.Stat(root)
	if err != nil {
		return stats, fmt.Errorf("%w: %s: %v", ErrInvalidRoot, root, err)
	}
	if !fi.IsDir() {
		return stats, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}

	log.Info().Str("root", root).Str("collection", stats.CollectionName).Msg("starting indexing")

	if err := ix.Store.Migrate(ctx, ix.Embedder.Dim()); err != nil {
		return stats, fmt.Errorf("migrate store: %w", err)
	}
	if ix.Options.Reset {
		log.Info().Str("location", stats.PersistLocation).Msg("resetting collection")
		if err := ix.Store.Reset(ctx); err != nil {
			return stats, fmt.Errorf("reset store: %w", err)
		}
	}

	files, err := ix.listFiles(root)
	if err != nil {
		return stats, fmt.Errorf("walk %s: %w", root, err)
	}

	var all []models.Chunk
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		chunks, ok := ix.chunkFile(root, path)
		if !ok {
			stats.FilesSkipped++
			continue
		}
		all = append(all, chunks...)
		stats.FilesProcessed++

		if stats.FilesProcessed%50 == 0 {
			log.Info().Int("files", stats.FilesProcessed).Int("chunks", len(all)).Msg("indexing progress")
		}
	}
	log.Info().Int("files", stats.FilesProcessed).Int("chunks", len(all)).Msg("finished reading")

	if err := ix.persist(ctx, all); err != nil {
		return stats, err
	}
	stats.ChunksCreated = len(all)

	log.Info().
		Int("files_processed", stats.FilesProcessed).
		Int("files_skipped", stats.FilesSkipped).
		Int("chunks_created", stats.ChunksCreated).
		Msg("indexing complete")
	return stats, nil
}

// listFiles returns indexable files under root in lexical walk order.
func (ix *Indexer) listFiles(root string) ([]string, error) {
	var files []string
	err := ix.Walker.Walk(root, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			relPath, ok := relative(root, path)
			if !ok {
				return nil
			}
			// de is nil for walkers that only report files
			if de != nil && de.IsDir() {
				if relPath != "." && skipDirs[filepath.Base(path)] {
					return godirwalk.SkipThis
				}
				return nil
			}
			if shouldSkip(relPath) {
				return nil
			}
			if _, ok := fileTypeFor(path); !ok {
				return nil
			}
			files = append(files, path)
			return nil
		},
	})
	return files, err
}

// chunkFile reads and splits one file. ok is false when the file was skipped.
func (ix *Indexer) chunkFile(root, path string) ([]models.Chunk, bool) {
	b, err := ix.FileReader.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to read file, skipping")
		return nil, false
	}
	content := strings.ToValidUTF8(string(b), "")
	if strings.TrimSpace(content) == "" {
		log.Debug().Str("path", path).Msg("empty file, skipping")
		return nil, false
	}

	ft, _ := fileTypeFor(path)
	relPath, ok := relative(root, path)
	if !ok {
		relPath = path
	}
	module := moduleName(root, path)

	texts, err := ix.splitters.forType(ft.FileType).SplitText(content)
	if err != nil {
		log.Warn().Err(err).Str("path", relPath).Msg("failed to split file, skipping")
		return nil, false
	}

	chunks := make([]models.Chunk, 0, len(texts))
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		idx := len(chunks)
		chunks = append(chunks, models.Chunk{
			ID:         chunkID(ix.Store.Collection(), relPath, idx),
			Content:    text,
			FilePath:   relPath,
			ModuleName: module,
			FileType:   ft.FileType,
			Language:   ft.Language,
			ChunkIndex: idx,
		})
	}
	if len(chunks) == 0 {
		return nil, false
	}
	return chunks, true
}

// persist embeds and stores chunks in batches of Options.BatchSize.
func (ix *Indexer) persist(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	size := ix.Options.BatchSize
	total := (len(chunks) + size - 1) / size

	var limiter *rate.Limiter
	if ix.Options.EmbedRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(ix.Options.EmbedRate), 1)
	}

	for i := 0; i < len(chunks); i += size {
		end := i + size
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]

		vecs, err := ix.embedBatch(ctx, batch, limiter)
		if err != nil {
			return err
		}
		if err := ix.Store.Add(ctx, batch, vecs); err != nil {
			return fmt.Errorf("store batch %d/%d: %w", i/size+1, total, err)
		}
		log.Info().Msgf("added batch %d/%d", i/size+1, total)
	}
	return nil
}

// embedBatch embeds a batch with a bounded worker pool; the result is
// index-aligned with batch.
func (ix *Indexer) embedBatch(ctx context.Context, batch []models.Chunk, limiter *rate.Limiter) ([][]float32, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	vecs := make([][]float32, len(batch))
	work := make(chan int)
	errorChan := make(chan error, 1)

	var wg sync.WaitGroup
	for w := 0; w < ix.Options.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						ix.fail(errorChan, cancel, err)
						continue
					}
				}
				v, err := ix.Embedder.Embed(ctx, batch[i].Content)
				if err != nil {
					ix.fail(errorChan, cancel, fmt.Errorf("embed %s#%d: %w", batch[i].FilePath, batch[i].ChunkIndex, err))
					continue
				}
				vecs[i] = v
			}
		}()
	}

send:
	for i := range batch {
		select {
		case work <- i:
		case <-ctx.Done():
			break send
		}
	}
	close(work)
	wg.Wait()

	select {
	case err := <-errorChan:
		return nil, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (ix *Indexer) fail(errorChan chan<- error, cancel context.CancelFunc, err error) {
	select {
	case errorChan <- err:
		cancel()
	default:
		// Error channel is full, log the error
		log.Debug().Err(err).Msg("additional embedding error")
	}
}

// chunkNamespace scopes chunk ids so they never collide with other name-based UUIDs.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("codebot/chunk"))

// chunkID is stable for a (collection, file, position) triple so re-indexing
// overwrites rather than duplicates.
func chunkID(collection, relPath string, idx int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(collection+"\x00"+relPath+"\x00"+strconv.Itoa(idx))).String()
}
