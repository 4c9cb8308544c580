package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("ragd.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded vector database.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.config/ragd/vectorstore"
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// Collection is the collection name documents are stored in.
	// Default: "ragd_context"
	Collection string `koanf:"collection"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/ragd/vectorstore"
	}
	if c.Collection == "" {
		c.Collection = "ragd_context"
	}
}

// ChromemStore implements Store using chromem-go.
//
// chromem-go is an embeddable vector database with no external service
// requirement. Documents persist to gob files under the configured path.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	expandedPath, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(expandedPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	store := &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
	}

	logger.Info("chromem store initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
		zap.String("collection", config.Collection),
	)

	return store, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbedding rejects implicit embedding. All documents arrive with
// precomputed vectors; the store must never reach out to a provider itself.
func noEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("store does not embed; provide Document.Embedding")
}

func (s *ChromemStore) collection() (*chromem.Collection, error) {
	collection, err := s.db.GetOrCreateCollection(s.config.Collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", s.config.Collection, err)
	}
	return collection, nil
}

// Upsert writes documents to the store. Existing IDs are overwritten.
func (s *ChromemStore) Upsert(ctx context.Context, docs []Document) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()

	span.SetAttributes(attribute.Int("document_count", len(docs)))

	if len(docs) == 0 {
		return ErrEmptyDocuments
	}
	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document at index %d has empty ID", i)
		}
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %s has no embedding", doc.ID)
		}
	}

	collection, err := s.collection()
	if err != nil {
		span.RecordError(err)
		return err
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: doc.Embedding,
		}
	}

	// Concurrency of 1: embeddings are already computed.
	if err := collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted documents",
		zap.String("collection", s.config.Collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Query performs nearest-neighbor search ordered by ascending distance.
//
// chromem supports only equality in its where clause, so membership (In)
// conditions are applied client-side over an over-fetched result set.
func (s *ChromemStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Candidate, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()

	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector cannot be empty")
	}

	collection, err := s.collection()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	docCount := collection.Count()
	if docCount == 0 {
		return []Candidate{}, nil
	}

	// Over-fetch when membership conditions must be applied client-side.
	fetchK := k
	if len(filter.In) > 0 {
		fetchK = k * 4
	}
	if fetchK > docCount {
		fetchK = docCount
	}

	results, err := collection.QueryEmbedding(ctx, vector, fetchK, filter.Eq, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	candidates := make([]Candidate, 0, len(results))
	for _, r := range results {
		if len(filter.In) > 0 && !filter.Matches(r.Metadata) {
			continue
		}
		candidates = append(candidates, Candidate{
			ID:       r.ID,
			Content:  r.Content,
			Distance: 1 - r.Similarity,
			Metadata: r.Metadata,
		})
		if len(candidates) == k {
			break
		}
	}

	// chromem returns results in descending similarity already; the sort is
	// kept so the ascending-distance contract does not depend on it.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})

	span.SetAttributes(attribute.Int("results_count", len(candidates)))
	span.SetStatus(codes.Ok, "success")
	return candidates, nil
}

// Count returns the number of stored documents.
func (s *ChromemStore) Count(_ context.Context) (int, error) {
	collection, err := s.collection()
	if err != nil {
		return 0, err
	}
	return collection.Count(), nil
}

// Close is a no-op for the embedded store; persistence happens on write.
func (s *ChromemStore) Close() error {
	return nil
}
