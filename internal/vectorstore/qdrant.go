package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// qdrantTracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("ragd.vectorstore.qdrant")

// payloadContentKey stores document text in the point payload.
const payloadContentKey = "content"

// payloadIDKey stores the caller-facing document ID. Qdrant point IDs must be
// UUIDs, so the deterministic caller ID is kept in the payload and the point
// ID is derived from it (see pointID).
const payloadIDKey = "doc_id"

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant host. Default: "localhost".
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port. Default: 6334.
	Port int `koanf:"port"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// Collection is the collection name documents are stored in.
	// Default: "ragd_context"
	Collection string `koanf:"collection"`

	// VectorSize is the embedding dimension, required to create the
	// collection on first use.
	VectorSize int `koanf:"vector_size"`

	// MaxMessageSize is the max gRPC message size in bytes. Default: 32MB.
	MaxMessageSize int `koanf:"max_message_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "ragd_context"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 32 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// QdrantStore implements Store using Qdrant's native gRPC client.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore creates a QdrantStore and verifies connectivity.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{
		client: client,
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection),
	)

	return store, nil
}

// ensureCollection creates the collection on first use.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		exists, err := s.client.CollectionExists(ctx, s.config.Collection)
		if err != nil {
			s.ensureErr = fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
			return
		}
		if exists {
			return
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.config.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			s.ensureErr = fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
		}
	})
	return s.ensureErr
}

// pointID derives a stable UUID from the caller-facing document ID so that
// upserting the same ID twice overwrites the same point.
func pointID(docID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(docID)).String())
}

// Upsert writes documents to the store. Existing IDs are overwritten.
func (s *QdrantStore) Upsert(ctx context.Context, docs []Document) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()

	span.SetAttributes(attribute.Int("document_count", len(docs)))

	if len(docs) == 0 {
		return ErrEmptyDocuments
	}
	if err := s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document at index %d has empty ID", i)
		}
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %s has no embedding", doc.ID)
		}

		payload := make(map[string]*qdrant.Value, len(doc.Metadata)+2)
		payload[payloadContentKey] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.Content}}
		payload[payloadIDKey] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.ID}}
		for k, v := range doc.Metadata {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
		}

		points[i] = &qdrant.PointStruct{
			Id:      pointID(doc.ID),
			Vectors: qdrant.NewVectors(doc.Embedding...),
			Payload: payload,
		}
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.config.Collection,
		Points:         points,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted documents",
		zap.String("collection", s.config.Collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// buildFilter converts a Filter into a Qdrant conjunction filter.
func buildFilter(filter Filter) *qdrant.Filter {
	if filter.Empty() {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter.Eq)+len(filter.In))
	for k, v := range filter.Eq {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   k,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}},
				},
			},
		})
	}
	for k, values := range filter.In {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: k,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
						Keywords: &qdrant.RepeatedStrings{Strings: values},
					}},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

// Query performs nearest-neighbor search ordered by ascending distance.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Candidate, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()

	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector cannot be empty")
	}
	if err := s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.config.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         buildFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	candidates := make([]Candidate, 0, len(results))
	for _, point := range results {
		candidate := Candidate{
			// Cosine similarity score, inverted back to a distance.
			Distance: 1 - point.Score,
			Metadata: make(map[string]string, len(point.Payload)),
		}
		for k, v := range point.Payload {
			sv, ok := v.Kind.(*qdrant.Value_StringValue)
			if !ok {
				continue
			}
			switch k {
			case payloadContentKey:
				candidate.Content = sv.StringValue
			case payloadIDKey:
				candidate.ID = sv.StringValue
			default:
				candidate.Metadata[k] = sv.StringValue
			}
		}
		candidates = append(candidates, candidate)
	}

	span.SetAttributes(attribute.Int("results_count", len(candidates)))
	span.SetStatus(codes.Ok, "success")
	return candidates, nil
}

// Count returns the number of stored documents.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return 0, err
	}
	info, err := s.client.GetCollectionInfo(ctx, s.config.Collection)
	if err != nil {
		return 0, fmt.Errorf("getting collection info: %w", err)
	}
	if info.PointsCount == nil {
		return 0, nil
	}
	return int(*info.PointsCount), nil
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
