// Package retrieval produces ranked context candidates for a chat turn from
// two independent corpora: uploaded documents and prior conversation turns.
package retrieval

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/session"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

var retrievalTracer = otel.Tracer("ragd.retrieval")

// Source types stamped on candidates and stored vector metadata.
const (
	SourceDocument = "document"
	SourceChat     = "chat"
)

const defaultTopK = 4

// Config controls retrieval fan-out.
type Config struct {
	// TopK is the number of candidates each search returns.
	TopK int `koanf:"top_k"`
}

func (c *Config) ApplyDefaults() {
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
}

// Candidate is one ranked retrieval hit, ascending distance within its set.
type Candidate struct {
	ID         string
	Text       string
	Distance   float32
	SourceType string
	Metadata   map[string]string
}

// Error records one degraded search. Retrieval failures never abort the
// turn; they surface here so callers can annotate the response.
type Error struct {
	Search string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s search degraded: %v", e.Search, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result holds both candidate sets plus any degradations.
type Result struct {
	Documents []Candidate
	History   []Candidate
	Errors    []*Error
}

// Orchestrator runs the per-turn document and history searches.
type Orchestrator struct {
	config   Config
	store    vectorstore.Store
	embedder embeddings.Provider
	logger   *zap.Logger
}

func NewOrchestrator(config Config, store vectorstore.Store, embedder embeddings.Provider, logger *zap.Logger) *Orchestrator {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		config:   config,
		store:    store,
		embedder: embedder,
		logger:   logger.Named("retrieval"),
	}
}

// Retrieve embeds the user query once and runs the applicable searches
// concurrently. The document search runs only when the session has attached
// documents; the history search only when long-term memory is enabled. A
// failing search degrades to an empty set with a recorded Error.
func (o *Orchestrator) Retrieve(ctx context.Context, sess session.Session, query string) Result {
	ctx, span := retrievalTracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()

	wantDocuments := len(sess.DocumentIDs) > 0
	wantHistory := sess.LongTermMemory
	span.SetAttributes(
		attribute.Bool("retrieval.documents", wantDocuments),
		attribute.Bool("retrieval.history", wantHistory),
	)
	if !wantDocuments && !wantHistory {
		return Result{}
	}

	vector, err := o.embedder.EmbedQuery(ctx, query)
	if err != nil {
		o.logger.Warn("query embedding failed, all searches degraded",
			zap.String("session_id", sess.ID), zap.Error(err))
		var result Result
		if wantDocuments {
			result.Errors = append(result.Errors, &Error{Search: SourceDocument, Err: err})
		}
		if wantHistory {
			result.Errors = append(result.Errors, &Error{Search: SourceChat, Err: err})
		}
		return result
	}

	var (
		result     Result
		docErr     *Error
		historyErr *Error
	)
	g, gctx := errgroup.WithContext(ctx)

	if wantDocuments {
		g.Go(func() error {
			filter := vectorstore.Filter{
				Eq: map[string]string{"type": SourceDocument},
				In: map[string][]string{"document_id": sess.DocumentIDs},
			}
			candidates, err := o.search(gctx, vector, filter, SourceDocument)
			if err != nil {
				docErr = &Error{Search: SourceDocument, Err: err}
				return nil
			}
			result.Documents = candidates
			return nil
		})
	}

	if wantHistory {
		g.Go(func() error {
			filter := vectorstore.Filter{
				Eq: map[string]string{"type": SourceChat, "session_id": sess.ID},
			}
			candidates, err := o.search(gctx, vector, filter, SourceChat)
			if err != nil {
				historyErr = &Error{Search: SourceChat, Err: err}
				return nil
			}
			result.History = candidates
			return nil
		})
	}

	// Searches degrade instead of failing, so the group never errors.
	_ = g.Wait()

	for _, e := range []*Error{docErr, historyErr} {
		if e != nil {
			o.logger.Warn("search degraded to empty result",
				zap.String("search", e.Search),
				zap.String("session_id", sess.ID),
				zap.Error(e.Err))
			result.Errors = append(result.Errors, e)
		}
	}
	return result
}

func (o *Orchestrator) search(ctx context.Context, vector []float32, filter vectorstore.Filter, source string) ([]Candidate, error) {
	hits, err := o.store.Query(ctx, vector, o.config.TopK, filter)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, Candidate{
			ID:         h.ID,
			Text:       h.Content,
			Distance:   h.Distance,
			SourceType: source,
			Metadata:   h.Metadata,
		})
	}
	return candidates, nil
}
