// Package summarize condenses retrieved candidates into query-focused
// digests via the active backend, keeping downstream token cost bounded.
package summarize

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/backend"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
)

var summarizeTracer = otel.Tracer("ragd.summarize")

const (
	defaultMaxDigestTokens = 128
	defaultTemperature     = 0.2
	defaultSeparator       = "\n---\n"

	promptTemplate = "Summarize the following text, keeping only information relevant to the question.\n\nQuestion: %s\n\nText:\n%s\n\nSummary:"
)

// Config bounds digest generation.
type Config struct {
	// MaxDigestTokens caps each digest's length.
	MaxDigestTokens int `koanf:"max_digest_tokens"`
	// Temperature for digest generation; kept low so digests stay factual.
	Temperature float64 `koanf:"temperature"`
	// Separator joins per-candidate digests in a batch.
	Separator string `koanf:"separator"`
}

func (c *Config) ApplyDefaults() {
	if c.MaxDigestTokens <= 0 {
		c.MaxDigestTokens = defaultMaxDigestTokens
	}
	if c.Temperature <= 0 {
		c.Temperature = defaultTemperature
	}
	if c.Separator == "" {
		c.Separator = defaultSeparator
	}
}

// Generator is the slice of the backend engine the summarizer needs.
type Generator interface {
	Status() backend.State
	Generate(ctx context.Context, prompt string, overrides *backend.GenerationConfig) (string, error)
}

// Error records one candidate whose digest was dropped.
type Error struct {
	CandidateID string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("summarize candidate %s: %v", e.CandidateID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Summarizer produces digests through the active backend.
type Summarizer struct {
	config Config
	gen    Generator
	logger *zap.Logger
}

func NewSummarizer(config Config, gen Generator, logger *zap.Logger) *Summarizer {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{
		config: config,
		gen:    gen,
		logger: logger.Named("summarize"),
	}
}

// Summarize condenses one text, guided by the query. Returns an empty
// digest without error when the backend is not Ready, so callers skip
// summarization instead of failing the turn. The generation overrides are
// a request-scoped value; the shared backend configuration is never
// touched.
func (s *Summarizer) Summarize(ctx context.Context, text, query string) (string, error) {
	if s.gen.Status().Status != backend.StatusReady {
		return "", nil
	}

	overrides := &backend.GenerationConfig{
		MaxNewTokens: s.config.MaxDigestTokens,
		Temperature:  s.config.Temperature,
	}
	prompt := fmt.Sprintf(promptTemplate, query, text)
	digest, err := s.gen.Generate(ctx, prompt, overrides)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(digest), nil
}

// SummarizeBatch digests each candidate in order (candidates arrive by
// ascending distance and stay that way) and joins the results with the
// configured separator. A failing candidate is omitted and recorded; the
// batch never fails as a whole.
func (s *Summarizer) SummarizeBatch(ctx context.Context, query string, candidates []retrieval.Candidate) (string, []*Error) {
	if len(candidates) == 0 {
		return "", nil
	}

	ctx, span := summarizeTracer.Start(ctx, "summarize.SummarizeBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("summarize.candidates", len(candidates)))

	var (
		digests []string
		errs    []*Error
	)
	for _, c := range candidates {
		digest, err := s.Summarize(ctx, c.Text, query)
		if err != nil {
			s.logger.Warn("candidate digest dropped",
				zap.String("candidate_id", c.ID),
				zap.Error(err))
			errs = append(errs, &Error{CandidateID: c.ID, Err: err})
			continue
		}
		if digest == "" {
			continue
		}
		digests = append(digests, digest)
	}
	return strings.Join(digests, s.config.Separator), errs
}
