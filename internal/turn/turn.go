// Package turn runs the per-message pipeline: retrieval, summarization,
// prompt assembly, generation, then background indexing. Retrieval and
// summarization degrade without failing the turn; a generation failure
// still produces a normal-shaped assistant message carrying the error text
// so the transcript stays contiguous.
package turn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/backend"
	"github.com/fyrsmithlabs/ragd/internal/indexer"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/session"
	"github.com/fyrsmithlabs/ragd/internal/summarize"
)

var turnTracer = otel.Tracer("ragd.turn")

const (
	defaultRecentWindow      = 6
	defaultGenerationTimeout = 2 * time.Minute
	fallbackModelLength      = 4096
)

// Config controls the turn pipeline.
type Config struct {
	// RecentWindow is how many verbatim messages feed the prompt.
	RecentWindow int `koanf:"recent_window"`
	// GenerationTimeout bounds one generation call.
	GenerationTimeout time.Duration `koanf:"generation_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.RecentWindow <= 0 {
		c.RecentWindow = defaultRecentWindow
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = defaultGenerationTimeout
	}
}

// Retriever is the retrieval orchestrator surface the pipeline uses.
type Retriever interface {
	Retrieve(ctx context.Context, sess session.Session, query string) retrieval.Result
}

// Digester condenses a candidate batch into one digest.
type Digester interface {
	SummarizeBatch(ctx context.Context, query string, candidates []retrieval.Candidate) (string, []*summarize.Error)
}

// Generator is the backend engine surface the pipeline uses.
type Generator interface {
	ModelMeta() backend.ModelMeta
	GenerationConfig() backend.GenerationConfig
	Generate(ctx context.Context, prompt string, overrides *backend.GenerationConfig) (string, error)
}

// Scheduler accepts indexing tasks after a turn is finalized.
type Scheduler interface {
	Schedule(task indexer.Task) bool
}

// Request is one incoming user message.
type Request struct {
	SessionID string
	Content   string
}

// Response is the finalized turn. Degradations lists the non-fatal
// failures annotated onto the turn; GenerationFailed marks a response
// whose content is an error string rather than model output.
type Response struct {
	UserMessage      session.Message
	AssistantMessage session.Message
	Prompt           prompt.AssembledPrompt
	Degradations     []string
	GenerationFailed bool
}

// Service wires the pipeline stages together.
type Service struct {
	config    Config
	sessions  session.Store
	retriever Retriever
	digester  Digester
	assembler *prompt.Assembler
	generator Generator
	scheduler Scheduler
	logger    *zap.Logger
}

func NewService(
	config Config,
	sessions session.Store,
	retriever Retriever,
	digester Digester,
	assembler *prompt.Assembler,
	generator Generator,
	scheduler Scheduler,
	logger *zap.Logger,
) *Service {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:    config,
		sessions:  sessions,
		retriever: retriever,
		digester:  digester,
		assembler: assembler,
		generator: generator,
		scheduler: scheduler,
		logger:    logger.Named("turn"),
	}
}

// Run executes one chat turn. The stages run in strict order; only a
// missing session or a failed message write aborts the turn.
func (s *Service) Run(ctx context.Context, req Request) (Response, error) {
	ctx, span := turnTracer.Start(ctx, "turn.Run")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", req.SessionID))

	sess, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return Response{}, err
	}

	userMsg, err := s.sessions.AppendMessage(ctx, session.Message{
		SessionID: sess.ID,
		Role:      session.RoleUser,
		Content:   req.Content,
	})
	if err != nil {
		return Response{}, fmt.Errorf("persist user message: %w", err)
	}

	var degradations []string

	retrieved := s.retriever.Retrieve(ctx, sess, req.Content)
	for _, e := range retrieved.Errors {
		degradations = append(degradations, e.Error())
	}

	docDigest, errs := s.digester.SummarizeBatch(ctx, req.Content, retrieved.Documents)
	for _, e := range errs {
		degradations = append(degradations, e.Error())
	}
	histDigest, errs := s.digester.SummarizeBatch(ctx, req.Content, retrieved.History)
	for _, e := range errs {
		degradations = append(degradations, e.Error())
	}

	recent, err := s.sessions.RecentMessages(ctx, sess.ID, s.config.RecentWindow, userMsg.ID)
	if err != nil {
		s.logger.Warn("recent history unavailable", zap.String("session_id", sess.ID), zap.Error(err))
		degradations = append(degradations, fmt.Sprintf("recent history unavailable: %v", err))
	}

	genCfg := s.generator.GenerationConfig()
	maxLen := s.generator.ModelMeta().MaxModelLength
	if maxLen <= 0 {
		maxLen = fallbackModelLength
	}

	assembled := s.assembler.Assemble(ctx, prompt.Input{
		Query:          req.Content,
		DocumentDigest: docDigest,
		HistoryDigest:  histDigest,
		RecentHistory:  toTurns(recent),
		MaxModelLength: maxLen,
		MaxNewTokens:   genCfg.MaxNewTokens,
	})

	genCtx, cancel := context.WithTimeout(ctx, s.config.GenerationTimeout)
	defer cancel()

	content, genErr := s.generator.Generate(genCtx, assembled.Text, nil)
	if genErr != nil {
		s.logger.Error("generation failed",
			zap.String("session_id", sess.ID),
			zap.Error(genErr))
		content = fmt.Sprintf("[error] generation failed: %v", genErr)
	}

	metadata := map[string]string{
		"prompt_tokens": fmt.Sprintf("%d", assembled.TokenCount),
	}
	if len(degradations) > 0 {
		metadata["degraded"] = strings.Join(degradations, "; ")
	}
	if genErr != nil {
		metadata["error"] = genErr.Error()
	}

	assistantMsg, err := s.sessions.AppendMessage(ctx, session.Message{
		SessionID: sess.ID,
		Role:      session.RoleAssistant,
		Content:   content,
		Metadata:  metadata,
	})
	if err != nil {
		return Response{}, fmt.Errorf("persist assistant message: %w", err)
	}

	// Index only after both halves are durably stored, and only turns
	// that actually produced model output.
	if genErr == nil {
		s.scheduler.Schedule(indexer.Task{
			SessionID:          sess.ID,
			UserMessageID:      userMsg.ID,
			AssistantMessageID: assistantMsg.ID,
		})
	}

	span.SetAttributes(
		attribute.Int("turn.prompt_tokens", assembled.TokenCount),
		attribute.Int("turn.degradations", len(degradations)),
		attribute.Bool("turn.generation_failed", genErr != nil),
	)

	return Response{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Prompt:           assembled,
		Degradations:     degradations,
		GenerationFailed: genErr != nil,
	}, nil
}

func toTurns(messages []session.Message) []prompt.Turn {
	turns := make([]prompt.Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, prompt.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
