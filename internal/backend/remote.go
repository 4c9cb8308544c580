package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// remoteAdapter serves the HTTP-based backend variants through langchaingo
// clients. vLLM and InstructLab both expose OpenAI-compatible APIs and share
// the openai client with a custom base URL.
type remoteAdapter struct {
	kind    Kind
	modelID string
	opts    Options
	logger  *zap.Logger

	mu  sync.RWMutex
	llm llms.Model
}

func newRemoteAdapter(kind Kind, modelID string, opts Options, logger *zap.Logger) *remoteAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &remoteAdapter{
		kind:    kind,
		modelID: modelID,
		opts:    opts,
		logger:  logger.With(zap.String("backend", string(kind)), zap.String("model", modelID)),
	}
}

func (a *remoteAdapter) Kind() Kind      { return a.kind }
func (a *remoteAdapter) ModelID() string { return a.modelID }

// Configure builds the langchaingo client. No heavy work happens here;
// network calls are deferred to Generate.
func (a *remoteAdapter) Configure(ctx context.Context) error {
	var (
		llm llms.Model
		err error
	)

	switch a.kind {
	case KindOllama:
		llm, err = ollama.New(
			ollama.WithModel(a.modelID),
			ollama.WithServerURL(a.opts.Endpoint),
		)
	case KindVLLM, KindInstructLab:
		token := a.opts.APIKey
		if token == "" {
			// OpenAI-compatible servers without auth still require a
			// non-empty bearer token on the client side.
			token = "EMPTY"
		}
		llm, err = openai.New(
			openai.WithModel(a.modelID),
			openai.WithBaseURL(a.opts.Endpoint),
			openai.WithToken(token),
		)
	case KindGemini:
		llm, err = googleai.New(ctx,
			googleai.WithAPIKey(a.opts.APIKey),
			googleai.WithDefaultModel(a.modelID),
		)
	default:
		return &ConfigurationError{Kind: a.kind, Reason: ErrUnknownKind.Error()}
	}
	if err != nil {
		return fmt.Errorf("building %s client: %w", a.kind, err)
	}

	a.mu.Lock()
	a.llm = llm
	a.mu.Unlock()

	a.logger.Debug("remote backend configured", zap.String("endpoint", a.opts.Endpoint))
	return nil
}

// Generate issues the completion call. The call suspends only this request's
// goroutine and holds no shared lock for its duration.
func (a *remoteAdapter) Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error) {
	a.mu.RLock()
	llm := a.llm
	a.mu.RUnlock()
	if llm == nil {
		return "", fmt.Errorf("%s adapter not configured", a.kind)
	}

	return llms.GenerateFromSinglePrompt(ctx, llm, prompt,
		llms.WithMaxTokens(cfg.MaxNewTokens),
		llms.WithTemperature(cfg.Temperature),
		llms.WithTopP(cfg.TopP),
		llms.WithTopK(cfg.TopK),
		llms.WithRepetitionPenalty(cfg.RepetitionPenalty),
	)
}

// Unload drops the client. Remote backends hold no server-side resources.
func (a *remoteAdapter) Unload(_ context.Context) error {
	a.mu.Lock()
	a.llm = nil
	a.mu.Unlock()
	return nil
}

func (a *remoteAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.llm == nil {
		return AdapterStatus{Ready: false, Details: "not configured"}
	}
	return AdapterStatus{Ready: true, Details: fmt.Sprintf("%s via %s", a.modelID, a.opts.Endpoint)}
}
