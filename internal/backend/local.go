//go:build llama

package backend

import (
	"context"
	"fmt"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"go.uber.org/zap"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// localAdapter runs inference in-process via go-llama.cpp. Loading reads the
// full weights file and is dispatched by the Engine to a background worker;
// Generate blocks a worker slot for the duration of inference.
type localAdapter struct {
	modelID string
	opts    Options
	logger  *zap.Logger

	mu    sync.Mutex
	model *llama.LLama
}

func newLocalAdapter(modelID string, opts Options, logger *zap.Logger) Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ContextSize == 0 {
		opts.ContextSize = 2048
	}
	if opts.Threads == 0 {
		opts.Threads = 4
	}
	return &localAdapter{
		modelID: modelID,
		opts:    opts,
		logger:  logger.With(zap.String("backend", "local"), zap.String("model", modelID)),
	}
}

func (a *localAdapter) Kind() Kind      { return KindLocal }
func (a *localAdapter) ModelID() string { return a.modelID }

// Configure is a no-op; validation happened at construction and the heavy
// work lives in Load.
func (a *localAdapter) Configure(_ context.Context) error {
	return nil
}

// Load reads the model weights into process memory.
func (a *localAdapter) Load(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	model, err := llama.New(a.opts.ModelPath, llama.SetContext(a.opts.ContextSize))
	if err != nil {
		return &LoadError{Model: a.modelID, Err: err}
	}

	a.mu.Lock()
	a.model = model
	a.mu.Unlock()

	a.logger.Info("local model loaded", zap.String("path", a.opts.ModelPath))
	return nil
}

func (a *localAdapter) Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.model == nil {
		return "", fmt.Errorf("local model not loaded")
	}

	// Bridge cancellation into the token callback; returning false stops
	// prediction.
	a.model.SetTokenCallback(func(_ string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})

	text, err := a.model.Predict(prompt,
		llama.SetTokens(cfg.MaxNewTokens),
		llama.SetThreads(a.opts.Threads),
		llama.SetTemperature(float32(cfg.Temperature)),
		llama.SetTopP(float32(cfg.TopP)),
		llama.SetTopK(cfg.TopK),
		llama.SetPenalty(float32(cfg.RepetitionPenalty)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return text, nil
}

func (a *localAdapter) Unload(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.model != nil {
		a.model.Free()
		a.model = nil
	}
	return nil
}

func (a *localAdapter) Status() AdapterStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.model == nil {
		return AdapterStatus{Ready: false, Details: "weights not loaded"}
	}
	return AdapterStatus{Ready: true, Details: a.opts.ModelPath}
}
