package backend

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var engineTracer = otel.Tracer("ragd.backend.engine")

// defaultContextSize is assumed when a backend does not declare its context
// window.
const defaultContextSize = 4096

// EngineConfig holds configuration for the backend engine.
type EngineConfig struct {
	// LocalWorkers bounds concurrent in-process generations so chat turns do
	// not starve each other or the load worker. Default: 2.
	LocalWorkers int `koanf:"local_workers"`

	// Generation is the initial sampling configuration.
	Generation GenerationConfig `koanf:"generation"`
}

// ApplyDefaults sets default values for unset fields.
func (c *EngineConfig) ApplyDefaults() {
	if c.LocalWorkers <= 0 {
		c.LocalWorkers = 2
	}
	if c.Generation == (GenerationConfig{}) {
		c.Generation = DefaultGenerationConfig()
	}
}

// Engine is the backend state machine. It owns the single active Adapter,
// serializes all transitions, and hands out state snapshots.
//
// Transition operations (SetActiveBackend, Unload, background load
// completion) are mutually exclusive under mu. Status reads take the read
// side only and never wait for an in-flight load: loads run on a background
// goroutine tagged with a generation counter, and a completion whose tag no
// longer matches is discarded rather than applied.
type Engine struct {
	logger *zap.Logger
	config EngineConfig

	// factory is swapped in tests to inject fake adapters.
	factory func(kind Kind, modelID string, opts Options, logger *zap.Logger) (Adapter, error)

	// sem bounds concurrent local generations.
	sem chan struct{}

	mu      sync.RWMutex
	state   State
	adapter Adapter
	meta    ModelMeta
	loadGen uint64
	loads   sync.WaitGroup
}

// NewEngine creates an inactive Engine.
func NewEngine(config EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Engine{
		logger:  logger.Named("backend"),
		config:  config,
		factory: newAdapter,
		sem:     make(chan struct{}, config.LocalWorkers),
		state: State{
			Status:     StatusInactive,
			Kind:       KindNone,
			Generation: config.Generation,
		},
		meta: ModelMeta{MaxModelLength: defaultContextSize},
	}
}

// Status returns a snapshot of the backend state. It never blocks on an
// in-flight load.
func (e *Engine) Status() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// ModelMeta returns the active model's metadata for prompt budgeting.
func (e *Engine) ModelMeta() ModelMeta {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.meta
}

// GenerationConfig returns a copy of the shared sampling configuration.
// Callers overlay their own overrides on the copy; the shared value is
// mutated only through SetGenerationConfig.
func (e *Engine) GenerationConfig() GenerationConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Generation
}

// SetGenerationConfig replaces the shared sampling configuration.
func (e *Engine) SetGenerationConfig(cfg GenerationConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Generation = e.state.Generation.Merged(cfg)
}

// SetActiveBackend switches the active backend.
//
// The current backend is unconditionally unloaded first, unload errors
// swallowed and logged; configuration then either fails fast with a
// *ConfigurationError (state Failed), completes synchronously for HTTP
// variants (state Ready/Failed before return), or is dispatched to a
// background load worker for the local variant (state Loading on return).
func (e *Engine) SetActiveBackend(ctx context.Context, kind Kind, modelID string, opts Options) error {
	ctx, span := engineTracer.Start(ctx, "Engine.SetActiveBackend")
	defer span.End()
	span.SetAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("model", modelID),
	)

	e.mu.Lock()
	defer e.mu.Unlock()

	// Unload-then-load, even if the new configuration then fails: the
	// system is briefly backend-less by design of the switch operation.
	e.unloadLocked(ctx)

	adapter, err := e.factory(kind, modelID, opts, e.logger)
	if err != nil {
		e.state.Status = StatusFailed
		e.state.Kind = kind
		e.state.ActiveModel = ""
		e.state.LastError = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("backend configuration rejected",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return err
	}

	maxLen := opts.ContextSize
	if maxLen <= 0 {
		maxLen = defaultContextSize
	}

	if loader, ok := adapter.(WeightLoader); ok {
		// Local variant: store the instance immediately so status queries
		// reflect progress, then load on a background worker.
		e.loadGen++
		gen := e.loadGen
		e.adapter = adapter
		e.state.Status = StatusLoading
		e.state.Kind = kind
		e.state.ActiveModel = ""
		e.state.LastError = ""

		e.loads.Add(1)
		go e.runLoad(gen, loader, adapter, modelID, maxLen)

		e.logger.Info("backend load dispatched",
			zap.String("kind", string(kind)),
			zap.String("model", modelID),
		)
		return nil
	}

	// HTTP variants: configuration is inexpensive and done synchronously.
	e.state.Status = StatusConfiguring
	e.state.Kind = kind
	if err := adapter.Configure(ctx); err != nil {
		e.state.Status = StatusFailed
		e.state.ActiveModel = ""
		e.state.LastError = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("backend configuration failed",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return err
	}

	e.adapter = adapter
	e.state.Status = StatusReady
	e.state.ActiveModel = modelID
	e.state.LastError = ""
	e.meta = ModelMeta{MaxModelLength: maxLen}
	span.SetStatus(codes.Ok, "success")
	e.logger.Info("backend ready",
		zap.String("kind", string(kind)),
		zap.String("model", modelID),
	)
	return nil
}

// runLoad executes a background weight load tagged with gen. A completion
// whose tag no longer matches loadGen was superseded and must not overwrite
// the newer backend's state.
func (e *Engine) runLoad(gen uint64, loader WeightLoader, adapter Adapter, modelID string, maxLen int) {
	defer e.loads.Done()

	start := time.Now()
	err := loader.Load(context.Background())
	elapsed := time.Since(start)

	e.mu.Lock()
	if gen != e.loadGen {
		e.mu.Unlock()
		e.logger.Info("discarding superseded load result",
			zap.String("model", modelID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		if err == nil {
			// The stale load succeeded; free its weights.
			if unloadErr := adapter.Unload(context.Background()); unloadErr != nil {
				e.logger.Warn("unloading superseded backend", zap.Error(unloadErr))
			}
		}
		return
	}
	defer e.mu.Unlock()

	if err != nil {
		e.state.Status = StatusFailed
		e.state.ActiveModel = ""
		e.state.LastError = err.Error()
		e.state.LoadDuration = elapsed
		e.logger.Error("backend load failed",
			zap.String("model", modelID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return
	}

	e.state.Status = StatusReady
	e.state.ActiveModel = modelID
	e.state.LastError = ""
	e.state.LoadDuration = elapsed
	e.meta = ModelMeta{MaxModelLength: maxLen}
	e.logger.Info("backend load complete",
		zap.String("model", modelID),
		zap.Duration("elapsed", elapsed),
	)
}

// Unload releases the active backend and returns the engine to Inactive.
func (e *Engine) Unload(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloadLocked(ctx)
}

// unloadLocked resets to Inactive, swallowing and logging unload errors.
// Incrementing loadGen here invalidates any in-flight load. Caller holds mu.
func (e *Engine) unloadLocked(ctx context.Context) {
	e.loadGen++
	if e.adapter != nil {
		e.state.Status = StatusUnloading
		if err := e.adapter.Unload(ctx); err != nil {
			e.logger.Warn("unloading backend",
				zap.String("kind", string(e.state.Kind)),
				zap.Error(err),
			)
		}
		e.adapter = nil
	}
	gen := e.state.Generation
	e.state = State{
		Status:     StatusInactive,
		Kind:       KindNone,
		Generation: gen,
	}
	e.meta = ModelMeta{MaxModelLength: defaultContextSize}
}

// Generate produces text for the prompt, honoring the caller's context for
// timeout/cancellation. It fails with a *GenerationError wrapping ErrNotReady
// unless the backend is Ready; adapter failures are wrapped likewise. State
// is never mutated by a generation call.
func (e *Engine) Generate(ctx context.Context, prompt string, overrides *GenerationConfig) (string, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.Generate")
	defer span.End()

	e.mu.RLock()
	st := e.state
	adapter := e.adapter
	e.mu.RUnlock()

	if st.Status != StatusReady || adapter == nil {
		err := &GenerationError{Kind: st.Kind, Err: ErrNotReady}
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	cfg := st.Generation
	if overrides != nil {
		cfg = cfg.Merged(*overrides)
	}

	// In-process inference is CPU/GPU-bound; bound the worker slots so
	// concurrent turns queue instead of oversubscribing. Remote calls only
	// suspend this goroutine and skip the semaphore.
	if _, local := adapter.(WeightLoader); local {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return "", &GenerationError{Kind: st.Kind, Err: ctx.Err()}
		}
	}

	text, err := adapter.Generate(ctx, prompt, cfg)
	if err != nil {
		genErr := &GenerationError{Kind: st.Kind, Err: err}
		span.RecordError(genErr)
		span.SetStatus(codes.Error, genErr.Error())
		return "", genErr
	}

	span.SetStatus(codes.Ok, "success")
	return text, nil
}

// Close unloads the backend and waits for background loads to finish.
func (e *Engine) Close() {
	e.Unload(context.Background())
	e.loads.Wait()
}
