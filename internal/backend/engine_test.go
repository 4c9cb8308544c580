package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAdapter is a scripted Adapter for engine tests.
type fakeAdapter struct {
	kind         Kind
	modelID      string
	configureErr error
	generateErr  error
	response     string

	mu       sync.Mutex
	unloads  int
	lastCfg  GenerationConfig
	lastText string
}

func (f *fakeAdapter) Kind() Kind      { return f.kind }
func (f *fakeAdapter) ModelID() string { return f.modelID }

func (f *fakeAdapter) Configure(_ context.Context) error { return f.configureErr }

func (f *fakeAdapter) Generate(_ context.Context, prompt string, cfg GenerationConfig) (string, error) {
	f.mu.Lock()
	f.lastCfg = cfg
	f.lastText = prompt
	f.mu.Unlock()
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return f.response, nil
}

func (f *fakeAdapter) Unload(_ context.Context) error {
	f.mu.Lock()
	f.unloads++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Status() AdapterStatus { return AdapterStatus{Ready: true} }

func (f *fakeAdapter) unloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unloads
}

// fakeLoader adds a controllable WeightLoader to fakeAdapter.
type fakeLoader struct {
	fakeAdapter
	loadErr error
	started chan struct{}
	release chan struct{}
}

func (f *fakeLoader) Load(_ context.Context) error {
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	return f.loadErr
}

func newTestEngine(factory func(Kind, string, Options, *zap.Logger) (Adapter, error)) *Engine {
	e := NewEngine(EngineConfig{}, zap.NewNop())
	if factory != nil {
		e.factory = factory
	}
	return e
}

func waitForStatus(t *testing.T, e *Engine, want Status) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := e.Status()
		if st.Status == want {
			return st
		}
		time.Sleep(time.Millisecond)
	}
	st := e.Status()
	t.Fatalf("status never reached %s, last %s", want, st.Status)
	return st
}

func TestEngine_InitialState(t *testing.T) {
	e := NewEngine(EngineConfig{}, nil)
	st := e.Status()
	assert.Equal(t, StatusInactive, st.Status)
	assert.Equal(t, KindNone, st.Kind)
	assert.Empty(t, st.ActiveModel)
	assert.Equal(t, DefaultGenerationConfig(), st.Generation)
}

func TestEngine_SetActiveBackend_HTTPSynchronous(t *testing.T) {
	adapter := &fakeAdapter{kind: KindOllama, modelID: "llama3"}
	e := newTestEngine(func(Kind, string, Options, *zap.Logger) (Adapter, error) {
		return adapter, nil
	})

	err := e.SetActiveBackend(context.Background(), KindOllama, "llama3", Options{})
	require.NoError(t, err)

	st := e.Status()
	assert.Equal(t, StatusReady, st.Status)
	assert.Equal(t, KindOllama, st.Kind)
	assert.Equal(t, "llama3", st.ActiveModel)
	assert.Empty(t, st.LastError)
}

func TestEngine_SetActiveBackend_ConfigurationFailure(t *testing.T) {
	adapter := &fakeAdapter{kind: KindVLLM, configureErr: errors.New("endpoint unreachable")}
	e := newTestEngine(func(Kind, string, Options, *zap.Logger) (Adapter, error) {
		return adapter, nil
	})

	err := e.SetActiveBackend(context.Background(), KindVLLM, "m", Options{})
	require.Error(t, err)

	st := e.Status()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Empty(t, st.ActiveModel)
	assert.Contains(t, st.LastError, "endpoint unreachable")

	// The process remains usable: a later switch still works.
	ok := &fakeAdapter{kind: KindOllama, modelID: "llama3"}
	e.factory = func(Kind, string, Options, *zap.Logger) (Adapter, error) { return ok, nil }
	require.NoError(t, e.SetActiveBackend(context.Background(), KindOllama, "llama3", Options{}))
	assert.Equal(t, StatusReady, e.Status().Status)
}

func TestEngine_SetActiveBackend_FactoryValidation(t *testing.T) {
	e := NewEngine(EngineConfig{}, nil)

	tests := []struct {
		name  string
		kind  Kind
		model string
		opts  Options
	}{
		{"unknown kind", Kind("mystery"), "m", Options{}},
		{"missing model id", KindOllama, "", Options{}},
		{"vllm missing endpoint", KindVLLM, "m", Options{}},
		{"instructlab missing endpoint", KindInstructLab, "m", Options{}},
		{"gemini missing api key", KindGemini, "m", Options{}},
		{"local missing model path", KindLocal, "m", Options{}},
		{"bad endpoint scheme", KindVLLM, "m", Options{Endpoint: "ftp://host"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.SetActiveBackend(context.Background(), tt.kind, tt.model, tt.opts)
			require.Error(t, err)

			var confErr *ConfigurationError
			assert.ErrorAs(t, err, &confErr)
			assert.Equal(t, StatusFailed, e.Status().Status)
		})
	}
}

func TestEngine_SetActiveBackend_LocalBackgroundLoad(t *testing.T) {
	loader := &fakeLoader{
		fakeAdapter: fakeAdapter{kind: KindLocal, modelID: "phi-2", response: "hello"},
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	e := newTestEngine(func(Kind, string, Options, *zap.Logger) (Adapter, error) {
		return loader, nil
	})

	err := e.SetActiveBackend(context.Background(), KindLocal, "phi-2", Options{ModelPath: "/m.gguf"})
	require.NoError(t, err)

	// The call returned while the load is still in flight.
	st := e.Status()
	assert.Equal(t, StatusLoading, st.Status)
	assert.Empty(t, st.ActiveModel)

	<-loader.started
	close(loader.release)

	st = waitForStatus(t, e, StatusReady)
	assert.Equal(t, "phi-2", st.ActiveModel)
	assert.Equal(t, KindLocal, st.Kind)
	assert.NotZero(t, st.LoadDuration)

	e.Close()
}

func TestEngine_SetActiveBackend_LocalLoadFailure(t *testing.T) {
	loader := &fakeLoader{
		fakeAdapter: fakeAdapter{kind: KindLocal, modelID: "phi-2"},
		loadErr:     &LoadError{Model: "phi-2", Err: errors.New("file truncated")},
	}
	e := newTestEngine(func(Kind, string, Options, *zap.Logger) (Adapter, error) {
		return loader, nil
	})

	require.NoError(t, e.SetActiveBackend(context.Background(), KindLocal, "phi-2", Options{ModelPath: "/m.gguf"}))

	st := waitForStatus(t, e, StatusFailed)
	assert.Empty(t, st.ActiveModel)
	assert.Contains(t, st.LastError, "file truncated")

	e.Close()
}

func TestEngine_StaleLoadDiscarded(t *testing.T) {
	stale := &fakeLoader{
		fakeAdapter: fakeAdapter{kind: KindLocal, modelID: "phi-2"},
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	replacement := &fakeAdapter{kind: KindOllama, modelID: "llama3"}

	calls := 0
	e := newTestEngine(func(kind Kind, _ string, _ Options, _ *zap.Logger) (Adapter, error) {
		calls++
		if kind == KindLocal {
			return stale, nil
		}
		return replacement, nil
	})

	require.NoError(t, e.SetActiveBackend(context.Background(), KindLocal, "phi-2", Options{ModelPath: "/m.gguf"}))
	<-stale.started

	// Supersede while the first load is still running.
	require.NoError(t, e.SetActiveBackend(context.Background(), KindOllama, "llama3", Options{}))
	st := e.Status()
	assert.Equal(t, StatusReady, st.Status)
	assert.Equal(t, KindOllama, st.Kind)

	// Let the stale load finish successfully; its result must be discarded
	// and its weights released.
	close(stale.release)
	e.loads.Wait()

	st = e.Status()
	assert.Equal(t, StatusReady, st.Status)
	assert.Equal(t, KindOllama, st.Kind)
	assert.Equal(t, "llama3", st.ActiveModel)

	deadline := time.Now().Add(2 * time.Second)
	for stale.unloadCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, stale.unloadCount(), 1)
	assert.Equal(t, 2, calls)
}

func TestEngine_Generate_NotReady(t *testing.T) {
	e := NewEngine(EngineConfig{}, nil)

	for _, status := range []Status{StatusInactive, StatusFailed} {
		e.mu.Lock()
		e.state.Status = status
		e.mu.Unlock()

		before := e.Status()
		_, err := e.Generate(context.Background(), "hi", nil)
		require.Error(t, err)

		var genErr *GenerationError
		require.ErrorAs(t, err, &genErr)
		assert.ErrorIs(t, err, ErrNotReady)

		// State unchanged by the failed call.
		assert.Equal(t, before, e.Status())
	}
}

func TestEngine_Generate_DelegatesWithOverrides(t *testing.T) {
	adapter := &fakeAdapter{kind: KindOllama, modelID: "llama3", response: "pong"}
	e := newTestEngine(func(Kind, string, Options, *zap.Logger) (Adapter, error) {
		return adapter, nil
	})
	require.NoError(t, e.SetActiveBackend(context.Background(), KindOllama, "llama3", Options{}))

	shared := e.GenerationConfig()
	text, err := e.Generate(context.Background(), "ping", &GenerationConfig{Temperature: 0.2, MaxNewTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "pong", text)

	adapter.mu.Lock()
	got := adapter.lastCfg
	adapter.mu.Unlock()
	assert.Equal(t, 0.2, got.Temperature)
	assert.Equal(t, 64, got.MaxNewTokens)
	assert.Equal(t, shared.TopP, got.TopP)

	// The shared config was not mutated by the override.
	assert.Equal(t, shared, e.GenerationConfig())
}

func TestEngine_Generate_AdapterFailure(t *testing.T) {
	adapter := &fakeAdapter{kind: KindOllama, modelID: "llama3", generateErr: errors.New("connection refused")}
	e := newTestEngine(func(Kind, string, Options, *zap.Logger) (Adapter, error) {
		return adapter, nil
	})
	require.NoError(t, e.SetActiveBackend(context.Background(), KindOllama, "llama3", Options{}))

	_, err := e.Generate(context.Background(), "hi", nil)
	require.Error(t, err)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.NotErrorIs(t, err, ErrNotReady)

	// A failed generation never alters backend state.
	assert.Equal(t, StatusReady, e.Status().Status)
}

func TestEngine_UnloadResetsToInactive(t *testing.T) {
	adapter := &fakeAdapter{kind: KindOllama, modelID: "llama3"}
	e := newTestEngine(func(Kind, string, Options, *zap.Logger) (Adapter, error) {
		return adapter, nil
	})
	require.NoError(t, e.SetActiveBackend(context.Background(), KindOllama, "llama3", Options{}))

	e.Unload(context.Background())

	st := e.Status()
	assert.Equal(t, StatusInactive, st.Status)
	assert.Equal(t, KindNone, st.Kind)
	assert.Empty(t, st.ActiveModel)
	assert.Equal(t, 1, adapter.unloadCount())

	// Generation config survives the unload.
	assert.Equal(t, DefaultGenerationConfig(), st.Generation)
}

func TestEngine_SwitchUnloadsPrevious(t *testing.T) {
	first := &fakeAdapter{kind: KindOllama, modelID: "llama3"}
	second := &fakeAdapter{kind: KindVLLM, modelID: "mistral"}
	adapters := []Adapter{first, second}
	e := newTestEngine(func(Kind, string, Options, *zap.Logger) (Adapter, error) {
		a := adapters[0]
		adapters = adapters[1:]
		return a, nil
	})

	require.NoError(t, e.SetActiveBackend(context.Background(), KindOllama, "llama3", Options{}))
	require.NoError(t, e.SetActiveBackend(context.Background(), KindVLLM, "mistral", Options{}))

	assert.Equal(t, 1, first.unloadCount())
	st := e.Status()
	assert.Equal(t, KindVLLM, st.Kind)
	assert.Equal(t, "mistral", st.ActiveModel)
}

func TestGenerationConfig_Merged(t *testing.T) {
	base := DefaultGenerationConfig()

	merged := base.Merged(GenerationConfig{Temperature: 0.1, TopK: 5})
	assert.Equal(t, 0.1, merged.Temperature)
	assert.Equal(t, 5, merged.TopK)
	assert.Equal(t, base.MaxNewTokens, merged.MaxNewTokens)
	assert.Equal(t, base.TopP, merged.TopP)

	// Zero-value override changes nothing.
	assert.Equal(t, base, base.Merged(GenerationConfig{}))
}

func TestParseKind(t *testing.T) {
	for _, valid := range []string{"local", "ollama", "vllm", "instructlab", "gemini"} {
		kind, ok := ParseKind(valid)
		assert.True(t, ok, valid)
		assert.Equal(t, Kind(valid), kind)
	}
	_, ok := ParseKind("mystery")
	assert.False(t, ok)
}
