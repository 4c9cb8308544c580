package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/backend"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/session"
	"github.com/fyrsmithlabs/ragd/internal/turn"
)

type fakeTurnRunner struct {
	response turn.Response
	err      error
	requests []turn.Request
}

func (f *fakeTurnRunner) Run(_ context.Context, req turn.Request) (turn.Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return turn.Response{}, f.err
	}
	return f.response, nil
}

type fakeController struct {
	state  backend.State
	setErr error
	calls  []backend.Kind
}

func (f *fakeController) Status() backend.State { return f.state }

func (f *fakeController) SetActiveBackend(_ context.Context, kind backend.Kind, _ string, _ backend.Options) error {
	f.calls = append(f.calls, kind)
	if f.setErr != nil {
		return f.setErr
	}
	f.state.Kind = kind
	f.state.Status = backend.StatusReady
	return nil
}

func (f *fakeController) SetGenerationConfig(cfg backend.GenerationConfig) {
	f.state.Generation = f.state.Generation.Merged(cfg)
}

type testServer struct {
	server   *Server
	sessions *session.MemoryStore
	turns    *fakeTurnRunner
	engine   *fakeController
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		sessions: session.NewMemoryStore(),
		turns:    &fakeTurnRunner{},
		engine:   &fakeController{state: backend.State{Status: backend.StatusInactive, Kind: backend.KindNone, Generation: backend.DefaultGenerationConfig()}},
	}
	server, err := NewServer(Config{}, ts.sessions, ts.turns, ts.engine, zap.NewNop())
	require.NoError(t, err)
	ts.server = server
	return ts
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_Validation(t *testing.T) {
	sessions := session.NewMemoryStore()
	turns := &fakeTurnRunner{}
	engine := &fakeController{}

	_, err := NewServer(Config{}, nil, turns, engine, zap.NewNop())
	assert.ErrorContains(t, err, "session store cannot be nil")

	_, err = NewServer(Config{}, sessions, nil, engine, zap.NewNop())
	assert.ErrorContains(t, err, "turn runner cannot be nil")

	_, err = NewServer(Config{}, sessions, turns, engine, nil)
	assert.ErrorContains(t, err, "logger is required")

	server, err := NewServer(Config{}, sessions, turns, engine, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "localhost", server.config.Host)
	assert.Equal(t, 8090, server.config.Port)
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "inactive", resp.Backend)
}

func TestSessionEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		Title:          "support",
		DocumentIDs:    []string{"doc-1"},
		LongTermMemory: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.LongTermMemory)

	rec = ts.request(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = ts.request(t, http.MethodDelete, "/api/v1/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.request(t, http.MethodDelete, "/api/v1/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSendMessage(t *testing.T) {
	ts := setupTestServer(t)
	ts.turns.response = turn.Response{
		AssistantMessage: session.Message{Role: session.RoleAssistant, Content: "answer"},
		Prompt:           prompt.AssembledPrompt{TokenCount: 42},
		Degradations:     []string{"chat search degraded: store down"},
	}

	rec := ts.request(t, http.MethodPost, "/api/v1/sessions/s1/messages", SendMessageRequest{Content: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "answer", resp.AssistantMessage.Content)
	assert.Equal(t, 42, resp.PromptTokens)
	assert.Len(t, resp.Degradations, 1)

	require.Len(t, ts.turns.requests, 1)
	assert.Equal(t, "s1", ts.turns.requests[0].SessionID)
	assert.Equal(t, "hello", ts.turns.requests[0].Content)
}

func TestHandleSendMessage_Errors(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/sessions/s1/messages", SendMessageRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.turns.err = session.ErrSessionNotFound
	rec = ts.request(t, http.MethodPost, "/api/v1/sessions/s1/messages", SendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.turns.err = errors.New("boom")
	rec = ts.request(t, http.MethodPost, "/api/v1/sessions/s1/messages", SendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBackendEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.request(t, http.MethodGet, "/api/v1/backend", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status BackendStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "inactive", status.Status)

	rec = ts.request(t, http.MethodPut, "/api/v1/backend", SetBackendRequest{Kind: "ollama", Model: "llama3"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ready", status.Status)
	assert.Equal(t, "ollama", status.Kind)
	assert.Equal(t, []backend.Kind{backend.KindOllama}, ts.engine.calls)
}

func TestHandleSetBackend_Errors(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.request(t, http.MethodPut, "/api/v1/backend", SetBackendRequest{Kind: "mystery", Model: "m"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.engine.setErr = &backend.ConfigurationError{Kind: backend.KindVLLM, Reason: "endpoint required"}
	rec = ts.request(t, http.MethodPut, "/api/v1/backend", SetBackendRequest{Kind: "vllm", Model: "m"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSetBackend_LoadingReturnsAccepted(t *testing.T) {
	ts := setupTestServer(t)
	ts.engine.setErr = nil

	// Simulate a local backend whose load continues in the background.
	ts.engine.state = backend.State{Status: backend.StatusLoading, Kind: backend.KindLocal}
	original := ts.engine
	server, err := NewServer(Config{}, ts.sessions, ts.turns, &loadingController{original}, zap.NewNop())
	require.NoError(t, err)
	ts.server = server

	rec := ts.request(t, http.MethodPut, "/api/v1/backend", SetBackendRequest{Kind: "local", Model: "phi-2", ModelPath: "/m.gguf"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

// loadingController keeps Status reporting Loading after SetActiveBackend.
type loadingController struct{ inner *fakeController }

func (l *loadingController) Status() backend.State {
	return backend.State{Status: backend.StatusLoading, Kind: backend.KindLocal}
}

func (l *loadingController) SetActiveBackend(_ context.Context, _ backend.Kind, _ string, _ backend.Options) error {
	return nil
}

func (l *loadingController) SetGenerationConfig(_ backend.GenerationConfig) {}

func TestHandleSetGeneration(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.request(t, http.MethodPut, "/api/v1/backend/generation", map[string]interface{}{
		"temperature":    0.3,
		"max_new_tokens": 256,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg backend.GenerationConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 0.3, cfg.Temperature)
	assert.Equal(t, 256, cfg.MaxNewTokens)
	// Untouched fields keep their defaults.
	assert.Equal(t, backend.DefaultGenerationConfig().TopP, cfg.TopP)
}
