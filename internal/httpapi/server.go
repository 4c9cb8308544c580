// Package httpapi provides the HTTP API for ragd.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/backend"
	"github.com/fyrsmithlabs/ragd/internal/session"
	"github.com/fyrsmithlabs/ragd/internal/turn"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// TurnRunner executes one chat turn.
type TurnRunner interface {
	Run(ctx context.Context, req turn.Request) (turn.Response, error)
}

// BackendController is the engine surface the API exposes.
type BackendController interface {
	Status() backend.State
	SetActiveBackend(ctx context.Context, kind backend.Kind, modelID string, opts backend.Options) error
	SetGenerationConfig(cfg backend.GenerationConfig)
}

// Server provides HTTP endpoints for ragd.
type Server struct {
	echo     *echo.Echo
	logger   *zap.Logger
	config   Config
	sessions session.Store
	turns    TurnRunner
	engine   BackendController
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config, sessions session.Store, turns TurnRunner, engine BackendController, logger *zap.Logger) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session store cannot be nil")
	}
	if turns == nil {
		return nil, fmt.Errorf("turn runner cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("backend controller cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8090
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		logger:   logger,
		config:   cfg,
		sessions: sessions,
		turns:    turns,
		engine:   engine,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.DELETE("/sessions/:id", s.handleDeleteSession)
	v1.POST("/sessions/:id/messages", s.handleSendMessage)
	v1.GET("/backend", s.handleBackendStatus)
	v1.PUT("/backend", s.handleSetBackend)
	v1.PUT("/backend/generation", s.handleSetGeneration)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Backend: string(s.engine.Status().Status),
	})
}

// CreateSessionRequest is the request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	Title          string   `json:"title"`
	ModelName      string   `json:"model_name"`
	DocumentIDs    []string `json:"document_ids"`
	LongTermMemory bool     `json:"long_term_memory"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sess, err := s.sessions.CreateSession(c.Request().Context(), session.Session{
		Title:          req.Title,
		ModelName:      req.ModelName,
		DocumentIDs:    req.DocumentIDs,
		LongTermMemory: req.LongTermMemory,
	})
	if err != nil {
		s.logger.Error("session creation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create session")
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions, err := s.sessions.ListSessions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	err := s.sessions.DeleteSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete session")
	}
	return c.NoContent(http.StatusNoContent)
}

// SendMessageRequest is the request body for POST /api/v1/sessions/:id/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse is the response body for a completed turn.
type SendMessageResponse struct {
	UserMessage      session.Message `json:"user_message"`
	AssistantMessage session.Message `json:"assistant_message"`
	PromptTokens     int             `json:"prompt_tokens"`
	Degradations     []string        `json:"degradations,omitempty"`
	GenerationFailed bool            `json:"generation_failed"`
}

func (s *Server) handleSendMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	resp, err := s.turns.Run(c.Request().Context(), turn.Request{
		SessionID: c.Param("id"),
		Content:   req.Content,
	})
	if errors.Is(err, session.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		s.logger.Error("turn failed", zap.String("session_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "turn failed")
	}

	return c.JSON(http.StatusOK, SendMessageResponse{
		UserMessage:      resp.UserMessage,
		AssistantMessage: resp.AssistantMessage,
		PromptTokens:     resp.Prompt.TokenCount,
		Degradations:     resp.Degradations,
		GenerationFailed: resp.GenerationFailed,
	})
}

// BackendStatusResponse mirrors the engine's state snapshot.
type BackendStatusResponse struct {
	Status      string                   `json:"status"`
	Kind        string                   `json:"kind"`
	ActiveModel string                   `json:"active_model,omitempty"`
	LastError   string                   `json:"last_error,omitempty"`
	Generation  backend.GenerationConfig `json:"generation"`
}

func (s *Server) handleBackendStatus(c echo.Context) error {
	st := s.engine.Status()
	return c.JSON(http.StatusOK, BackendStatusResponse{
		Status:      string(st.Status),
		Kind:        string(st.Kind),
		ActiveModel: st.ActiveModel,
		LastError:   st.LastError,
		Generation:  st.Generation,
	})
}

// SetBackendRequest is the request body for PUT /api/v1/backend.
type SetBackendRequest struct {
	Kind        string `json:"kind"`
	Model       string `json:"model"`
	Endpoint    string `json:"endpoint"`
	APIKey      string `json:"api_key"`
	ModelPath   string `json:"model_path"`
	ContextSize int    `json:"context_size"`
	Threads     int    `json:"threads"`
}

func (s *Server) handleSetBackend(c echo.Context) error {
	var req SetBackendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	kind, ok := backend.ParseKind(req.Kind)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown backend kind %q", req.Kind))
	}

	err := s.engine.SetActiveBackend(c.Request().Context(), kind, req.Model, backend.Options{
		Endpoint:    req.Endpoint,
		APIKey:      req.APIKey,
		ModelPath:   req.ModelPath,
		ContextSize: req.ContextSize,
		Threads:     req.Threads,
	})

	var confErr *backend.ConfigurationError
	if errors.As(err, &confErr) {
		return echo.NewHTTPError(http.StatusBadRequest, confErr.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	st := s.engine.Status()
	status := http.StatusOK
	if st.Status == backend.StatusLoading {
		// Local weight loading continues in the background.
		status = http.StatusAccepted
	}
	return c.JSON(status, BackendStatusResponse{
		Status:      string(st.Status),
		Kind:        string(st.Kind),
		ActiveModel: st.ActiveModel,
		LastError:   st.LastError,
		Generation:  st.Generation,
	})
}

func (s *Server) handleSetGeneration(c echo.Context) error {
	var req backend.GenerationConfig
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s.engine.SetGenerationConfig(req)
	return c.JSON(http.StatusOK, s.engine.Status().Generation)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
