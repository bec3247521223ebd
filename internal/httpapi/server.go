// Package httpapi provides the HTTP API for answerd.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qribar/answerd/internal/generator"
	"github.com/qribar/answerd/internal/knowledge"
	"github.com/qribar/answerd/internal/logging"
	"github.com/qribar/answerd/internal/pipeline"
	"github.com/qribar/answerd/internal/ratelimit"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the chat and document admin endpoints.
type Server struct {
	echo    *echo.Echo
	pipe    *pipeline.Pipeline
	store   knowledge.Store
	limiter *ratelimit.Limiter
	logger  *logging.Logger
	config  Config
}

// NewServer creates the HTTP server. gatherer serves GET /metrics; pass the
// registry the pipeline metrics were registered on.
func NewServer(pipe *pipeline.Pipeline, store knowledge.Store, limiter *ratelimit.Limiter, gatherer prometheus.Gatherer, logger *logging.Logger, cfg Config) (*Server, error) {
	if pipe == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8484
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Request().Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = c.Response().Header().Get(echo.HeaderXRequestID)
			}
			ctx := logging.ContextWithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			start := time.Now()
			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		pipe:    pipe,
		store:   store,
		limiter: limiter,
		logger:  logger.Named("http"),
		config:  cfg,
	}
	s.registerRoutes(gatherer)
	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/chat", s.handleChat)
	v1.GET("/documents", s.handleListDocuments)
	v1.POST("/documents", s.handleCreateDocument)
	v1.GET("/documents/:id", s.handleGetDocument)
	v1.PUT("/documents/:id", s.handleUpdateDocument)
	v1.DELETE("/documents/:id", s.handleDeleteDocument)
}

// ChatRequest is the request body for POST /api/v1/chat.
type ChatRequest struct {
	Query   string              `json:"query"`
	History []generator.Message `json:"history,omitempty"`
}

// ChatResponse is the response body for POST /api/v1/chat.
type ChatResponse struct {
	Response      string                  `json:"response"`
	NoInformation bool                    `json:"no_information"`
	Documents     []pipeline.UsedDocument `json:"documents"`
	Metadata      pipeline.Metadata       `json:"metadata"`
}

// ErrorResponse is the body for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Documents int    `json:"documents"`
}

func (s *Server) handleHealth(c echo.Context) error {
	count, err := s.store.Count(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Documents: count})
}

// handleChat runs the query pipeline. The response status separates the three
// outcomes: 200 for answers and the no-information message, 400 for invalid
// input, 429 when rate limited, 503 for pipeline failures.
func (s *Server) handleChat(c echo.Context) error {
	ctx := c.Request().Context()

	if !s.limiter.Allow(c.RealIP()) {
		return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "demasiadas peticiones, espera un momento"})
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	result, err := s.pipe.Process(ctx, pipeline.Query{Text: req.Query, History: req.History})
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyQuery) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "query field is required"})
		}
		s.logger.Error(ctx, "pipeline failure", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: pipeline.ServiceUnavailableMessage})
	}

	return c.JSON(http.StatusOK, ChatResponse{
		Response:      result.Response,
		NoInformation: result.NoInformation,
		Documents:     result.Documents,
		Metadata:      result.Metadata,
	})
}

// DocumentRequest is the request body for document create/update.
type DocumentRequest struct {
	Content  string            `json:"content"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	IsPublic *bool             `json:"is_public,omitempty"`
}

func (s *Server) handleListDocuments(c echo.Context) error {
	docs, err := s.store.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list documents"})
	}
	return c.JSON(http.StatusOK, docs)
}

func (s *Server) handleCreateDocument(c echo.Context) error {
	ctx := c.Request().Context()

	var req DocumentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	doc := knowledge.Document{
		Content:  req.Content,
		Source:   req.Source,
		Metadata: req.Metadata,
		IsPublic: true,
	}
	if req.IsPublic != nil {
		doc.IsPublic = *req.IsPublic
	}

	stored, err := s.store.Add(ctx, doc)
	if err != nil {
		if errors.Is(err, knowledge.ErrInvalidDocument) || errors.Is(err, knowledge.ErrDimensionMismatch) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		}
		s.logger.Error(ctx, "document create failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to store document"})
	}
	return c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleGetDocument(c echo.Context) error {
	doc, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "document not found"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load document"})
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleUpdateDocument(c echo.Context) error {
	ctx := c.Request().Context()

	var req DocumentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	existing, err := s.store.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "document not found"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load document"})
	}

	if req.Content != "" && req.Content != existing.Content {
		existing.Content = req.Content
		// Content changed: the stored embedding no longer matches.
		existing.Embedding = nil
	}
	if req.Source != "" {
		existing.Source = req.Source
	}
	if req.Metadata != nil {
		existing.Metadata = req.Metadata
	}
	if req.IsPublic != nil {
		existing.IsPublic = *req.IsPublic
	}

	updated, err := s.store.Update(ctx, existing)
	if err != nil {
		if errors.Is(err, knowledge.ErrInvalidDocument) || errors.Is(err, knowledge.ErrDimensionMismatch) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		}
		s.logger.Error(ctx, "document update failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to update document"})
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	if err := s.store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "document not found"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to delete document"})
	}
	return c.NoContent(http.StatusNoContent)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
