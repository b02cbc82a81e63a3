// Package server is the HTTP facade: JSON endpoints for research task
// management and Server-Sent Events streams for query processing and
// deep-research progress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/quorra-ai/quorra/bus"
	"github.com/quorra-ai/quorra/core"
	"github.com/quorra-ai/quorra/gateway"
	"github.com/quorra-ai/quorra/research"
)

// DefaultPollInterval paces the deep-research SSE progress stream.
const DefaultPollInterval = 500 * time.Millisecond

// IntentProcessor is the orchestrator surface the facade needs.
type IntentProcessor interface {
	ProcessIntent(ctx context.Context, req *core.Request) (<-chan bus.Event, error)
}

// ResearchRunner is the deep-research surface the facade needs.
type ResearchRunner interface {
	StartResearch(ctx context.Context, topic string, documents []string) (string, error)
	StartResearchWithDepth(ctx context.Context, topic string, documents []string, depth research.Depth) (string, error)
	GetTask(ctx context.Context, id string) (*research.Task, error)
	ListTasks(ctx context.Context) ([]research.Summary, error)
}

// ServiceDirectory lists the registered gateway services.
type ServiceDirectory interface {
	DiscoverServices() []gateway.ServiceDescriptor
}

// Server wires the HTTP routes over the orchestration core.
type Server struct {
	engine       *gin.Engine
	orchestrator IntentProcessor
	workflow     ResearchRunner
	services     ServiceDirectory
	logger       core.Logger
	pollInterval time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPollInterval tunes the research progress stream cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// New builds the facade and registers every route.
func New(orchestrator IntentProcessor, workflow ResearchRunner, services ServiceDirectory, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:       gin.New(),
		orchestrator: orchestrator,
		workflow:     workflow,
		services:     services,
		logger:       &core.NoOpLogger{},
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
	}))

	s.routes()
	return s
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", map[string]interface{}{
			"operation": "server_start",
			"addr":      addr,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/services", s.handleServices)
	api.POST("/query/stream", s.handleQueryStream)

	res := s.engine.Group("/research")
	res.POST("/start", s.handleResearchStart)
	res.GET("", s.handleResearchList)
	res.GET("/:id", s.handleResearchGet)
	res.POST("/deep/stream", s.handleResearchStream)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": s.services.DiscoverServices()})
}

// queryRequest is the body of POST /api/query/stream.
type queryRequest struct {
	Query     string                 `json:"query" binding:"required"`
	Mode      string                 `json:"mode"`
	SessionID string                 `json:"session_id"`
	Options   map[string]interface{} `json:"options"`
}

func (s *Server) handleQueryStream(c *gin.Context) {
	var body queryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := core.NewRequest(body.Query, core.Mode(body.Mode), body.SessionID)
	for key, value := range body.Options {
		req.Options[key] = value
	}

	events, err := s.orchestrator.ProcessIntent(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sseHeaders(c)
	for event := range events {
		if !writeSSE(c, event) {
			return
		}
	}
}

// researchStartRequest is the body of POST /research/start.
type researchStartRequest struct {
	Topic     string   `json:"topic" binding:"required"`
	Documents []string `json:"documents"`
}

// researchStreamRequest is the body of POST /research/deep/stream.
// query and selected_docs are the canonical names; topic and documents
// are accepted as aliases.
type researchStreamRequest struct {
	Query        string   `json:"query"`
	Topic        string   `json:"topic"`
	Depth        string   `json:"depth"`
	SelectedDocs []string `json:"selected_docs"`
	Documents    []string `json:"documents"`
}

func (r *researchStreamRequest) topic() string {
	if r.Query != "" {
		return r.Query
	}
	return r.Topic
}

func (r *researchStreamRequest) docs() []string {
	if len(r.SelectedDocs) > 0 {
		return r.SelectedDocs
	}
	return r.Documents
}

func (s *Server) handleResearchStart(c *gin.Context) {
	var body researchStartRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID, err := s.workflow.StartResearch(c.Request.Context(), body.Topic, body.Documents)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": "started"})
}

func (s *Server) handleResearchGet(c *gin.Context) {
	task, err := s.workflow.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleResearchList(c *gin.Context) {
	tasks, err := s.workflow.ListTasks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// handleResearchStream starts a research run and streams task snapshots
// until the run reaches a terminal status.
func (s *Server) handleResearchStream(c *gin.Context) {
	var body researchStreamRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.topic() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	depth, err := research.ParseDepth(body.Depth)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID, err := s.workflow.StartResearchWithDepth(c.Request.Context(), body.topic(), body.docs(), depth)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sseHeaders(c)
	if !writeSSE(c, gin.H{"type": "started", "task_id": taskID}) {
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}

		task, err := s.workflow.GetTask(c.Request.Context(), taskID)
		if err != nil {
			writeSSE(c, gin.H{"type": "error", "error": err.Error()})
			return
		}
		if !writeSSE(c, gin.H{"type": "progress", "task": task}) {
			return
		}
		if task.Status == research.StatusCompleted || task.Status == research.StatusFailed {
			writeSSE(c, gin.H{"type": "done", "task_id": taskID, "status": task.Status})
			return
		}
	}
}

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// writeSSE emits one event frame, reporting whether the client is still
// connected.
func writeSSE(c *gin.Context, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return false
	}
	c.Writer.Flush()
	return c.Request.Context().Err() == nil
}
