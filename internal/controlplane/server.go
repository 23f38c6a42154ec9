package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/contextmem/internal/logger"
	"github.com/fentz26/contextmem/internal/metrics"
	"github.com/fentz26/contextmem/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	OK        bool                   `json:"ok"`
	DB        string                 `json:"db"`
	Version   string                 `json:"version"`
	Time      string                 `json:"time"`
	Detector  map[string]interface{} `json:"detector,omitempty"`
	Scheduler map[string]interface{} `json:"scheduler,omitempty"`
}

// Server provides the HTTP API for the memory daemon.
type Server struct {
	service  *Service
	db       Pinger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *logger.Logger
	addr     string

	schedulerStats func() map[string]interface{}

	engine *gin.Engine
	server *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithGatherer exposes the given registry on GET /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// WithMetrics counts requests into m.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithSchedulerStats adds scheduler statistics to the health response.
func WithSchedulerStats(stats func() map[string]interface{}) ServerOption {
	return func(s *Server) { s.schedulerStats = stats }
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, db Pinger, log *logger.Logger, addr string, opts ...ServerOption) *Server {
	s := &Server{
		service:  service,
		db:       db,
		metrics:  metrics.NewNop(),
		gatherer: prometheus.DefaultGatherer,
		log:      log.With("component", "http"),
		addr:     addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info("Starting contextmem daemon", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), s.observe())
	e.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": c.Request.URL.Path + " not found"})
	})

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	// Entity endpoints
	e.POST("/entities", s.trackEntity)
	e.GET("/entities", s.queryEntities)
	e.GET("/entities/:id", s.getEntity)
	e.GET("/entities/:id/relationships", s.getRelationships)
	e.PUT("/entities/:id/importance", s.updateImportance)
	e.POST("/entities/:id/workflows", s.associateWorkflow)
	e.POST("/relationships", s.createRelationship)
	e.GET("/stats/entities", s.entityStats)

	// Execution ledger endpoints
	e.POST("/executions", s.recordExecution)
	e.GET("/executions", s.queryHistory)
	e.GET("/executions/:id", s.getExecution)
	e.POST("/executions/:id/complete", s.completeExecution)
	e.GET("/patterns", s.listPatterns)
	e.GET("/workflows/:id/patterns", s.workflowPatterns)
	e.GET("/workflows/:id/stats", s.workflowStats)
	e.GET("/workflows/:id/suggestions", s.workflowSuggestions)

	// Learning endpoints
	e.POST("/models/train", s.trainModel)
	e.GET("/models", s.listModels)
	e.GET("/models/:id", s.getModel)
	e.POST("/models/:id/suggestions", s.generateSuggestions)
	e.GET("/suggestions", s.listSuggestions)
	e.POST("/suggestions/:id/apply", s.applySuggestion)

	// Maintenance endpoints
	e.POST("/maintenance/cleanup", s.cleanup)
	e.GET("/decisions", s.listDecisions)
	return e
}

// observe counts requests by route template and logs them at debug level.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(c.Writer.Status())
		s.metrics.HTTPRequests.WithLabelValues(route, code).Inc()
		s.log.Debug("request",
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		OK:       true,
		DB:       "ok",
		Version:  Version,
		Time:     time.Now().UTC().Format(time.RFC3339),
		Detector: s.service.DetectorStats(),
	}
	if s.schedulerStats != nil {
		resp.Scheduler = s.schedulerStats()
	}

	status := http.StatusOK
	if err := s.db.Ping(c.Request.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// fail writes err with the status its type maps to.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "route", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
		return false
	}
	return true
}

// --- Entity Handlers ---

type trackEntityRequest struct {
	Type     models.EntityType `json:"type"`
	Name     string            `json:"name"`
	Metadata map[string]any    `json:"metadata"`
	Tags     []string          `json:"tags"`
}

func (s *Server) trackEntity(c *gin.Context) {
	var req trackEntityRequest
	if !s.bind(c, &req) {
		return
	}
	e, err := s.service.TrackEntity(c.Request.Context(), req.Type, req.Name, req.Metadata, req.Tags)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (s *Server) queryEntities(c *gin.Context) {
	f := models.EntityFilter{
		Type:       models.EntityType(c.Query("type")),
		WorkflowID: c.Query("workflow_id"),
		SortBy:     c.Query("sort_by"),
		SortOrder:  c.Query("sort_order"),
	}
	if tags := c.Query("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	if raw := c.Query("min_importance"); raw != "" {
		v, err := floatQuery(c, "min_importance")
		if err != nil {
			s.fail(c, err)
			return
		}
		f.MinImportance = &v
	}
	var err error
	if f.Limit, f.Offset, err = pageQuery(c); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.service.QueryEntities(c.Request.Context(), f))
}

func (s *Server) getEntity(c *gin.Context) {
	e, err := s.service.GetEntity(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) getRelationships(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.GetRelationships(c.Request.Context(), c.Param("id")))
}

type importanceRequest struct {
	Score float64 `json:"score"`
}

func (s *Server) updateImportance(c *gin.Context) {
	var req importanceRequest
	if !s.bind(c, &req) {
		return
	}
	e, err := s.service.UpdateImportance(c.Request.Context(), c.Param("id"), req.Score)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type associateRequest struct {
	WorkflowID string `json:"workflow_id"`
}

func (s *Server) associateWorkflow(c *gin.Context) {
	var req associateRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.service.AssociateWithWorkflow(c.Request.Context(), c.Param("id"), req.WorkflowID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "associated"})
}

type relationshipRequest struct {
	SourceID string                  `json:"source_id"`
	TargetID string                  `json:"target_id"`
	Type     models.RelationshipType `json:"type"`
	Strength *float64                `json:"strength"`
}

func (s *Server) createRelationship(c *gin.Context) {
	var req relationshipRequest
	if !s.bind(c, &req) {
		return
	}
	strength := 1.0
	if req.Strength != nil {
		strength = *req.Strength
	}
	rel, err := s.service.CreateRelationship(c.Request.Context(), req.SourceID, req.TargetID, req.Type, strength)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rel)
}

func (s *Server) entityStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.EntityStats(c.Request.Context()))
}

// --- Execution Handlers ---

func (s *Server) recordExecution(c *gin.Context) {
	var req models.NewExecution
	if !s.bind(c, &req) {
		return
	}
	rec, err := s.service.RecordExecution(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) queryHistory(c *gin.Context) {
	f := models.HistoryFilter{
		WorkflowID: c.Query("workflow_id"),
		Status:     models.ExecutionStatus(c.Query("status")),
	}
	var err error
	if f.From, err = timeQuery(c, "from"); err != nil {
		s.fail(c, err)
		return
	}
	if f.To, err = timeQuery(c, "to"); err != nil {
		s.fail(c, err)
		return
	}
	if f.Limit, f.Offset, err = pageQuery(c); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.service.QueryHistory(c.Request.Context(), f))
}

func (s *Server) getExecution(c *gin.Context) {
	rec, err := s.service.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type completeRequest struct {
	Status       models.ExecutionStatus `json:"status"`
	DurationMS   int64                  `json:"duration_ms"`
	ErrorMessage string                 `json:"error_message"`
}

func (s *Server) completeExecution(c *gin.Context) {
	var req completeRequest
	if !s.bind(c, &req) {
		return
	}
	rec, err := s.service.CompleteExecution(c.Request.Context(), c.Param("id"), req.Status, req.DurationMS, req.ErrorMessage)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) listPatterns(c *gin.Context) {
	minConf, err := floatQuery(c, "min_confidence")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.service.GetAllPatterns(c.Request.Context(), minConf))
}

func (s *Server) workflowPatterns(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.GetWorkflowPatterns(c.Request.Context(), c.Param("id")))
}

func (s *Server) workflowStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.GetWorkflowStats(c.Request.Context(), c.Param("id")))
}

func (s *Server) workflowSuggestions(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.GetWorkflowSuggestions(c.Request.Context(), c.Param("id")))
}

// --- Learning Handlers ---

func (s *Server) trainModel(c *gin.Context) {
	var req models.TrainingConfig
	if !s.bind(c, &req) {
		return
	}
	m, err := s.service.TrainModel(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.ListModels(c.Request.Context()))
}

func (s *Server) getModel(c *gin.Context) {
	m, err := s.service.GetModel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type generateRequest struct {
	WorkflowID string `json:"workflow_id"`
}

func (s *Server) generateSuggestions(c *gin.Context) {
	var req generateRequest
	if c.Request.ContentLength != 0 && !s.bind(c, &req) {
		return
	}
	list, err := s.service.GenerateSuggestions(c.Request.Context(), c.Param("id"), req.WorkflowID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, list)
}

func (s *Server) listSuggestions(c *gin.Context) {
	pending := c.DefaultQuery("pending", "true") != "false"
	c.JSON(http.StatusOK, s.service.ListSuggestions(c.Request.Context(), c.Query("workflow_id"), c.Query("model_id"), pending))
}

func (s *Server) applySuggestion(c *gin.Context) {
	var req models.Feedback
	if !s.bind(c, &req) {
		return
	}
	sg, err := s.service.ApplySuggestion(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sg)
}

// --- Maintenance Handlers ---

type cleanupRequest struct {
	RetentionDays int `json:"retention_days"`
}

func (s *Server) cleanup(c *gin.Context) {
	var req cleanupRequest
	if !s.bind(c, &req) {
		return
	}
	report, err := s.service.Cleanup(c.Request.Context(), req.RetentionDays)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) listDecisions(c *gin.Context) {
	limit, _, err := pageQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	entries, err := s.service.ListDecisions(c.Request.Context(), c.Query("action"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// --- Query Helpers ---

func floatQuery(c *gin.Context, name string) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidQuery, name, raw)
	}
	return v, nil
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidQuery, name, raw)
	}
	return v, nil
}

func pageQuery(c *gin.Context) (limit, offset int, err error) {
	if limit, err = intQuery(c, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = intQuery(c, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidQuery, name, raw)
	}
	return &t, nil
}
