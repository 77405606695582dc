// Package http serves the protoflow pipeline API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/logging"
	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/pr"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
	"github.com/fyrsmithlabs/protoflow/internal/rebase"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
	"github.com/fyrsmithlabs/protoflow/internal/telemetry"
)

// Pipeline is the engine surface the API exposes. *pipeline.Engine
// implements it.
type Pipeline interface {
	Create(ctx context.Context, req pipeline.CreateRequest) (*pipeline.Status, error)
	List(ctx context.Context) ([]*pipeline.Status, error)
	Status(ctx context.Context, branchName string) (*pipeline.Status, error)
	History(ctx context.Context, branchName string) ([]stage.Commit, error)
	Commit(ctx context.Context, branchName string, st stage.Stage, opts pipeline.Options) (*stage.Commit, error)
	Push(ctx context.Context, branchName string) error
	OpenPR(ctx context.Context, branchName, title, body string) (*pr.Result, error)
	StartSpecTask(ctx context.Context, branchName string, st stage.Stage, prompt string) (tasks.StartResult, error)
	TaskStatus(branchName string) (tasks.Task, bool)
	WaitTask(ctx context.Context, branchName string) (tasks.Task, error)
	ClearTask(branchName string) bool
	Reconcile(ctx context.Context, branchName string) (*pipeline.ReconcileResult, error)
	ReconcileAll(ctx context.Context) ([]pipeline.ReconcileResult, error)
	SubmitImplementation(ctx context.Context, branchName, prompt string) (*queue.Job, error)
	SyncJobs(ctx context.Context) (int, error)
	Jobs() pipeline.JobStore
	Tracker() *tasks.Tracker
	Config() pipeline.Config
}

// Rebaser moves branches onto new base commits. *rebase.Engine implements it.
type Rebaser interface {
	RebaseOnto(ctx context.Context, branchName, baseCommit string) (*rebase.Outcome, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Server provides the HTTP API.
type Server struct {
	echo      *echo.Echo
	pipeline  Pipeline
	rebaser   Rebaser
	telemetry *telemetry.Telemetry
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	config    *Config
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithRebaser enables POST /api/v1/rebase.
func WithRebaser(r Rebaser) Option {
	return func(s *Server) { s.rebaser = r }
}

// WithTelemetry reports telemetry health on /health.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) { s.telemetry = t }
}

// WithGatherer replaces the Prometheus registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates the API server.
func NewServer(p Pipeline, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	s := &Server{
		echo:     e,
		pipeline: p,
		gatherer: prometheus.DefaultGatherer,
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestContext())
	e.Use(tracing())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(accessLog(logger))

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")

	v1.GET("/branches", s.handleListBranches)
	v1.POST("/branches", s.handleCreateBranch)
	v1.GET("/branches/status", s.handleStatus)
	v1.GET("/branches/history", s.handleHistory)

	v1.POST("/commit", s.handleCommit)
	v1.POST("/rebase", s.handleRebase)
	v1.POST("/push", s.handlePush)
	v1.POST("/pr", s.handlePR)

	v1.POST("/tasks", s.handleStartTask)
	v1.GET("/tasks", s.handleTaskStatus)
	v1.DELETE("/tasks", s.handleClearTask)
	v1.POST("/tasks/reconcile", s.handleReconcile)

	v1.POST("/jobs", s.handleSubmitJob)
	v1.GET("/jobs", s.handleListJobs)
	v1.POST("/jobs/sync", s.handleSyncJobs)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.PATCH("/jobs/:id", s.handleUpdateJob)
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.config.Version,
		Repo:    s.pipeline.Config().RepoDir,
	}
	if s.telemetry != nil {
		h := s.telemetry.Health()
		resp.Telemetry = &h
	}
	return c.JSON(http.StatusOK, resp)
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
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

// requestContext copies the request id and branch query parameter into the
// request context so engine logs carry them.
func requestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			if id := c.Response().Header().Get(echo.HeaderXRequestID); logging.ValidRequestID(id) {
				ctx = logging.WithRequestID(ctx, id)
			}
			if b := c.QueryParam("branch"); b != "" {
				ctx = logging.WithBranch(ctx, b)
			}
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

func accessLog(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}
