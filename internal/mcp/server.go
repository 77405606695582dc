package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
)

// Pipeline is the engine surface the tools use. *pipeline.Engine implements it.
type Pipeline interface {
	Create(ctx context.Context, req pipeline.CreateRequest) (*pipeline.Status, error)
	List(ctx context.Context) ([]*pipeline.Status, error)
	Status(ctx context.Context, branchName string) (*pipeline.Status, error)
	History(ctx context.Context, branchName string) ([]stage.Commit, error)
	Commit(ctx context.Context, branchName string, st stage.Stage, opts pipeline.Options) (*stage.Commit, error)
	StartSpecTask(ctx context.Context, branchName string, st stage.Stage, prompt string) (tasks.StartResult, error)
	TaskStatus(branchName string) (tasks.Task, bool)
	WaitTask(ctx context.Context, branchName string) (tasks.Task, error)
	Reconcile(ctx context.Context, branchName string) (*pipeline.ReconcileResult, error)
	SubmitImplementation(ctx context.Context, branchName, prompt string) (*queue.Job, error)
}

// Server is an MCP server backed by a pipeline engine.
type Server struct {
	mcp      *mcp.Server
	pipeline Pipeline
	registry *ToolRegistry
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "protoflow").
	Name string

	// Version is the server version (default: "dev").
	Version string

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "protoflow",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server and registers the pipeline tools.
func NewServer(cfg *Config, p Pipeline) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		pipeline: p,
		registry: NewToolRegistry(),
		metrics:  NewMetrics(logger),
		logger:   logger,
	}
	s.registerTools()
	return s, nil
}

// Registry returns the metadata of every registered tool.
func (s *Server) Registry() *ToolRegistry {
	return s.registry
}

// Run serves MCP on stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.Int("tools", s.registry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
