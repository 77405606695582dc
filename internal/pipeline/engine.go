// Package pipeline is the commit orchestrator for prototype branches.
//
// Every workflow fact lives in git. The stage of a branch is recomputed from
// its commit messages on each call; the Engine validates a requested stage
// against that derived state, applies the stage's idempotent side effect on
// the branch and records a tagged commit. Nothing is cached between calls.
//
// All mutations of one repository are serialized by the Engine's write lock,
// which the rebase engine shares. Reads take the read lock and never check
// out a branch.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/generator"
	"github.com/fyrsmithlabs/protoflow/internal/gitexec"
	"github.com/fyrsmithlabs/protoflow/internal/guard"
	"github.com/fyrsmithlabs/protoflow/internal/pr"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/submit"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
)

// Defaults applied by NewEngine.
const (
	DefaultBaseBranch  = "main"
	DefaultRemote      = "origin"
	DefaultModulesRoot = "src/app/prototypes"
	DefaultEntrypoint  = "server/server.py"
)

// Config configures an Engine.
type Config struct {
	// RepoDir is the working tree of the repository.
	RepoDir string

	// BaseBranch is the branch prototypes fork from.
	BaseBranch string

	// Remote is used by Push and OpenPR.
	Remote string

	// ModulesRoot is the repository-relative directory holding one module
	// directory per prototype slug.
	ModulesRoot string

	// DefaultMode applies to init when the caller names no mode.
	DefaultMode stage.Mode

	// Entrypoint is the module-relative file implement requires.
	Entrypoint string

	// ScratchDir holds generator working directories for spec tasks.
	ScratchDir string

	// GitBinary and GitTimeout configure the command runner.
	GitBinary  string
	GitTimeout time.Duration

	// TaskPollInterval and TaskMaxPolls bound WaitTask. Zero values use the
	// poller defaults.
	TaskPollInterval time.Duration
	TaskMaxPolls     int
}

func (c *Config) applyDefaults() {
	if c.BaseBranch == "" {
		c.BaseBranch = DefaultBaseBranch
	}
	if c.Remote == "" {
		c.Remote = DefaultRemote
	}
	if c.ModulesRoot == "" {
		c.ModulesRoot = DefaultModulesRoot
	}
	if c.DefaultMode == "" {
		c.DefaultMode = stage.ModeForward
	}
	if c.Entrypoint == "" {
		c.Entrypoint = DefaultEntrypoint
	}
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(os.TempDir(), "protoflow")
	}
}

// JobStore persists implementation jobs.
type JobStore interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
	UpdateStatus(ctx context.Context, id string, status queue.Status) error
	Get(ctx context.Context, id string) (*queue.Job, error)
	List(ctx context.Context, statuses ...queue.Status) ([]*queue.Job, error)
}

// Submitter hands implementation jobs to the remote executor.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (string, error)
	Status(ctx context.Context, jobID string) (string, error)
}

// PROpener opens pull requests.
type PROpener interface {
	Open(ctx context.Context, req pr.Request) (*pr.Result, error)
}

// Scrubber removes secrets from text leaving the process.
type Scrubber interface {
	Scrub(content string) (string, error)
}

// Deps are the Engine's optional collaborators. Leave a field nil (untyped)
// to disable the operations that need it.
type Deps struct {
	Tracker   *tasks.Tracker
	Generator generator.Generator
	Jobs      JobStore
	Submitter Submitter
	PR        PROpener
	Scrubber  Scrubber
	Metrics   *Metrics
}

// Engine orchestrates stage commits for one repository.
type Engine struct {
	cfg   Config
	git   *gitexec.Runner
	guard *guard.Guard

	// mu serializes mutations of the repository; see Lock.
	mu sync.RWMutex

	tracker   *tasks.Tracker
	generator generator.Generator
	jobs      JobStore
	submitter Submitter
	pr        PROpener
	scrubber  Scrubber

	// scratch maps a branch to its spec task's generator directory.
	scratchMu sync.Mutex
	scratch   map[string]string

	metrics *Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates an Engine for the repository at cfg.RepoDir.
func NewEngine(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if cfg.RepoDir == "" {
		return nil, fmt.Errorf("repository directory required")
	}
	cfg.applyDefaults()
	if _, err := stage.SequenceFor(cfg.DefaultMode); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("resolving repository directory: %w", err)
	}
	cfg.RepoDir = abs
	if _, err := git.PlainOpen(abs); err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", abs, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	runner := gitexec.New(abs, gitexec.Config{Binary: cfg.GitBinary, Timeout: cfg.GitTimeout}, logger.Named("git"))

	tracker := deps.Tracker
	if tracker == nil {
		tracker = tasks.NewTracker(nil, logger.Named("tasks"))
	}

	return &Engine{
		cfg:       cfg,
		git:       runner,
		guard:     guard.New(runner, logger.Named("guard")),
		tracker:   tracker,
		generator: deps.Generator,
		jobs:      deps.Jobs,
		submitter: deps.Submitter,
		pr:        deps.PR,
		scrubber:  deps.Scrubber,
		scratch:   make(map[string]string),
		metrics:   deps.Metrics,
		tracer:    Tracer(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Git returns the engine's command runner.
func (e *Engine) Git() *gitexec.Runner {
	return e.git
}

// Guard returns the engine's branch-switch guard.
func (e *Engine) Guard() *guard.Guard {
	return e.guard
}

// Lock returns the repository lock. Anything that mutates the repository
// outside the Engine must hold its write side.
func (e *Engine) Lock() *sync.RWMutex {
	return &e.mu
}

// Tracker returns the spec task tracker.
func (e *Engine) Tracker() *tasks.Tracker {
	return e.tracker
}

// ModuleRel returns the repository-relative module directory for slug.
func (e *Engine) ModuleRel(slug string) string {
	return path.Join(filepath.ToSlash(e.cfg.ModulesRoot), slug)
}

// moduleDir returns the absolute module directory for slug.
func (e *Engine) moduleDir(slug string) string {
	return filepath.Join(e.cfg.RepoDir, filepath.FromSlash(e.ModuleRel(slug)))
}
