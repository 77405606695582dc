package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/config"
	"github.com/fyrsmithlabs/protoflow/internal/generator"
	protohttp "github.com/fyrsmithlabs/protoflow/internal/http"
	"github.com/fyrsmithlabs/protoflow/internal/logging"
	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/pr"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
	"github.com/fyrsmithlabs/protoflow/internal/rebase"
	"github.com/fyrsmithlabs/protoflow/internal/secrets"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/submit"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
	"github.com/fyrsmithlabs/protoflow/internal/telemetry"
	"github.com/fyrsmithlabs/protoflow/internal/watch"
)

const pipelineInstrumentation = "github.com/fyrsmithlabs/protoflow/internal/pipeline"

// app owns every long-lived component of the daemon.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	logger  *zap.Logger
	tel     *telemetry.Telemetry
	nc      *nats.Conn
	jobs    *queue.Store
	engine  *pipeline.Engine
	rebaser *rebase.Engine
}

// newApp wires the engine and its collaborators from cfg. Optional
// collaborators whose section is empty stay disabled.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	a.tel, err = telemetry.New(ctx, telemetry.FromSection(cfg.Telemetry, version), nil)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromSection(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	var otelProvider log.LoggerProvider
	if logCfg.Output.OTEL {
		otelProvider = a.tel.LoggerProvider()
	}
	a.log, err = logging.NewLogger(logCfg, otelProvider)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	a.logger = a.log.Underlying()
	logStartup(a.logger, cfg)
	if h := a.tel.Health(); h.Degraded {
		a.logger.Warn("telemetry degraded; continuing without export", zap.String("endpoint", cfg.Telemetry.Endpoint))
	}

	deps := pipeline.Deps{}

	if cfg.NATS.URL != "" {
		a.nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("protoflowd"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
		}
		a.logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	}
	deps.Tracker = tasks.NewTracker(a.nc, a.logger.Named("tasks"))

	allowlist, err := secrets.LoadAllowlists(cfg.Repo.Dir, cfg.Secrets.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading secret allowlists: %w", err)
	}
	deps.Scrubber = secrets.NewRedactor(allowlist, a.logger.Named("secrets"))

	if cfg.Generator.Command != "" {
		gen, err := generator.NewCommandGenerator(generator.Config{
			Command: cfg.Generator.Command,
			Args:    cfg.Generator.Args,
			Timeout: cfg.Generator.Timeout.Duration(),
		}, a.logger.Named("generator"))
		if err != nil {
			return nil, fmt.Errorf("configuring generator: %w", err)
		}
		deps.Generator = gen
	}

	queuePath, err := resolveQueuePath(cfg.Queue.Path)
	if err != nil {
		return nil, err
	}
	a.jobs, err = queue.Open(queuePath, a.logger.Named("queue"))
	if err != nil {
		return nil, err
	}
	deps.Jobs = a.jobs

	if cfg.Submit.BaseURL != "" {
		client, err := submit.New(submit.Config{
			BaseURL:    cfg.Submit.BaseURL,
			Token:      cfg.Submit.Token.Value(),
			Timeout:    cfg.Submit.Timeout.Duration(),
			RateLimit:  cfg.Submit.RateLimit,
			Burst:      cfg.Submit.Burst,
			MaxRetries: cfg.Submit.MaxRetries,
		}, a.logger.Named("submit"))
		if err != nil {
			return nil, fmt.Errorf("configuring submission client: %w", err)
		}
		deps.Submitter = client
	}

	deps.PR = pr.New(cfg.Repo.Dir, pr.Config{
		Remote:     cfg.Repo.Remote,
		GHBinary:   cfg.PR.GHBinary,
		Token:      cfg.PR.Token,
		APIBaseURL: cfg.PR.APIBaseURL,
	}, a.logger.Named("pr"))

	deps.Metrics, err = pipeline.NewMetrics(a.tel.Meter(pipelineInstrumentation))
	if err != nil {
		a.logger.Warn("pipeline metrics disabled", zap.Error(err))
		deps.Metrics = nil
	}

	a.engine, err = pipeline.NewEngine(engineConfig(cfg.Repo, cfg.Tasks), deps, a.logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	a.rebaser = rebase.New(a.engine, a.logger.Named("rebase"))
	ready = true
	return a, nil
}

func engineConfig(repo config.RepoConfig, tasks config.TasksConfig) pipeline.Config {
	return pipeline.Config{
		RepoDir:          repo.Dir,
		BaseBranch:       repo.BaseBranch,
		Remote:           repo.Remote,
		ModulesRoot:      repo.ModulesRoot,
		DefaultMode:      stage.Mode(repo.DefaultMode),
		Entrypoint:       repo.Entrypoint,
		ScratchDir:       repo.ScratchDir,
		GitBinary:        repo.GitBinary,
		GitTimeout:       repo.GitTimeout.Duration(),
		TaskPollInterval: tasks.PollInterval.Duration(),
		TaskMaxPolls:     tasks.MaxPolls,
	}
}

// resolveQueuePath places a relative queue path in the user config
// directory, outside the working tree the engine checks out.
func resolveQueuePath(p string) (string, error) {
	if p == ":memory:" || filepath.IsAbs(p) {
		return p, nil
	}
	if err := config.EnsureConfigDir(); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	dir, err := config.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, p), nil
}

// serve runs the HTTP API and background loops until ctx is done, then shuts
// the server down within server.shutdown_timeout.
func (a *app) serve(ctx context.Context) error {
	srv, err := protohttp.NewServer(a.engine, a.logger.Named("http"), &protohttp.Config{
		Host:    a.cfg.Server.Host,
		Port:    a.cfg.Server.Port,
		Version: version,
	}, protohttp.WithRebaser(a.rebaser), protohttp.WithTelemetry(a.tel))
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	var wake chan struct{}
	if a.cfg.Watch.Enabled {
		wake = make(chan struct{}, 1)
		w, err := watch.New(a.engine.Config().RepoDir, a.logger.Named("watch"))
		if err != nil {
			a.logger.Warn("repository watcher disabled", zap.Error(err))
		} else if err := w.Start(ctx); err != nil {
			a.logger.Warn("repository watcher disabled", zap.Error(err))
		} else {
			defer w.Stop()
			go w.Run(ctx, a.onRepoEvent(wake))
		}
	}
	go a.runReconciler(ctx, wake)
	go a.runJobSync(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	a.logger.Info("server shutdown complete")
	return nil
}

// Close releases resources in reverse order of creation. Safe on a
// partially built app.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.jobs != nil {
		if err := a.jobs.Close(); err != nil && a.logger != nil {
			a.logger.Warn("closing job queue", zap.Error(err))
		}
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}
