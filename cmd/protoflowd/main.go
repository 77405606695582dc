// Protoflowd serves the prototype pipeline of one git repository.
//
// It loads ~/.config/protoflow/config.yaml (override with --config) and
// PROTOFLOW_* environment variables, then starts the HTTP API together with
// the spec task reconciler, the job sync loop and the HEAD watcher.
//
// Usage:
//
//	# Serve the repository in the current directory
//	protoflowd
//
//	# Serve another repository on a different port
//	PROTOFLOW_REPO_DIR=/src/app PROTOFLOW_SERVER_PORT=9292 protoflowd
//
//	# Run the MCP server on stdio
//	protoflowd mcp
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/config"
	"github.com/fyrsmithlabs/protoflow/internal/logging"
	"github.com/fyrsmithlabs/protoflow/internal/mcp"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "protoflowd",
	Short: "Prototype pipeline daemon",
	Long: `protoflowd drives prototype branches of a git repository through their
workflow stages. Git is the only state store: every stage is a tagged commit.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	Long: `Run the pipeline tools as an MCP server on stdin/stdout.

Logs go to stderr regardless of logging.stream, since stdout carries the
protocol.`,
	RunE: runMCP,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "protoflowd by Fyrsmith Labs\n")
		fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", gitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/protoflow/config.yaml)")
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.serve(ctx)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Logging.Stream = logging.StreamStderr
	cfg.Watch.Enabled = false
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "protoflow",
		Version: version,
		Logger:  a.logger.Named("mcp"),
	}, a.engine)
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	go a.runReconciler(ctx, nil)

	fmt.Fprintf(os.Stderr, "protoflowd mcp serving %s\n", a.engine.Config().RepoDir)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("MCP server stopped")
	return nil
}

// logStartup records the effective configuration. Secrets print redacted.
func logStartup(logger *zap.Logger, cfg *config.Config) {
	logger.Info("starting protoflowd",
		zap.String("version", version),
		zap.String("repo", cfg.Repo.Dir),
		zap.String("base_branch", cfg.Repo.BaseBranch),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("generator", cfg.Generator.Command != ""),
		zap.Bool("submit", cfg.Submit.BaseURL != ""),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
		zap.Stringer("submit_token", cfg.Submit.Token))
}
