// Package main implements the protoflow CLI for driving a protoflowd server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	server  string
	timeout time.Duration
	json    bool
}

func (o *globalOptions) client() *client {
	return newClient(o.server, o.timeout)
}

// emit prints v as indented JSON when --json is set, otherwise calls render.
func (o *globalOptions) emit(w io.Writer, v any, render func()) error {
	if !o.json {
		render()
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "protoflow",
		Short: "CLI for the protoflow prototype pipeline",
		Long: `protoflow drives prototype branches through their stage sequence by
talking to a running protoflowd server.

Examples:
  # Start a prototype
  protoflow create --category prototype --title "Auth Flow"

  # See where it stands
  protoflow status prototype/auth-flow

  # Commit the spec stage from a file
  protoflow commit prototype/auth-flow spec --content-file spec.md`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "http://127.0.0.1:9191", "protoflowd server URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newHealthCmd(opts),
		newListCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newCreateCmd(opts),
		newCommitCmd(opts),
		newRebaseCmd(opts),
		newPushCmd(opts),
		newPRCmd(opts),
		newTaskCmd(opts),
		newJobsCmd(opts),
	)
	return root
}

func readContent(path string, stdin io.Reader) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return string(data), nil
}
