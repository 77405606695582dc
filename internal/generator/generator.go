// Package generator drives the external specification writer.
//
// The engine hands the generator a prompt and a working directory; the
// generator is expected to leave a named artifact in that directory. A run
// only counts as successful when the artifact actually exists afterwards.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrArtifactMissing indicates the generator reported success without writing its artifact.
	ErrArtifactMissing = errors.New("generator artifact missing")

	// ErrNotConfigured indicates no generator command is configured.
	ErrNotConfigured = errors.New("generator command not configured")
)

// Request describes one generation call.
type Request struct {
	Prompt   string
	Dir      string
	Artifact string
}

// Result is the structured outcome of a generation call.
type Result struct {
	Success      bool          `json:"success"`
	CostUSD      float64       `json:"cost_usd"`
	Turns        int           `json:"turns"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
}

// Generator produces an artifact from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Config configures a CommandGenerator.
type Config struct {
	// Command is the executable to run.
	Command string

	// Args are passed before the prompt is written to stdin.
	Args []string

	// Timeout bounds a single run. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// CommandGenerator runs an external command with the prompt on stdin and
// reads a JSON summary from stdout.
type CommandGenerator struct {
	cfg    Config
	logger *zap.Logger
}

// NewCommandGenerator creates a CommandGenerator.
func NewCommandGenerator(cfg Config, logger *zap.Logger) (*CommandGenerator, error) {
	if cfg.Command == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandGenerator{cfg: cfg, logger: logger}, nil
}

// summary is the JSON document the command prints on completion.
type summary struct {
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	DurationMS   int64   `json:"duration_ms"`
	Result       string  `json:"result"`
}

// Generate runs the command in req.Dir and verifies the artifact.
func (g *CommandGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Dir == "" || req.Artifact == "" {
		return nil, fmt.Errorf("generator request needs dir and artifact")
	}
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, g.cfg.Command, g.cfg.Args...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{Duration: elapsed}
	var sum summary
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &sum); err == nil {
		result.CostUSD = sum.TotalCostUSD
		result.Turns = sum.NumTurns
		if sum.DurationMS > 0 {
			result.Duration = time.Duration(sum.DurationMS) * time.Millisecond
		}
		if sum.IsError {
			result.Error = sum.Result
		}
	}

	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		result.Error = msg
		g.logger.Warn("generator command failed",
			zap.String("dir", req.Dir),
			zap.Duration("duration", elapsed),
			zap.Error(runErr))
		return result, nil
	}

	return Verify(result, req), nil
}

// Verify downgrades result to a failure when the artifact is missing.
func Verify(result *Result, req Request) *Result {
	path := filepath.Join(req.Dir, req.Artifact)
	info, err := os.Stat(path)
	switch {
	case err != nil || info.IsDir():
		result.Success = false
		if result.Error == "" {
			result.Error = fmt.Sprintf("%v: %s", ErrArtifactMissing, req.Artifact)
		}
	case result.Error != "":
		result.Success = false
	default:
		result.Success = true
		result.ArtifactPath = path
	}
	return result
}
