// Package gitexec runs git commands against a single working tree.
//
// Every invocation is bounded by a timeout. A non-zero exit or a timeout is
// reported as a *CommandError carrying the captured output, so callers can
// surface the diagnostic text unchanged. Expected "not found" conditions are
// exposed through Check, which reports them as false instead of an error.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout indicates the command exceeded its timeout.
	ErrTimeout = errors.New("git command timed out")

	// ErrEmptyCommand indicates Run was called without arguments.
	ErrEmptyCommand = errors.New("git command has no arguments")
)

// Config configures a Runner.
type Config struct {
	// Binary is the git executable (default: "git").
	Binary string

	// Timeout bounds each invocation (default: 30s).
	Timeout time.Duration
}

// CommandError is returned when git exits non-zero or times out.
type CommandError struct {
	Args     []string
	Output   string
	ExitCode int
	TimedOut bool
	Err      error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	cmd := "git " + strings.Join(e.Args, " ")
	if e.TimedOut {
		return fmt.Sprintf("%s: timed out", cmd)
	}
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit %d", cmd, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit %d: %s", cmd, e.ExitCode, out)
}

// Unwrap returns the underlying exec error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Is reports timeouts as ErrTimeout.
func (e *CommandError) Is(target error) bool {
	return target == ErrTimeout && e.TimedOut
}

// Runner executes git in a fixed directory.
type Runner struct {
	dir     string
	binary  string
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Runner rooted at dir.
func New(dir string, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Runner{
		dir:     dir,
		binary:  cfg.Binary,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Dir returns the working tree the runner operates on.
func (r *Runner) Dir() string {
	return r.dir
}

// Run executes git with args and returns trimmed stdout.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	stdout, _, err := r.exec(ctx, args)
	return strings.TrimSpace(stdout), err
}

// RunRaw is Run without trimming, for output whose whitespace matters.
func (r *Runner) RunRaw(ctx context.Context, args ...string) (string, error) {
	stdout, _, err := r.exec(ctx, args)
	return stdout, err
}

// Check runs a predicate-style command. Exit 0 is true, exit 1 is false and
// any other outcome is an error.
func (r *Runner) Check(ctx context.Context, args ...string) (bool, error) {
	_, _, err := r.exec(ctx, args)
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && !cmdErr.TimedOut && cmdErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

func (r *Runner) exec(ctx context.Context, args []string) (string, string, error) {
	if len(args) == 0 {
		return "", "", ErrEmptyCommand
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_EDITOR=true",
		"LC_ALL=C",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("git",
		zap.Strings("args", args),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	if err == nil {
		return stdout.String(), stderr.String(), nil
	}

	cmdErr := &CommandError{
		Args:     append([]string(nil), args...),
		Output:   strings.TrimSpace(stderr.String() + "\n" + stdout.String()),
		ExitCode: -1,
		Err:      err,
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cmdErr.TimedOut = true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), cmdErr
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when detached.
func (r *Runner) CurrentBranch(ctx context.Context) (string, error) {
	return r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (r *Runner) BranchExists(ctx context.Context, name string) (bool, error) {
	return r.Check(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
}

// IsDirty reports whether the working tree has staged, unstaged or untracked changes.
func (r *Runner) IsDirty(ctx context.Context) (bool, error) {
	out, err := r.Run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// RevParse resolves rev to a full commit hash.
func (r *Runner) RevParse(ctx context.Context, rev string) (string, error) {
	return r.Run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
}
