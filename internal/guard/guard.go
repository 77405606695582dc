// Package guard runs operations with a specific branch checked out while
// preserving the caller's branch and uncommitted work.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/gitexec"
)

// StashPrefix labels stashes created by the guard.
const StashPrefix = "protoflow-guard-"

// ErrDetachedHead indicates the original checkout cannot be restored by name.
var ErrDetachedHead = errors.New("HEAD is detached")

// Guard wraps operations that must run on a given branch.
type Guard struct {
	git    *gitexec.Runner
	logger *zap.Logger
}

// New creates a Guard over the runner's working tree.
func New(git *gitexec.Runner, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{git: git, logger: logger}
}

// WithBranch checks out target, runs fn and restores the original branch and
// any stashed changes. Restoration failures are logged, never returned, so
// fn's own result always reaches the caller.
func (g *Guard) WithBranch(ctx context.Context, target string, fn func(ctx context.Context) error) (err error) {
	original, err := g.git.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("reading current branch: %w", err)
	}
	if original == "HEAD" {
		return ErrDetachedHead
	}

	if original == target {
		// No checkout happens, so uncommitted work stays in place.
		return fn(ctx)
	}

	label, stashed, err := g.stash(ctx)
	if err != nil {
		return err
	}

	// Cleanup runs on a context that survives caller cancellation.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if _, restoreErr := g.git.Run(cleanupCtx, "checkout", original); restoreErr != nil {
			g.logger.Warn("failed to restore original branch",
				zap.String("branch", original),
				zap.String("target", target),
				zap.Error(restoreErr))
		}
		if stashed {
			g.unstash(cleanupCtx, label)
		}
	}()

	if _, err := g.git.Run(ctx, "checkout", target); err != nil {
		return fmt.Errorf("checking out %s: %w", target, err)
	}

	return fn(ctx)
}

// stash saves uncommitted work under a unique label.
func (g *Guard) stash(ctx context.Context) (string, bool, error) {
	dirty, err := g.git.IsDirty(ctx)
	if err != nil {
		return "", false, fmt.Errorf("checking working tree: %w", err)
	}
	if !dirty {
		return "", false, nil
	}

	label := StashPrefix + uuid.NewString()
	if _, err := g.git.Run(ctx, "stash", "push", "--include-untracked", "-m", label); err != nil {
		return "", false, fmt.Errorf("stashing changes: %w", err)
	}
	g.logger.Debug("stashed uncommitted changes", zap.String("label", label))
	return label, true, nil
}

// unstash pops the stash carrying label, if it is still present.
func (g *Guard) unstash(ctx context.Context, label string) {
	ref, err := g.findStash(ctx, label)
	if err != nil {
		g.logger.Warn("failed to list stashes", zap.String("label", label), zap.Error(err))
		return
	}
	if ref == "" {
		g.logger.Warn("stash not found for restore", zap.String("label", label))
		return
	}
	if _, err := g.git.Run(ctx, "stash", "pop", ref); err != nil {
		g.logger.Warn("failed to restore stashed changes (may have conflicts)",
			zap.String("label", label),
			zap.String("ref", ref),
			zap.Error(err))
		return
	}
	g.logger.Debug("restored stashed changes", zap.String("label", label))
}

func (g *Guard) findStash(ctx context.Context, label string) (string, error) {
	out, err := g.git.Run(ctx, "stash", "list", "--format=%gd%x1f%gs")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		ref, subject, ok := strings.Cut(line, "\x1f")
		if !ok {
			continue
		}
		if strings.HasSuffix(subject, label) {
			return ref, nil
		}
	}
	return "", nil
}
