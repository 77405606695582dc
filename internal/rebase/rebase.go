// Package rebase moves prototype branches onto a newer point of the base
// branch. A rebase either completes or leaves the branch exactly where it was.
package rebase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/branch"
	"github.com/fyrsmithlabs/protoflow/internal/gitexec"
	"github.com/fyrsmithlabs/protoflow/internal/guard"
	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
)

var (
	// ErrNotOnBase indicates the target commit is not reachable from the base branch tip.
	ErrNotOnBase = errors.New("commit is not on the base branch")

	// ErrRebaseConflict matches any *ConflictError.
	ErrRebaseConflict = errors.New("rebase conflict")
)

// ConflictError reports a rebase that stopped and was aborted.
type ConflictError struct {
	Branch string
	Onto   string
	Output string

	// TipMoved is set when the abort did not restore the original tip.
	TipMoved bool
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("rebasing %s onto %s: conflict", e.Branch, e.Onto)
	if e.TipMoved {
		msg += " (branch tip changed after abort)"
	}
	return msg
}

// Is matches ErrRebaseConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrRebaseConflict
}

// Outcome describes a completed rebase.
type Outcome struct {
	Branch string `json:"branch"`
	OldTip string `json:"old_tip"`
	NewTip string `json:"new_tip"`
	Onto   string `json:"onto"`
}

// Engine rebases branches of one repository. It shares the pipeline
// engine's lock so rebases never interleave with stage commits.
type Engine struct {
	git     *gitexec.Runner
	guard   *guard.Guard
	lock    *sync.RWMutex
	repoDir string
	base    string
	logger  *zap.Logger
}

// New creates an Engine that operates alongside p.
func New(p *pipeline.Engine, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := p.Config()
	return &Engine{
		git:     p.Git(),
		guard:   p.Guard(),
		lock:    p.Lock(),
		repoDir: cfg.RepoDir,
		base:    cfg.BaseBranch,
		logger:  logger,
	}
}

// RebaseOnto replays branchName's commits on top of baseCommit, which must
// be the base branch tip or one of its ancestors.
func (e *Engine) RebaseOnto(ctx context.Context, branchName, baseCommit string) (*Outcome, error) {
	if _, err := branch.Decode(branchName); err != nil {
		return nil, err
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	ok, err := e.git.BranchExists(ctx, branchName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", branch.ErrBranchNotFound, branchName)
	}

	onto, err := e.resolveOnBase(baseCommit)
	if err != nil {
		return nil, err
	}

	oldTip, err := e.git.RevParse(ctx, branchName)
	if err != nil {
		return nil, err
	}

	err = e.guard.WithBranch(ctx, branchName, func(ctx context.Context) error {
		_, runErr := e.git.Run(ctx, "rebase", onto)
		if runErr == nil {
			return nil
		}
		return e.abort(ctx, branchName, onto, oldTip, runErr)
	})
	if err != nil {
		return nil, err
	}

	newTip, err := e.git.RevParse(ctx, branchName)
	if err != nil {
		return nil, err
	}

	e.logger.Info("branch rebased",
		zap.String("branch", branchName),
		zap.String("onto", onto),
		zap.String("old_tip", oldTip),
		zap.String("new_tip", newTip))
	return &Outcome{Branch: branchName, OldTip: oldTip, NewTip: newTip, Onto: onto}, nil
}

// abort undoes a stopped rebase and confirms the branch tip is back at oldTip.
func (e *Engine) abort(ctx context.Context, branchName, onto, oldTip string, cause error) error {
	ctx = context.WithoutCancel(ctx)

	var cmdErr *gitexec.CommandError
	if !errors.As(cause, &cmdErr) {
		return cause
	}

	if _, err := e.git.Run(ctx, "rebase", "--abort"); err != nil {
		e.logger.Warn("rebase abort failed", zap.String("branch", branchName), zap.Error(err))
	}

	conflict := &ConflictError{Branch: branchName, Onto: onto, Output: cmdErr.Output}
	tip, err := e.git.RevParse(ctx, branchName)
	if err != nil || tip != oldTip {
		conflict.TipMoved = true
		e.logger.Error("branch tip changed after rebase abort",
			zap.String("branch", branchName),
			zap.String("expected", oldTip),
			zap.String("actual", tip))
	}
	return conflict
}

// resolveOnBase resolves rev and checks it is reachable from the base tip.
func (e *Engine) resolveOnBase(rev string) (string, error) {
	repo, err := git.PlainOpen(e.repoDir)
	if err != nil {
		return "", fmt.Errorf("opening repository: %w", err)
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve %q", ErrNotOnBase, rev)
	}
	target, err := repo.CommitObject(*hash)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a commit", ErrNotOnBase, rev)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(e.base), true)
	if err != nil {
		return "", fmt.Errorf("resolving base branch %s: %w", e.base, err)
	}
	if ref.Hash() == target.Hash {
		return target.Hash.String(), nil
	}

	tip, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", fmt.Errorf("reading base tip: %w", err)
	}
	ancestor, err := isAncestor(target, tip)
	if err != nil {
		return "", err
	}
	if !ancestor {
		return "", fmt.Errorf("%w: %s is not an ancestor of %s", ErrNotOnBase, target.Hash, e.base)
	}
	return target.Hash.String(), nil
}

func isAncestor(candidate, tip *object.Commit) (bool, error) {
	ok, err := candidate.IsAncestor(tip)
	if err != nil {
		return false, fmt.Errorf("checking ancestry: %w", err)
	}
	return ok, nil
}
