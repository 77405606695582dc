package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/branch"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
)

// CommitInfo is a commit with its parsed stage tag.
type CommitInfo struct {
	stage.Commit
	Stage stage.Stage `json:"stage,omitempty"`
}

// Status is the derived workflow position of a branch.
type Status struct {
	Branch          string        `json:"branch"`
	Category        string        `json:"category"`
	Ordinal         int           `json:"ordinal,omitempty"`
	Slug            string        `json:"slug"`
	ModulePath      string        `json:"module_path"`
	Mode            stage.Mode    `json:"mode"`
	Completed       []stage.Stage `json:"completed"`
	Next            stage.Stage   `json:"next"`
	Anomaly         bool          `json:"anomaly,omitempty"`
	Commits         []CommitInfo  `json:"commits"`
	Metadata        *Metadata     `json:"metadata,omitempty"`
	MetadataMissing bool          `json:"metadata_missing,omitempty"`
	Lineage         *Lineage      `json:"lineage,omitempty"`
	Task            *tasks.Task   `json:"task,omitempty"`
}

// Status derives the state of branchName from its history.
func (e *Engine) Status(ctx context.Context, branchName string) (*Status, error) {
	name, err := branch.Decode(branchName)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.status")
	defer span.End()
	span.SetAttributes(attribute.String("branch", branchName))

	e.mu.RLock()
	defer e.mu.RUnlock()

	st, err := e.status(ctx, branchName, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return st, nil
}

func (e *Engine) status(ctx context.Context, branchName string, name branch.Name) (*Status, error) {
	if err := e.ensureBranch(ctx, branchName); err != nil {
		return nil, err
	}

	out := &Status{
		Branch:     branchName,
		Category:   string(name.Category),
		Ordinal:    name.Ordinal,
		Slug:       name.Slug,
		ModulePath: e.ModuleRel(name.Slug),
	}

	mode := e.cfg.DefaultMode
	meta, err := e.readMetadata(branchName, name.Slug)
	switch {
	case errors.Is(err, ErrMetadataMissing):
		out.MetadataMissing = true
	case err != nil:
		return nil, err
	default:
		out.Metadata = meta
		mode = meta.Mode
	}

	commits, err := e.history(ctx, branchName)
	if err != nil {
		return nil, err
	}
	state, err := stage.Derive(commits, mode)
	if err != nil {
		return nil, err
	}
	out.Mode = state.Mode
	out.Completed = state.Completed
	out.Next = state.Next
	out.Anomaly = state.Anomaly

	out.Commits = make([]CommitInfo, 0, len(commits))
	for _, c := range commits {
		st, _ := c.Tag().Recognized()
		out.Commits = append(out.Commits, CommitInfo{Commit: c, Stage: st})
	}

	lin, err := e.readLineage(branchName, name.Slug)
	if err != nil {
		return nil, err
	}
	out.Lineage = lin

	if task, ok := e.tracker.Status(branchName); ok {
		out.Task = &task
	}
	return out, nil
}

// NextStage returns the stage branchName may commit next, or stage.None.
func (e *Engine) NextStage(ctx context.Context, branchName string) (stage.Stage, error) {
	st, err := e.Status(ctx, branchName)
	if err != nil {
		return stage.None, err
	}
	return st.Next, nil
}

// Commit records st on branchName: it validates st against the derived
// state, applies the stage's side effect on the branch and commits
// "[st] description". Nothing is committed when validation or the side
// effect fails.
func (e *Engine) Commit(ctx context.Context, branchName string, st stage.Stage, opts Options) (*stage.Commit, error) {
	name, err := branch.Decode(branchName)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("branch", branchName),
		attribute.String("stage", string(st)),
	)

	start := e.now()
	e.mu.Lock()
	commit, err := e.commitLocked(ctx, branchName, name, st, opts)
	e.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordRejected(ctx, string(st), rejectReason(err))
		e.logger.Info("stage commit rejected",
			zap.String("branch", branchName),
			zap.String("stage", string(st)),
			zap.Error(err))
		return nil, err
	}

	e.metrics.RecordCommit(ctx, string(st), e.now().Sub(start).Seconds())
	span.SetAttributes(attribute.String("commit", commit.Hash))
	e.logger.Info("stage committed",
		zap.String("branch", branchName),
		zap.String("stage", string(st)),
		zap.String("commit", commit.Hash))
	return commit, nil
}

// commitLocked runs with the write lock held.
func (e *Engine) commitLocked(ctx context.Context, branchName string, name branch.Name, st stage.Stage, opts Options) (*stage.Commit, error) {
	if err := e.ensureBranch(ctx, branchName); err != nil {
		return nil, err
	}

	mode, err := e.resolveMode(branchName, name.Slug, st, opts)
	if err != nil {
		return nil, err
	}

	commits, err := e.history(ctx, branchName)
	if err != nil {
		return nil, err
	}
	state, err := stage.Derive(commits, mode)
	if err != nil {
		return nil, err
	}
	if err := stage.Validate(state, st); err != nil {
		return nil, err
	}

	env := effectEnv{
		Stage:      st,
		Slug:       name.Slug,
		ModuleRel:  e.ModuleRel(name.Slug),
		ModuleDir:  e.moduleDir(name.Slug),
		Mode:       mode,
		Options:    opts,
		Commits:    commits,
		Entrypoint: e.cfg.Entrypoint,
		Now:        e.now(),
	}

	current, err := e.git.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	inPlace := current == branchName

	var result *stage.Commit
	err = e.guard.WithBranch(ctx, branchName, func(ctx context.Context) error {
		if err := applySideEffect(env); err != nil {
			e.rollback(ctx, env, inPlace, false)
			return err
		}
		if err := e.stagePaths(ctx, env); err != nil {
			e.rollback(ctx, env, inPlace, true)
			return err
		}
		msg := stage.FormatMessage(st, describe(st, opts))
		if err := e.recordCommit(ctx, env, msg); err != nil {
			e.rollback(ctx, env, inPlace, true)
			return fmt.Errorf("committing %s: %w", st, err)
		}
		c, err := e.headCommit(ctx)
		if err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolveMode returns the workflow mode for a commit. Only init may run
// before metadata exists; its mode comes from the options.
func (e *Engine) resolveMode(branchName, slug string, st stage.Stage, opts Options) (stage.Mode, error) {
	meta, err := e.readMetadata(branchName, slug)
	if err == nil {
		return meta.Mode, nil
	}
	if !errors.Is(err, ErrMetadataMissing) || st != stage.Init {
		return "", err
	}

	mode := opts.Mode
	if mode == "" {
		mode = e.cfg.DefaultMode
	}
	if _, err := stage.SequenceFor(mode); err != nil {
		return "", err
	}
	return mode, nil
}

// stagePaths stages the side effect's output: the module directory, or the
// whole tree for free-form stages.
func (e *Engine) stagePaths(ctx context.Context, env effectEnv) error {
	if wholeTreeStages[env.Stage] {
		if _, err := e.git.Run(ctx, "add", "-A"); err != nil {
			return fmt.Errorf("staging working tree: %w", err)
		}
		return nil
	}

	info, err := os.Stat(env.ModuleDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &SideEffectError{Stage: env.Stage, Path: env.ModuleDir, Reason: "module path is not a directory"}
	}
	if _, err := e.git.Run(ctx, "add", "-A", "--", env.ModuleRel); err != nil {
		return fmt.Errorf("staging %s: %w", env.ModuleRel, err)
	}
	return nil
}

// recordCommit commits the staged side effect. Module-scoped stages commit
// only the module path, so whatever else the caller has staged on the branch
// stays in the index and out of the stage commit.
func (e *Engine) recordCommit(ctx context.Context, env effectEnv, msg string) error {
	if wholeTreeStages[env.Stage] {
		_, err := e.git.Run(ctx, "commit", "--allow-empty", "-m", msg)
		return err
	}

	known, err := e.moduleKnown(ctx, env.ModuleRel)
	if err != nil {
		return err
	}
	if known {
		_, err := e.git.Run(ctx, "commit", "--allow-empty", "--only", "-m", msg, "--", env.ModuleRel)
		return err
	}

	// git rejects a pathspec it has never seen, so an empty stage commit is
	// built from HEAD's tree directly.
	tree, err := e.git.Run(ctx, "rev-parse", "HEAD^{tree}")
	if err != nil {
		return err
	}
	hash, err := e.git.Run(ctx, "commit-tree", tree, "-p", "HEAD", "-m", msg)
	if err != nil {
		return err
	}
	_, err = e.git.Run(ctx, "update-ref", "-m", "commit: "+msg, "HEAD", hash)
	return err
}

// moduleKnown reports whether git tracks anything under rel, in the index or
// at HEAD.
func (e *Engine) moduleKnown(ctx context.Context, rel string) (bool, error) {
	indexed, err := e.git.Run(ctx, "ls-files", "--", rel)
	if err != nil {
		return false, err
	}
	if indexed != "" {
		return true, nil
	}
	committed, err := e.git.Run(ctx, "ls-tree", "-r", "--name-only", "HEAD", "--", rel)
	if err != nil {
		return false, err
	}
	return committed != "", nil
}

// rollback undoes a side effect whose commit did not happen, so nothing
// follows the guard back to the caller's branch. In place there is no stash
// separating the caller's work from the side effect, so only the index is
// reset and the written files stay for a retry.
func (e *Engine) rollback(ctx context.Context, env effectEnv, inPlace, staged bool) {
	whole := wholeTreeStages[env.Stage]
	var steps [][]string
	if staged {
		if whole {
			steps = append(steps, []string{"reset", "-q"})
		} else {
			steps = append(steps, []string{"reset", "-q", "--", env.ModuleRel})
		}
	}
	if !inPlace && !whole {
		steps = append(steps,
			[]string{"checkout", "-q", "HEAD", "--", env.ModuleRel},
			[]string{"clean", "-fdq", "--", env.ModuleRel},
		)
	}
	for _, args := range steps {
		if _, err := e.git.Run(ctx, args...); err != nil {
			// checkout fails when the module directory is not tracked yet.
			e.logger.Debug("rollback step failed",
				zap.String("stage", string(env.Stage)),
				zap.Strings("args", args),
				zap.Error(err))
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, stage.ErrStageOrderViolation):
		return "order_violation"
	case errors.Is(err, ErrSideEffect):
		return "side_effect"
	case errors.Is(err, branch.ErrBranchNotFound):
		return "branch_not_found"
	case errors.Is(err, ErrMetadataMissing):
		return "metadata_missing"
	default:
		return "git"
	}
}
