package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/branch"
	"github.com/fyrsmithlabs/protoflow/internal/generator"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
)

// artifacts maps the stages a generator can produce to their document.
var artifacts = map[stage.Stage]string{
	stage.Spec:        SpecFile,
	stage.ReverseSpec: DerivedFile,
	stage.Compare:     ComparisonFile,
}

// Reconciliation outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeDiscarded = "discarded"
	OutcomeFailed    = "failed"
)

// ReconcileResult reports what happened to a finished spec task.
type ReconcileResult struct {
	Branch  string        `json:"branch"`
	Stage   stage.Stage   `json:"stage"`
	Outcome string        `json:"outcome"`
	Commit  *stage.Commit `json:"commit,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// StartSpecTask runs the generator for st in the background. The generator
// works in a scratch directory and never touches the working tree; the
// artifact is committed later by Reconcile.
func (e *Engine) StartSpecTask(ctx context.Context, branchName string, st stage.Stage, prompt string) (tasks.StartResult, error) {
	artifact, ok := artifacts[st]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAsyncStage, st)
	}
	if e.generator == nil {
		return "", fmt.Errorf("%w: generator", ErrNotConfigured)
	}

	status, err := e.Status(ctx, branchName)
	if err != nil {
		return "", err
	}
	if err := stage.Validate(stage.State{Mode: status.Mode, Completed: status.Completed, Next: status.Next}, st); err != nil {
		return "", err
	}

	if e.scrubber != nil {
		if prompt, err = e.scrubber.Scrub(prompt); err != nil {
			return "", fmt.Errorf("redacting prompt: %w", err)
		}
	}

	dir := filepath.Join(e.cfg.ScratchDir, strings.ReplaceAll(branchName, "/", "_")+"-"+uuid.NewString())
	req := generator.Request{Prompt: prompt, Dir: dir, Artifact: artifact}
	gen := e.generator

	// The directory is registered before the task can finish, so a reconcile
	// racing a fast generator always finds it to remove.
	e.scratchMu.Lock()
	result := e.tracker.Start(branchName, st, func(ctx context.Context) (*generator.Result, error) {
		return gen.Generate(ctx, req)
	})
	var previous string
	if result == tasks.Started {
		previous = e.scratch[branchName]
		e.scratch[branchName] = dir
	}
	e.scratchMu.Unlock()
	if previous != "" {
		_ = os.RemoveAll(previous)
	}

	e.logger.Info("spec task requested",
		zap.String("branch", branchName),
		zap.String("stage", string(st)),
		zap.String("result", string(result)))
	return result, nil
}

// TaskStatus returns branchName's spec task, if any.
func (e *Engine) TaskStatus(branchName string) (tasks.Task, bool) {
	return e.tracker.Status(branchName)
}

// WaitTask blocks until branchName's spec task stops running and returns its
// final snapshot. When the poll limit runs out it returns the last snapshot
// with ErrTaskStuck; the task keeps running and can be waited on again.
func (e *Engine) WaitTask(ctx context.Context, branchName string) (tasks.Task, error) {
	if _, err := branch.Decode(branchName); err != nil {
		return tasks.Task{}, err
	}
	poller := tasks.NewPoller(e.tracker, e.cfg.TaskPollInterval, e.cfg.TaskMaxPolls)
	task, err := poller.Wait(ctx, branchName)
	switch {
	case errors.Is(err, tasks.ErrNoTask):
		return task, fmt.Errorf("%w: %s", ErrNoTask, branchName)
	case errors.Is(err, ErrTaskStuck):
		e.logger.Warn("spec task still running after wait",
			zap.String("branch", branchName),
			zap.String("stage", string(task.Stage)),
			zap.Time("started_at", task.StartedAt))
		return task, fmt.Errorf("%s: %w", branchName, err)
	}
	return task, err
}

// ClearTask forgets branchName's spec task and removes its scratch directory.
func (e *Engine) ClearTask(branchName string) bool {
	cleared := e.tracker.Clear(branchName)
	e.removeScratch(branchName)
	return cleared
}

// Reconcile commits the artifact of branchName's finished spec task. A
// failed task, or one whose stage is no longer next, is reported and
// cleared. Any other commit error leaves the task for a later retry.
func (e *Engine) Reconcile(ctx context.Context, branchName string) (*ReconcileResult, error) {
	if _, err := branch.Decode(branchName); err != nil {
		return nil, err
	}
	task, ok := e.tracker.Status(branchName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTask, branchName)
	}
	if task.Status == tasks.StatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, branchName)
	}

	res := &ReconcileResult{Branch: branchName, Stage: task.Stage}
	if task.Status == tasks.StatusFailed {
		res.Outcome = OutcomeFailed
		res.Error = task.Error
		e.finishTask(task)
		e.logger.Warn("spec task failed", zap.String("branch", branchName), zap.String("error", task.Error))
		return res, nil
	}

	content, err := readArtifact(task)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		e.finishTask(task)
		return res, nil
	}

	commit, err := e.Commit(ctx, branchName, task.Stage, Options{
		Content:     content,
		Description: "generated " + string(task.Stage),
	})
	switch {
	case errors.Is(err, stage.ErrStageOrderViolation):
		res.Outcome = OutcomeDiscarded
		res.Error = err.Error()
		e.finishTask(task)
		e.logger.Info("discarded stale spec task result",
			zap.String("branch", branchName),
			zap.String("stage", string(task.Stage)),
			zap.Error(err))
		return res, nil
	case err != nil:
		return nil, err
	}

	res.Outcome = OutcomeCommitted
	res.Commit = commit
	e.finishTask(task)
	return res, nil
}

// ReconcileAll reconciles every finished task. Per-branch errors are joined.
func (e *Engine) ReconcileAll(ctx context.Context) ([]ReconcileResult, error) {
	var (
		results []ReconcileResult
		errs    []error
	)
	for _, task := range e.tracker.List() {
		if task.Status == tasks.StatusRunning {
			continue
		}
		res, err := e.Reconcile(ctx, task.Branch)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", task.Branch, err))
			continue
		}
		results = append(results, *res)
	}
	return results, errors.Join(errs...)
}

func (e *Engine) finishTask(task tasks.Task) {
	if e.tracker.Forget(task) {
		e.removeScratch(task.Branch)
	}
}

func (e *Engine) removeScratch(branchName string) {
	e.scratchMu.Lock()
	dir := e.scratch[branchName]
	delete(e.scratch, branchName)
	e.scratchMu.Unlock()
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("failed to remove scratch directory", zap.String("dir", dir), zap.Error(err))
	}
}

func readArtifact(task tasks.Task) (string, error) {
	if task.Result == nil || task.Result.ArtifactPath == "" {
		return "", fmt.Errorf("%w: task reported no artifact", generator.ErrArtifactMissing)
	}
	data, err := os.ReadFile(task.Result.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("reading artifact: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: artifact is empty", generator.ErrArtifactMissing)
	}
	return string(data), nil
}
