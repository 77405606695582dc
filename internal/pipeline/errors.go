package pipeline

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
)

var (
	// ErrSideEffect matches any *SideEffectError.
	ErrSideEffect = errors.New("stage side effect failed")

	// ErrMetadataMissing indicates the branch has no pipeline metadata file.
	ErrMetadataMissing = errors.New("pipeline metadata missing")

	// ErrBranchExists indicates Create was asked for a branch that already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrNoTask indicates no spec task is tracked for the branch.
	ErrNoTask = errors.New("no spec task for branch")

	// ErrTaskRunning indicates reconciliation was asked for a task still running.
	ErrTaskRunning = errors.New("spec task still running")

	// ErrTaskStuck indicates WaitTask gave up on a task that is still running.
	ErrTaskStuck = tasks.ErrTaskStuck

	// ErrNotConfigured indicates an optional collaborator is not wired.
	ErrNotConfigured = errors.New("collaborator not configured")

	// ErrAsyncStage indicates a stage that does not produce a generated artifact.
	ErrAsyncStage = errors.New("stage has no generated artifact")
)

// SideEffectError reports a stage side effect that could not be applied.
// Nothing was committed; the call can be retried once the cause is fixed.
type SideEffectError struct {
	Stage  stage.Stage
	Path   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *SideEffectError) Error() string {
	msg := fmt.Sprintf("%s side effect", e.Stage)
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SideEffectError) Unwrap() error {
	return e.Err
}

// Is matches ErrSideEffect.
func (e *SideEffectError) Is(target error) bool {
	return target == ErrSideEffect
}
