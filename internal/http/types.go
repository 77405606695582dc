package http

import (
	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/tasks"
	"github.com/fyrsmithlabs/protoflow/internal/telemetry"
)

// Branch names contain "/", so they travel in query strings and bodies
// rather than path parameters.

// CommitRequest is the body of POST /api/v1/commit.
type CommitRequest struct {
	Branch string      `json:"branch"`
	Stage  stage.Stage `json:"stage"`
	pipeline.Options
}

// RebaseRequest is the body of POST /api/v1/rebase.
type RebaseRequest struct {
	Branch string `json:"branch"`
	Onto   string `json:"onto"`
}

// BranchRequest is the body of POST /api/v1/push.
type BranchRequest struct {
	Branch string `json:"branch"`
}

// PRRequest is the body of POST /api/v1/pr.
type PRRequest struct {
	Branch string `json:"branch"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body,omitempty"`
}

// TaskRequest is the body of POST /api/v1/tasks.
type TaskRequest struct {
	Branch string      `json:"branch"`
	Stage  stage.Stage `json:"stage"`
	Prompt string      `json:"prompt"`
}

// TaskStartResponse reports whether a spec task was started.
type TaskStartResponse struct {
	Branch string            `json:"branch"`
	Stage  stage.Stage       `json:"stage"`
	Result tasks.StartResult `json:"result"`
}

// ReconcileRequest is the body of POST /api/v1/tasks/reconcile. An empty
// branch reconciles every finished task.
type ReconcileRequest struct {
	Branch string `json:"branch,omitempty"`
}

// ReconcileResponse lists reconciliation outcomes.
type ReconcileResponse struct {
	Results []pipeline.ReconcileResult `json:"results"`
}

// ClearResponse reports whether DELETE /api/v1/tasks dropped a task.
type ClearResponse struct {
	Branch  string `json:"branch"`
	Cleared bool   `json:"cleared"`
}

// JobRequest is the body of POST /api/v1/jobs.
type JobRequest struct {
	Branch string `json:"branch"`
	Prompt string `json:"prompt"`
}

// JobUpdateRequest is the body of PATCH /api/v1/jobs/:id.
type JobUpdateRequest struct {
	Status string `json:"status"`
}

// JobsResponse lists jobs.
type JobsResponse struct {
	Jobs []*queue.Job `json:"jobs"`
}

// SyncResponse reports how many jobs POST /api/v1/jobs/sync changed.
type SyncResponse struct {
	Updated int    `json:"updated"`
	Error   string `json:"error,omitempty"`
}

// BranchesResponse lists managed branches.
type BranchesResponse struct {
	Branches []*pipeline.Status `json:"branches"`
}

// HistoryResponse lists a branch's commits since the base branch.
type HistoryResponse struct {
	Branch  string         `json:"branch"`
	Commits []stage.Commit `json:"commits"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Repo      string                  `json:"repo,omitempty"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`

	// Expected is set for stage order violations.
	Expected stage.Stage `json:"expected,omitempty"`
}
