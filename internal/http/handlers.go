package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/logging"
	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
)

// branchParam reads the required branch query parameter.
func branchParam(c echo.Context) (string, bool) {
	b := strings.TrimSpace(c.QueryParam("branch"))
	return b, b != ""
}

func (s *Server) handleListBranches(c echo.Context) error {
	list, err := s.pipeline.List(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if list == nil {
		list = []*pipeline.Status{}
	}
	return c.JSON(http.StatusOK, BranchesResponse{Branches: list})
}

func (s *Server) handleCreateBranch(c echo.Context) error {
	var req pipeline.CreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Title == "" && req.Slug == "" {
		return badRequest(c, "title or slug is required")
	}
	st, err := s.pipeline.Create(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (s *Server) handleStatus(c echo.Context) error {
	b, ok := branchParam(c)
	if !ok {
		return badRequest(c, "branch query parameter is required")
	}
	st, err := s.pipeline.Status(c.Request().Context(), b)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleHistory(c echo.Context) error {
	b, ok := branchParam(c)
	if !ok {
		return badRequest(c, "branch query parameter is required")
	}
	commits, err := s.pipeline.History(c.Request().Context(), b)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, HistoryResponse{Branch: b, Commits: commits})
}

func (s *Server) handleCommit(c echo.Context) error {
	var req CommitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Branch == "" || req.Stage == "" {
		return badRequest(c, "branch and stage are required")
	}

	ctx := logging.WithStage(logging.WithBranch(c.Request().Context(), req.Branch), string(req.Stage))
	commit, err := s.pipeline.Commit(ctx, req.Branch, req.Stage, req.Options)
	if err != nil {
		return s.fail(c, err)
	}
	s.logger.Info("stage committed via api",
		zap.String("branch", req.Branch),
		zap.String("stage", string(req.Stage)),
		zap.String("commit", commit.Hash))
	return c.JSON(http.StatusCreated, commit)
}

func (s *Server) handleRebase(c echo.Context) error {
	if s.rebaser == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "rebase engine not configured", Kind: KindNotConfigured})
	}
	var req RebaseRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Branch == "" || req.Onto == "" {
		return badRequest(c, "branch and onto are required")
	}
	out, err := s.rebaser.RebaseOnto(c.Request().Context(), req.Branch, req.Onto)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handlePush(c echo.Context) error {
	var req BranchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Branch == "" {
		return badRequest(c, "branch is required")
	}
	if err := s.pipeline.Push(c.Request().Context(), req.Branch); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

func (s *Server) handlePR(c echo.Context) error {
	var req PRRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Branch == "" {
		return badRequest(c, "branch is required")
	}
	res, err := s.pipeline.OpenPR(c.Request().Context(), req.Branch, req.Title, req.Body)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleStartTask(c echo.Context) error {
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Branch == "" || req.Stage == "" || req.Prompt == "" {
		return badRequest(c, "branch, stage and prompt are required")
	}
	res, err := s.pipeline.StartSpecTask(c.Request().Context(), req.Branch, req.Stage, req.Prompt)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, TaskStartResponse{Branch: req.Branch, Stage: req.Stage, Result: res})
}

// handleTaskStatus returns one task for ?branch=, or every tracked task.
// With wait=true it blocks until the branch's task stops running.
func (s *Server) handleTaskStatus(c echo.Context) error {
	b, ok := branchParam(c)
	if !ok {
		return c.JSON(http.StatusOK, s.pipeline.Tracker().List())
	}
	wait := false
	if raw := c.QueryParam("wait"); raw != "" {
		var err error
		if wait, err = strconv.ParseBool(raw); err != nil {
			return badRequest(c, "wait must be a boolean")
		}
	}
	if wait {
		task, err := s.pipeline.WaitTask(c.Request().Context(), b)
		if err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}

	task, found := s.pipeline.TaskStatus(b)
	if !found {
		return s.fail(c, pipeline.ErrNoTask)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleClearTask(c echo.Context) error {
	b, ok := branchParam(c)
	if !ok {
		return badRequest(c, "branch query parameter is required")
	}
	return c.JSON(http.StatusOK, ClearResponse{Branch: b, Cleared: s.pipeline.ClearTask(b)})
}

func (s *Server) handleReconcile(c echo.Context) error {
	var req ReconcileRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ctx := c.Request().Context()

	if req.Branch != "" {
		res, err := s.pipeline.Reconcile(ctx, req.Branch)
		if err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, ReconcileResponse{Results: []pipeline.ReconcileResult{*res}})
	}

	results, err := s.pipeline.ReconcileAll(ctx)
	if err != nil {
		return s.fail(c, err)
	}
	if results == nil {
		results = []pipeline.ReconcileResult{}
	}
	return c.JSON(http.StatusOK, ReconcileResponse{Results: results})
}

func (s *Server) handleSubmitJob(c echo.Context) error {
	var req JobRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Branch == "" || req.Prompt == "" {
		return badRequest(c, "branch and prompt are required")
	}
	job, err := s.pipeline.SubmitImplementation(c.Request().Context(), req.Branch, req.Prompt)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) handleListJobs(c echo.Context) error {
	store := s.pipeline.Jobs()
	if store == nil {
		return s.fail(c, pipeline.ErrNotConfigured)
	}

	var statuses []queue.Status
	for _, raw := range c.QueryParams()["status"] {
		st, err := queue.ParseStatus(raw)
		if err != nil {
			return s.fail(c, err)
		}
		statuses = append(statuses, st)
	}

	jobs, err := store.List(c.Request().Context(), statuses...)
	if err != nil {
		return s.fail(c, err)
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	return c.JSON(http.StatusOK, JobsResponse{Jobs: jobs})
}

func (s *Server) handleGetJob(c echo.Context) error {
	store := s.pipeline.Jobs()
	if store == nil {
		return s.fail(c, pipeline.ErrNotConfigured)
	}
	job, err := store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleUpdateJob(c echo.Context) error {
	store := s.pipeline.Jobs()
	if store == nil {
		return s.fail(c, pipeline.ErrNotConfigured)
	}
	var req JobUpdateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	st, err := queue.ParseStatus(req.Status)
	if err != nil {
		return s.fail(c, err)
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if err := store.UpdateStatus(ctx, id, st); err != nil {
		return s.fail(c, err)
	}
	job, err := store.Get(ctx, id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// handleSyncJobs reports partial progress alongside per-job errors.
func (s *Server) handleSyncJobs(c echo.Context) error {
	n, err := s.pipeline.SyncJobs(c.Request().Context())
	if err != nil && n == 0 {
		return s.fail(c, err)
	}
	resp := SyncResponse{Updated: n}
	if err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
