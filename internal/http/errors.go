package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/branch"
	"github.com/fyrsmithlabs/protoflow/internal/gitexec"
	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
	"github.com/fyrsmithlabs/protoflow/internal/rebase"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
)

// Error kinds reported in ErrorResponse.Kind.
const (
	KindStageOrder     = "stage_order_violation"
	KindInvalidBranch  = "invalid_branch_name"
	KindBranchNotFound = "branch_not_found"
	KindBranchExists   = "branch_exists"
	KindGitFailure     = "git_failure"
	KindSideEffect     = "side_effect_failure"
	KindMetadata       = "metadata_missing"
	KindRebaseConflict = "rebase_conflict"
	KindNotOnBase      = "not_on_base"
	KindTaskRunning    = "task_running"
	KindTaskStuck      = "task_stuck"
	KindNotFound       = "not_found"
	KindNotConfigured  = "not_configured"
	KindBadRequest     = "bad_request"
	KindInternal       = "internal"
)

type errorMapping struct {
	target error
	status int
	kind   string
}

// errorMappings is checked in order; the first errors.Is match wins.
var errorMappings = []errorMapping{
	{stage.ErrStageOrderViolation, http.StatusConflict, KindStageOrder},
	{rebase.ErrRebaseConflict, http.StatusConflict, KindRebaseConflict},
	{pipeline.ErrBranchExists, http.StatusConflict, KindBranchExists},
	{pipeline.ErrTaskRunning, http.StatusConflict, KindTaskRunning},
	{pipeline.ErrTaskStuck, http.StatusRequestTimeout, KindTaskStuck},
	{branch.ErrInvalidBranchName, http.StatusBadRequest, KindInvalidBranch},
	{rebase.ErrNotOnBase, http.StatusBadRequest, KindNotOnBase},
	{stage.ErrUnknownMode, http.StatusBadRequest, KindBadRequest},
	{pipeline.ErrAsyncStage, http.StatusBadRequest, KindBadRequest},
	{queue.ErrInvalidStatus, http.StatusBadRequest, KindBadRequest},
	{branch.ErrBranchNotFound, http.StatusNotFound, KindBranchNotFound},
	{pipeline.ErrNoTask, http.StatusNotFound, KindNotFound},
	{queue.ErrJobNotFound, http.StatusNotFound, KindNotFound},
	{pipeline.ErrSideEffect, http.StatusUnprocessableEntity, KindSideEffect},
	{pipeline.ErrMetadataMissing, http.StatusUnprocessableEntity, KindMetadata},
	{pipeline.ErrNotConfigured, http.StatusServiceUnavailable, KindNotConfigured},
}

// classify maps an engine error to an HTTP status and error kind.
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.kind
		}
	}
	var cmdErr *gitexec.CommandError
	if errors.As(err, &cmdErr) {
		return http.StatusInternalServerError, KindGitFailure
	}
	return http.StatusInternalServerError, KindInternal
}

// fail writes err as an ErrorResponse. Server errors are logged; client
// errors are not.
func (s *Server) fail(c echo.Context, err error) error {
	status, kind := classify(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}

	var order *stage.OrderViolationError
	if errors.As(err, &order) {
		resp.Expected = order.Expected
	}

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.String("kind", kind),
			zap.Error(err))
	}
	return c.JSON(status, resp)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Kind: KindBadRequest})
}

// httpErrorHandler renders echo's own errors (404 route, 405, bind failures)
// in the ErrorResponse shape.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	kind := KindInternal
	switch {
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status < http.StatusInternalServerError:
		kind = KindBadRequest
	}
	_ = c.JSON(status, ErrorResponse{Error: msg, Kind: kind})
}
