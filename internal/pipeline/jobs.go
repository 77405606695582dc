package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/pr"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/submit"
)

// SubmitImplementation hands branchName's implementation to the work
// submission service and records the job. The branch must be due for
// implement. Without a submitter the job is only queued locally.
func (e *Engine) SubmitImplementation(ctx context.Context, branchName, prompt string) (*queue.Job, error) {
	if e.jobs == nil {
		return nil, fmt.Errorf("%w: job store", ErrNotConfigured)
	}
	status, err := e.Status(ctx, branchName)
	if err != nil {
		return nil, err
	}
	if err := stage.Validate(stage.State{Mode: status.Mode, Completed: status.Completed, Next: status.Next}, stage.Implement); err != nil {
		return nil, err
	}

	if e.scrubber != nil {
		if prompt, err = e.scrubber.Scrub(prompt); err != nil {
			return nil, fmt.Errorf("redacting prompt: %w", err)
		}
	}

	var id string
	if e.submitter != nil {
		id, err = e.submitter.Submit(ctx, submit.Request{Prompt: prompt, JobName: status.Slug, Branch: branchName})
		if err != nil {
			return nil, fmt.Errorf("submitting implementation: %w", err)
		}
	}

	id, err = e.jobs.Enqueue(ctx, queue.Job{
		ID:         id,
		Branch:     branchName,
		ModulePath: status.ModulePath,
		Prompt:     prompt,
		Status:     queue.StatusPending,
	})
	if err != nil {
		return nil, err
	}
	return e.jobs.Get(ctx, id)
}

// SyncJobs refreshes pending and running jobs from the submission service
// and returns how many changed.
func (e *Engine) SyncJobs(ctx context.Context) (int, error) {
	if e.jobs == nil {
		return 0, fmt.Errorf("%w: job store", ErrNotConfigured)
	}
	if e.submitter == nil {
		return 0, fmt.Errorf("%w: submitter", ErrNotConfigured)
	}

	open, err := e.jobs.List(ctx, queue.StatusPending, queue.StatusRunning)
	if err != nil {
		return 0, err
	}

	updated := 0
	var errs []error
	for _, job := range open {
		remote, err := e.submitter.Status(ctx, job.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		st, err := queue.ParseStatus(remote)
		if err != nil {
			e.logger.Warn("ignoring unknown remote job status",
				zap.String("job_id", job.ID),
				zap.String("status", remote))
			continue
		}
		if st == job.Status {
			continue
		}
		if err := e.jobs.UpdateStatus(ctx, job.ID, st); err != nil {
			errs = append(errs, err)
			continue
		}
		updated++
	}
	return updated, errors.Join(errs...)
}

// Jobs returns the job store, or nil when none is configured.
func (e *Engine) Jobs() JobStore {
	return e.jobs
}

// OpenPR pushes branchName and opens a pull request against the base branch.
// Empty title and body are filled from the branch's derived state.
func (e *Engine) OpenPR(ctx context.Context, branchName, title, body string) (*pr.Result, error) {
	if e.pr == nil {
		return nil, fmt.Errorf("%w: pull request opener", ErrNotConfigured)
	}
	status, err := e.Status(ctx, branchName)
	if err != nil {
		return nil, err
	}
	if err := e.Push(ctx, branchName); err != nil {
		return nil, err
	}

	if title == "" {
		title = fmt.Sprintf("%s: %s", status.Category, status.Slug)
	}
	if body == "" {
		body = summarize(status)
	}
	res, err := e.pr.Open(ctx, pr.Request{Branch: branchName, Base: e.cfg.BaseBranch, Title: title, Body: body})
	if err != nil {
		return nil, err
	}
	e.logger.Info("pull request opened",
		zap.String("branch", branchName),
		zap.String("url", res.URL),
		zap.Bool("stubbed", res.Stubbed))
	return res, nil
}

func summarize(st *Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prototype `%s` (%s mode)\n\n", st.Slug, st.Mode)
	fmt.Fprintf(&b, "Module: `%s`\n\n", st.ModulePath)
	b.WriteString("Completed stages:\n")
	for _, s := range st.Completed {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	if st.Next != stage.None {
		fmt.Fprintf(&b, "\nNext stage: %s\n", st.Next)
	}
	return b.String()
}
