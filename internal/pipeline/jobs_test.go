package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/protoflow/internal/gittest"
	"github.com/fyrsmithlabs/protoflow/internal/pr"
	"github.com/fyrsmithlabs/protoflow/internal/queue"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
	"github.com/fyrsmithlabs/protoflow/internal/submit"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []submit.Request
	statuses map[string]string
	nextID   string
	err      error
}

func (s *fakeSubmitter) Submit(_ context.Context, req submit.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.requests = append(s.requests, req)
	return s.nextID, nil
}

func (s *fakeSubmitter) Status(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	if !ok {
		return "", errors.New("unknown job")
	}
	return st, nil
}

type fakeOpener struct {
	requests []pr.Request
}

func (o *fakeOpener) Open(_ context.Context, req pr.Request) (*pr.Result, error) {
	o.requests = append(o.requests, req)
	return &pr.Result{URL: "https://github.com/acme/protos/pull/7", Number: 7, Via: pr.ViaAPI}, nil
}

func openQueue(t *testing.T) *queue.Store {
	t.Helper()
	store, err := queue.Open(filepath.Join(t.TempDir(), "jobs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// implementReady returns a forward branch whose next stage is implement.
func implementReady(t *testing.T, e *Engine, title string) string {
	t.Helper()
	b := createPrototype(t, e, title, stage.ModeForward)
	_, err := e.Commit(context.Background(), b, stage.Spec, Options{Content: "spec"})
	require.NoError(t, err)
	return b
}

func TestEngine_SubmitImplementation(t *testing.T) {
	ctx := context.Background()
	store := openQueue(t)
	sub := &fakeSubmitter{nextID: "remote-42"}
	e, _ := newTestEngine(t, Deps{Jobs: store, Submitter: sub, Scrubber: passwordScrubber{}})
	b := implementReady(t, e, "checkout")

	job, err := e.SubmitImplementation(ctx, b, "build it, token hunter2")
	require.NoError(t, err)
	assert.Equal(t, "remote-42", job.ID)
	assert.Equal(t, b, job.Branch)
	assert.Equal(t, "src/app/prototypes/checkout", job.ModulePath)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, "build it, token [REDACTED]", job.Prompt)

	require.Len(t, sub.requests, 1)
	assert.Equal(t, submit.Request{Prompt: "build it, token [REDACTED]", JobName: "checkout", Branch: b}, sub.requests[0])
}

func TestEngine_SubmitImplementationQueuesLocally(t *testing.T) {
	store := openQueue(t)
	e, _ := newTestEngine(t, Deps{Jobs: store})
	b := implementReady(t, e, "offline")

	job, err := e.SubmitImplementation(context.Background(), b, "p")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, queue.StatusPending, job.Status)
}

func TestEngine_SubmitImplementationRejections(t *testing.T) {
	ctx := context.Background()

	e, _ := newTestEngine(t, Deps{})
	b := implementReady(t, e, "nostore")
	_, err := e.SubmitImplementation(ctx, b, "p")
	assert.ErrorIs(t, err, ErrNotConfigured)

	store := openQueue(t)
	sub := &fakeSubmitter{err: submit.ErrNotConfigured}
	e, _ = newTestEngine(t, Deps{Jobs: store, Submitter: sub})
	early := createPrototype(t, e, "early", stage.ModeForward)
	_, err = e.SubmitImplementation(ctx, early, "p")
	assert.ErrorIs(t, err, stage.ErrStageOrderViolation)

	b = implementReady(t, e, "remote-down")
	_, err = e.SubmitImplementation(ctx, b, "p")
	assert.ErrorIs(t, err, submit.ErrNotConfigured)

	jobs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs, "nothing queued when submission fails")
}

func TestEngine_SyncJobs(t *testing.T) {
	ctx := context.Background()
	store := openQueue(t)
	sub := &fakeSubmitter{statuses: map[string]string{
		"a": "running",
		"b": "COMPLETE",
		"c": "pending",
		"d": "exploded",
	}}
	e, _ := newTestEngine(t, Deps{Jobs: store, Submitter: sub})

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := store.Enqueue(ctx, queue.Job{ID: id, Branch: "prototype/x", Prompt: "p"})
		require.NoError(t, err)
	}
	_, err := store.Enqueue(ctx, queue.Job{ID: "done", Branch: "prototype/x", Status: queue.StatusComplete})
	require.NoError(t, err)

	updated, err := e.SyncJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	a, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, a.Status)

	b, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusComplete, b.Status)
	assert.NotNil(t, b.CompletedAt)

	d, err := store.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, d.Status)
}

func TestEngine_SyncJobsReportsErrors(t *testing.T) {
	ctx := context.Background()
	store := openQueue(t)
	e, _ := newTestEngine(t, Deps{Jobs: store, Submitter: &fakeSubmitter{statuses: map[string]string{}}})

	_, err := store.Enqueue(ctx, queue.Job{ID: "lost", Branch: "prototype/x"})
	require.NoError(t, err)

	updated, err := e.SyncJobs(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "job lost")
	assert.Zero(t, updated)

	e, _ = newTestEngine(t, Deps{Jobs: store})
	_, err = e.SyncJobs(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestEngine_OpenPR(t *testing.T) {
	ctx := context.Background()
	opener := &fakeOpener{}
	e, dir := newTestEngine(t, Deps{PR: opener})

	remote := t.TempDir()
	gittest.Git(t, remote, "init", "--bare", "--quiet")
	gittest.Git(t, dir, "remote", "add", "origin", remote)

	b := implementReady(t, e, "review-me")
	res, err := e.OpenPR(ctx, b, "", "")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Number)

	require.Len(t, opener.requests, 1)
	req := opener.requests[0]
	assert.Equal(t, b, req.Branch)
	assert.Equal(t, "main", req.Base)
	assert.Equal(t, "prototype: review-me", req.Title)
	assert.Contains(t, req.Body, "- spec")
	assert.Contains(t, req.Body, "Next stage: implement")

	assert.Equal(t, gittest.Head(t, dir, b), gittest.Git(t, remote, "rev-parse", b))

	_, err = e.OpenPR(ctx, b, "Custom", "body")
	require.NoError(t, err)
	assert.Equal(t, "Custom", opener.requests[1].Title)
	assert.Equal(t, "body", opener.requests[1].Body)
}

func TestEngine_OpenPRNotConfigured(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	_, err := e.OpenPR(context.Background(), "prototype/x", "", "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
