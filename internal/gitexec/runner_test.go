package gitexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/protoflow/internal/gittest"
)

func TestRunner_Run(t *testing.T) {
	dir := gittest.NewRepo(t)
	r := New(dir, Config{}, nil)
	ctx := context.Background()

	t.Run("returns trimmed stdout", func(t *testing.T) {
		out, err := r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
		require.NoError(t, err)
		assert.Equal(t, "main", out)
	})

	t.Run("non-zero exit yields CommandError with output", func(t *testing.T) {
		_, err := r.Run(ctx, "checkout", "does-not-exist")
		require.Error(t, err)

		var cmdErr *CommandError
		require.True(t, errors.As(err, &cmdErr))
		assert.NotZero(t, cmdErr.ExitCode)
		assert.False(t, cmdErr.TimedOut)
		assert.Contains(t, cmdErr.Output, "does-not-exist")
		assert.Equal(t, []string{"checkout", "does-not-exist"}, cmdErr.Args)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := r.Run(ctx)
		assert.ErrorIs(t, err, ErrEmptyCommand)
	})
}

func TestRunner_Timeout(t *testing.T) {
	dir := gittest.NewRepo(t)
	r := New(dir, Config{Timeout: time.Nanosecond}, nil)

	_, err := r.Run(context.Background(), "status")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.True(t, cmdErr.TimedOut)
}

func TestRunner_Check(t *testing.T) {
	dir := gittest.NewRepo(t)
	r := New(dir, Config{}, nil)
	ctx := context.Background()

	exists, err := r.BranchExists(ctx, "main")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = r.BranchExists(ctx, "prototype/missing")
	require.NoError(t, err, "missing branch is not an error")
	assert.False(t, exists)
}

func TestRunner_IsDirty(t *testing.T) {
	dir := gittest.NewRepo(t)
	r := New(dir, Config{}, nil)
	ctx := context.Background()

	dirty, err := r.IsDirty(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	gittest.WriteFile(t, dir, "notes.txt", "wip")
	dirty, err = r.IsDirty(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestRunner_RevParse(t *testing.T) {
	dir := gittest.NewRepo(t)
	r := New(dir, Config{}, nil)

	hash, err := r.RevParse(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, gittest.Head(t, dir, "main"), hash)

	_, err = r.RevParse(context.Background(), "nope")
	assert.Error(t, err)
}

func TestCommandError_Error(t *testing.T) {
	err := &CommandError{Args: []string{"push"}, ExitCode: 128, Output: "fatal: no remote"}
	assert.Equal(t, "git push: exit 128: fatal: no remote", err.Error())

	err = &CommandError{Args: []string{"fetch"}, TimedOut: true}
	assert.Equal(t, "git fetch: timed out", err.Error())
}
