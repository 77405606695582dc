package pipeline

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/protoflow/internal/branch"
	"github.com/fyrsmithlabs/protoflow/internal/gitexec"
	"github.com/fyrsmithlabs/protoflow/internal/gittest"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
)

func newTestEngine(t *testing.T, deps Deps) (*Engine, string) {
	t.Helper()
	dir := gittest.NewRepo(t)
	e, err := NewEngine(Config{RepoDir: dir, ScratchDir: t.TempDir()}, deps, nil)
	require.NoError(t, err)
	return e, dir
}

func createPrototype(t *testing.T, e *Engine, title string, mode stage.Mode) string {
	t.Helper()
	st, err := e.Create(context.Background(), CreateRequest{
		Category: branch.CategoryPrototype,
		Title:    title,
		Mode:     mode,
	})
	require.NoError(t, err)
	return st.Branch
}

func addEntrypoint(t *testing.T, e *Engine, dir, branchName, slug string) {
	t.Helper()
	rel := path.Join(e.ModuleRel(slug), DefaultEntrypoint)
	gittest.CommitOn(t, dir, branchName, "add server", map[string]string{rel: "print('hi')\n"})
}

func requireStatus(t *testing.T, e *Engine, branchName string) *Status {
	t.Helper()
	st, err := e.Status(context.Background(), branchName)
	require.NoError(t, err)
	return st
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(Config{}, Deps{}, nil)
	assert.Error(t, err)

	_, err = NewEngine(Config{RepoDir: t.TempDir()}, Deps{}, nil)
	assert.Error(t, err, "not a repository")

	dir := gittest.NewRepo(t)
	_, err = NewEngine(Config{RepoDir: dir, DefaultMode: "sideways"}, Deps{}, nil)
	assert.ErrorIs(t, err, stage.ErrUnknownMode)

	e, err := NewEngine(Config{RepoDir: dir}, Deps{}, nil)
	require.NoError(t, err)
	cfg := e.Config()
	assert.Equal(t, DefaultBaseBranch, cfg.BaseBranch)
	assert.Equal(t, DefaultModulesRoot, cfg.ModulesRoot)
	assert.Equal(t, stage.ModeForward, cfg.DefaultMode)
	assert.NotNil(t, e.Tracker())
}

// The full forward lifecycle of prototype/auth-flow.
func TestEngine_AuthFlowScenario(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})

	b := createPrototype(t, e, "Auth Flow", stage.ModeForward)
	assert.Equal(t, "prototype/auth-flow", b)

	st := requireStatus(t, e, b)
	assert.Equal(t, []stage.Stage{stage.Init}, st.Completed)
	assert.Equal(t, stage.Spec, st.Next)
	require.NotNil(t, st.Metadata)
	assert.Equal(t, stage.ModeForward, st.Metadata.Mode)

	// Skipping straight to implement is refused.
	_, err := e.Commit(ctx, b, stage.Implement, Options{})
	var ove *stage.OrderViolationError
	require.ErrorAs(t, err, &ove)
	assert.Equal(t, stage.Spec, ove.Expected)

	_, err = e.Commit(ctx, b, stage.Spec, Options{Content: "# Auth flow\n"})
	require.NoError(t, err)
	assert.Equal(t, stage.Implement, requireStatus(t, e, b).Next)

	// implement needs the entrypoint; nothing is committed without it.
	before := len(requireStatus(t, e, b).Commits)
	_, err = e.Commit(ctx, b, stage.Implement, Options{})
	assert.ErrorIs(t, err, ErrSideEffect)
	assert.Len(t, requireStatus(t, e, b).Commits, before)

	addEntrypoint(t, e, dir, b, "auth-flow")
	_, err = e.Commit(ctx, b, stage.Implement, Options{})
	require.NoError(t, err)
	assert.Equal(t, stage.Iterate, requireStatus(t, e, b).Next)

	for i := 0; i < 2; i++ {
		_, err = e.Commit(ctx, b, stage.Iterate, Options{Description: "tweak"})
		require.NoError(t, err)
	}
	st = requireStatus(t, e, b)
	assert.Equal(t, []stage.Stage{stage.Init, stage.Spec, stage.Implement, stage.Iterate, stage.Iterate}, st.Completed)
	assert.Equal(t, stage.Iterate, st.Next)

	_, err = e.Commit(ctx, b, stage.Spec, Options{Content: "again"})
	require.ErrorAs(t, err, &ove)
	assert.Equal(t, stage.Iterate, ove.Expected)

	// The caller's checkout never moved.
	current, err := e.Git().CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, gittest.BaseBranch, current)
	assert.False(t, gittest.Exists(t, dir, "src/app/prototypes/auth-flow/SPEC.md"))
}

func TestEngine_RoundTripScenario(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})

	b := createPrototype(t, e, "search", stage.ModeRoundTrip)
	specCommit, err := e.Commit(ctx, b, stage.Spec, Options{Content: "# Search\n"})
	require.NoError(t, err)
	addEntrypoint(t, e, dir, b, "search")
	_, err = e.Commit(ctx, b, stage.Implement, Options{})
	require.NoError(t, err)

	assert.Equal(t, stage.ReverseSpec, requireStatus(t, e, b).Next)
	_, err = e.Commit(ctx, b, stage.ReverseSpec, Options{Content: "# Search (derived)\n"})
	require.NoError(t, err)

	lin, err := e.ReadLineage(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, lin)
	assert.Equal(t, "src/app/prototypes/search/SPEC.md", lin.Parent)
	assert.Equal(t, "src/app/prototypes/search/SPEC.derived.md", lin.Derived)
	assert.Equal(t, specCommit.Hash, lin.ParentCommit)

	_, err = e.Commit(ctx, b, stage.Compare, Options{Content: "same\n"})
	require.NoError(t, err)
	st := requireStatus(t, e, b)
	assert.Equal(t, stage.Iterate, st.Next)
	assert.Equal(t, stage.ModeRoundTrip, st.Mode)
	assert.NotNil(t, st.Lineage)
}

func TestEngine_SpecRequiresContentOrFile(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Deps{})
	b := createPrototype(t, e, "empty", stage.ModeForward)

	_, err := e.Commit(ctx, b, stage.Spec, Options{})
	var se *SideEffectError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stage.Spec, se.Stage)
	assert.Equal(t, stage.Spec, requireStatus(t, e, b).Next)
}

// A side effect that landed before a crash is reused by the retry.
func TestEngine_RetryAfterCrashReusesSideEffect(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})
	b := createPrototype(t, e, "retry", stage.ModeForward)

	gittest.Git(t, dir, "checkout", "--quiet", b)
	gittest.WriteFile(t, dir, "src/app/prototypes/retry/SPEC.md", "written before crash\n")

	c, err := e.Commit(ctx, b, stage.Spec, Options{})
	require.NoError(t, err)
	assert.Equal(t, "[spec] write specification", c.Message)

	data, err := e.readBranchFile(b, "src/app/prototypes/retry/SPEC.md")
	require.NoError(t, err)
	assert.Equal(t, "written before crash\n", string(data))
}

func TestEngine_InitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})

	// A branch with no pipeline commits yet, but with metadata left in the tree.
	gittest.Git(t, dir, "branch", "spike/raw")
	gittest.Git(t, dir, "checkout", "--quiet", "spike/raw")
	gittest.WriteFile(t, dir, "src/app/prototypes/raw/.pipeline.yaml", "mode: roundtrip\ncreated_at: 2026-01-01T00:00:00Z\n")

	_, err := e.Commit(ctx, "spike/raw", stage.Init, Options{Mode: stage.ModeForward})
	require.NoError(t, err)

	meta, err := e.ReadMetadata(ctx, "spike/raw")
	require.NoError(t, err)
	assert.Equal(t, stage.ModeRoundTrip, meta.Mode, "existing metadata is kept untouched")
}

func TestEngine_StatusWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})
	gittest.Git(t, dir, "branch", "experiment/bare")

	st := requireStatus(t, e, "experiment/bare")
	assert.True(t, st.MetadataMissing)
	assert.Equal(t, stage.Init, st.Next)

	// Stages past init need metadata.
	_, err := e.Commit(ctx, "experiment/bare", stage.Spec, Options{Content: "x"})
	assert.ErrorIs(t, err, ErrMetadataMissing)

	_, err = e.Commit(ctx, "experiment/bare", stage.Init, Options{Mode: stage.ModeRoundTrip, Source: "notes.md"})
	require.NoError(t, err)
	st = requireStatus(t, e, "experiment/bare")
	assert.False(t, st.MetadataMissing)
	assert.Equal(t, stage.ModeRoundTrip, st.Mode)
	assert.Equal(t, "notes.md", st.Metadata.Source)
}

// Moving the branch ref back is enough to undo a stage; nothing else holds
// progress.
func TestEngine_StatusReflectsReset(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})
	b := createPrototype(t, e, "rewind", stage.ModeForward)
	initHash := gittest.Head(t, dir, b)

	_, err := e.Commit(ctx, b, stage.Spec, Options{Content: "spec"})
	require.NoError(t, err)
	assert.Equal(t, stage.Implement, requireStatus(t, e, b).Next)

	gittest.Git(t, dir, "branch", "-f", b, initHash)

	st := requireStatus(t, e, b)
	assert.Equal(t, []stage.Stage{stage.Init}, st.Completed)
	assert.Equal(t, stage.Spec, st.Next)

	c, err := e.Commit(ctx, b, stage.Spec, Options{Content: "spec again"})
	require.NoError(t, err)
	assert.Equal(t, "[spec] write specification", c.Message)
	assert.Equal(t, stage.Implement, requireStatus(t, e, b).Next)
}

func TestEngine_UntaggedCommitsAreIgnored(t *testing.T) {
	e, dir := newTestEngine(t, Deps{})
	b := createPrototype(t, e, "noise", stage.ModeForward)

	gittest.CommitOn(t, dir, b, "wip: unrelated", map[string]string{"scratch.txt": "x"})
	gittest.CommitOn(t, dir, b, "see [spec] later", nil)

	st := requireStatus(t, e, b)
	assert.Equal(t, []stage.Stage{stage.Init}, st.Completed)
	assert.Equal(t, stage.Spec, st.Next)
	require.Len(t, st.Commits, 3)
	assert.Equal(t, stage.Init, st.Commits[0].Stage)
	assert.Equal(t, stage.None, st.Commits[1].Stage)
}

// Commits reachable from the base branch are not part of the derivation.
func TestEngine_HistoryStopsAtBase(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})
	b := createPrototype(t, e, "merged", stage.ModeForward)
	_, err := e.Commit(ctx, b, stage.Spec, Options{Content: "x"})
	require.NoError(t, err)

	gittest.Git(t, dir, "merge", "--ff-only", "--quiet", b)

	st := requireStatus(t, e, b)
	assert.Empty(t, st.Completed)
	assert.Equal(t, stage.Init, st.Next)
}

func TestEngine_ModeMismatchIsAnomaly(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})
	b := createPrototype(t, e, "odd", stage.ModeForward)
	gittest.CommitOn(t, dir, b, "[compare] hand-written", nil)

	st := requireStatus(t, e, b)
	assert.True(t, st.Anomaly)
	assert.Equal(t, stage.None, st.Next)

	_, err := e.Commit(ctx, b, stage.Iterate, Options{})
	var ove *stage.OrderViolationError
	require.ErrorAs(t, err, &ove)
	assert.Equal(t, stage.None, ove.Expected)
}

func TestEngine_CommitErrors(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Deps{})

	_, err := e.Commit(ctx, "feature/x", stage.Init, Options{})
	assert.ErrorIs(t, err, branch.ErrInvalidBranchName)

	_, err = e.Commit(ctx, "prototype/ghost", stage.Init, Options{})
	assert.ErrorIs(t, err, branch.ErrBranchNotFound)

	_, err = e.Status(ctx, "prototype/ghost")
	assert.ErrorIs(t, err, branch.ErrBranchNotFound)
}

func TestEngine_PreservesCallerWorkingTree(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})

	gittest.WriteFile(t, dir, "README.md", "# edited locally\n")
	gittest.WriteFile(t, dir, "notes.txt", "untracked\n")

	b := createPrototype(t, e, "careful", stage.ModeForward)
	_, err := e.Commit(ctx, b, stage.Spec, Options{Content: "spec"})
	require.NoError(t, err)

	current, err := e.Git().CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, gittest.BaseBranch, current)
	readme, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# edited locally\n", string(readme))
	assert.True(t, gittest.Exists(t, dir, "notes.txt"))
	assert.Empty(t, gittest.Git(t, dir, "stash", "list"))

	// The branch carries only the module directory.
	_, err = e.readBranchFile(b, "notes.txt")
	assert.Error(t, err)
}

func TestEngine_ConcurrentCommitsAdmitOne(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Deps{})
	b := createPrototype(t, e, "race", stage.ModeForward)

	const callers = 5
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Commit(ctx, b, stage.Spec, Options{Content: "spec"})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, stage.ErrStageOrderViolation)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, []stage.Stage{stage.Init, stage.Spec}, requireStatus(t, e, b).Completed)
}

func TestEngine_IterateCommitsWholeTree(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})
	b := createPrototype(t, e, "free", stage.ModeForward)
	_, err := e.Commit(ctx, b, stage.Spec, Options{Content: "spec"})
	require.NoError(t, err)
	addEntrypoint(t, e, dir, b, "free")
	_, err = e.Commit(ctx, b, stage.Implement, Options{})
	require.NoError(t, err)

	// Work on the branch itself, outside the module directory.
	gittest.Git(t, dir, "checkout", "--quiet", b)
	gittest.WriteFile(t, dir, "docs/design.md", "notes\n")

	_, err = e.Commit(ctx, b, stage.Iterate, Options{Description: "document design"})
	require.NoError(t, err)

	data, err := e.readBranchFile(b, "docs/design.md")
	require.NoError(t, err)
	assert.Equal(t, "notes\n", string(data))
}

// Working on the branch itself, a stage commit takes the module directory
// and nothing the caller staged elsewhere.
func TestEngine_CommitLeavesUnrelatedStagedFilesAlone(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})
	b := createPrototype(t, e, "scoped", stage.ModeForward)

	gittest.Git(t, dir, "checkout", "--quiet", b)
	gittest.WriteFile(t, dir, "README.md", "# staged by hand\n")
	gittest.Git(t, dir, "add", "README.md")

	c, err := e.Commit(ctx, b, stage.Spec, Options{Content: "spec"})
	require.NoError(t, err)

	files := gittest.Git(t, dir, "show", "--name-only", "--format=", c.Hash)
	assert.Equal(t, path.Join(e.ModuleRel("scoped"), SpecFile), files)
	assert.Equal(t, "README.md", gittest.Git(t, dir, "diff", "--cached", "--name-only"))

	data, err := e.readBranchFile(b, "README.md")
	require.NoError(t, err)
	assert.Equal(t, "# repo\n", string(data))
}

func TestEngine_GitFailureSurfacesCommandError(t *testing.T) {
	ctx := context.Background()
	e, dir := newTestEngine(t, Deps{})
	b := createPrototype(t, e, "broken", stage.ModeForward)

	// A failing pre-commit hook makes git commit fail after the side effect.
	hook := filepath.Join(dir, ".git", "hooks", "pre-commit")
	gittest.WriteFile(t, dir, ".git/hooks/pre-commit", "#!/bin/sh\nexit 1\n")
	require.NoError(t, os.Chmod(hook, 0o755))

	_, err := e.Commit(ctx, b, stage.Spec, Options{Content: "spec"})
	var ce *gitexec.CommandError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, stage.Spec, requireStatus(t, e, b).Next)

	// Nothing from the failed attempt follows the guard back to main.
	assert.Equal(t, "main", gittest.Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Empty(t, gittest.Git(t, dir, "status", "--porcelain"))

	require.NoError(t, os.Remove(hook))
	c, err := e.Commit(ctx, b, stage.Spec, Options{Content: "spec"})
	require.NoError(t, err)
	assert.Equal(t, "[spec] write specification", c.Message)
}

func TestParseLog(t *testing.T) {
	out := "abc\x1fAda\x1f2026-03-01T10:00:00+00:00\x1f[spec] first line\n\nbody\n\x1e\n" +
		"def\x1fBob\x1f2026-03-01T11:00:00+01:00\x1fwip\n\x1e\n"
	commits, err := parseLog(out)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "abc", commits[0].Hash)
	assert.Equal(t, "Ada", commits[0].Author)
	assert.Equal(t, "[spec] first line\n\nbody", commits[0].Message)
	tag, ok := commits[0].Tag().Recognized()
	assert.True(t, ok)
	assert.Equal(t, stage.Spec, tag)
	assert.Equal(t, "wip", commits[1].Message)

	_, err = parseLog("broken\x1e")
	assert.Error(t, err)
}
