package generator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script standing in for the generator.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "gen.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestNewCommandGenerator_RequiresCommand(t *testing.T) {
	_, err := NewCommandGenerator(Config{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCommandGenerator_Success(t *testing.T) {
	script := writeScript(t, `cat > SPEC.md
echo '{"is_error":false,"total_cost_usd":0.42,"num_turns":7,"duration_ms":1500,"result":"ok"}'
`)
	g, err := NewCommandGenerator(Config{Command: script}, nil)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "work")
	res, err := g.Generate(context.Background(), Request{Prompt: "write a spec", Dir: dir, Artifact: "SPEC.md"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 0.42, res.CostUSD)
	assert.Equal(t, 7, res.Turns)
	assert.Equal(t, 1500*time.Millisecond, res.Duration)
	assert.Equal(t, filepath.Join(dir, "SPEC.md"), res.ArtifactPath)

	content, err := os.ReadFile(res.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "write a spec", string(content))
}

func TestCommandGenerator_ClaimedSuccessWithoutArtifact(t *testing.T) {
	script := writeScript(t, `echo '{"is_error":false,"num_turns":3}'
`)
	g, err := NewCommandGenerator(Config{Command: script}, nil)
	require.NoError(t, err)

	res, err := g.Generate(context.Background(), Request{Prompt: "p", Dir: t.TempDir(), Artifact: "SPEC.md"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "artifact missing")
	assert.Empty(t, res.ArtifactPath)
}

func TestCommandGenerator_ReportedError(t *testing.T) {
	script := writeScript(t, `touch SPEC.md
echo '{"is_error":true,"result":"quota exceeded"}'
`)
	g, err := NewCommandGenerator(Config{Command: script}, nil)
	require.NoError(t, err)

	res, err := g.Generate(context.Background(), Request{Prompt: "p", Dir: t.TempDir(), Artifact: "SPEC.md"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "quota exceeded", res.Error)
}

func TestCommandGenerator_NonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "crashed" >&2
exit 3
`)
	g, err := NewCommandGenerator(Config{Command: script}, nil)
	require.NoError(t, err)

	res, err := g.Generate(context.Background(), Request{Prompt: "p", Dir: t.TempDir(), Artifact: "SPEC.md"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "crashed", res.Error)
}

func TestCommandGenerator_BadRequest(t *testing.T) {
	g, err := NewCommandGenerator(Config{Command: "true"}, nil)
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Request{Prompt: "p"})
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.md"), []byte("x"), 0o644))

	res := Verify(&Result{}, Request{Dir: dir, Artifact: "A.md"})
	assert.True(t, res.Success)

	res = Verify(&Result{}, Request{Dir: dir, Artifact: "B.md"})
	assert.False(t, res.Success)
}
