// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// BaseBranch is the branch NewRepo initializes.
const BaseBranch = "main"

// NewRepo creates a repository in a temp dir with one commit on main.
func NewRepo(t testing.TB) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	Git(t, dir, "init", "--initial-branch="+BaseBranch)
	Git(t, dir, "config", "user.name", "Test User")
	Git(t, dir, "config", "user.email", "test@example.com")
	Git(t, dir, "config", "commit.gpgsign", "false")
	Commit(t, dir, "initial commit", map[string]string{"README.md": "# repo\n"})
	return dir
}

// Git runs git in dir and fails the test on error.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_EDITOR=true", "LC_ALL=C")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to a path relative to dir, creating parents.
func WriteFile(t testing.TB, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// Commit writes files, stages everything and commits with msg. Returns the new hash.
func Commit(t testing.TB, dir, msg string, files map[string]string) string {
	t.Helper()
	for rel, content := range files {
		WriteFile(t, dir, rel, content)
	}
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "--allow-empty", "-m", msg)
	return Head(t, dir, "HEAD")
}

// Head resolves rev to a hash.
func Head(t testing.TB, dir, rev string) string {
	t.Helper()
	return Git(t, dir, "rev-parse", rev)
}

// CommitOn commits files on branch and returns to the branch checked out
// before the call. Returns the new hash.
func CommitOn(t testing.TB, dir, branch, msg string, files map[string]string) string {
	t.Helper()
	original := Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
	Git(t, dir, "checkout", "--quiet", branch)
	hash := Commit(t, dir, msg, files)
	Git(t, dir, "checkout", "--quiet", original)
	return hash
}

// Exists reports whether rel exists in dir's working tree.
func Exists(t testing.TB, dir, rel string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(dir, rel))
	return err == nil
}
