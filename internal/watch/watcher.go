// Package watch observes a repository's HEAD for changes made outside the
// engine, such as a developer switching branches or committing by hand.
//
// The daemon uses the events to wake the task reconciler early and to log
// branch switches; nothing here is needed for correctness, since all state
// is re-derived from git on every call.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var (
	// ErrNotGitRepo indicates the directory is not a git working tree.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
	ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")
)

// Detached is reported as the branch name when HEAD is not on a branch.
const Detached = "detached"

// EventType is the kind of repository change observed.
type EventType int

const (
	// EventBranchSwitch is a change of the checked-out branch.
	EventBranchSwitch EventType = iota

	// EventNewCommit is a new entry in the HEAD reflog.
	EventNewCommit
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventBranchSwitch:
		return "branch_switch"
	case EventNewCommit:
		return "new_commit"
	default:
		return "unknown"
	}
}

// Event is one observed change.
type Event struct {
	Type       EventType
	OldBranch  string
	NewBranch  string
	CommitHash string
	Timestamp  time.Time
}

// Watcher emits Events for a repository.
type Watcher struct {
	repoDir string
	gitDir  string
	watcher *fsnotify.Watcher
	events  chan Event
	stop    chan struct{}
	once    sync.Once
	logger  *zap.Logger

	// Owned by the processing goroutine after Start.
	currentBranch string
	lastCommit    string
}

// New creates a Watcher for the working tree at repoDir.
func New(repoDir string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gitDir, err := GitDir(repoDir)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		repoDir: repoDir,
		gitDir:  gitDir,
		watcher: fw,
		events:  make(chan Event, 16),
		stop:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start records the current branch and reflog position and begins watching
// in a background goroutine. Call Stop to release the watcher.
func (w *Watcher) Start(ctx context.Context) error {
	current, err := readBranch(w.gitDir)
	if err != nil {
		return err
	}
	w.currentBranch = current
	w.lastCommit = lastReflogCommit(w.gitDir)

	// git replaces HEAD by rename, so the directories are watched rather
	// than the files themselves.
	if err := w.watcher.Add(w.gitDir); err != nil {
		return fmt.Errorf("watching %s: %w", w.gitDir, err)
	}
	logsDir := filepath.Join(w.gitDir, "logs")
	if _, err := os.Stat(logsDir); err == nil {
		if err := w.watcher.Add(logsDir); err != nil {
			w.logger.Warn("not watching reflog", zap.String("dir", logsDir), zap.Error(err))
		}
	}

	go w.process(ctx)
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

// Events returns the event channel. Events are dropped when it is full.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run calls handle for every event until ctx is done or the watcher stops.
func (w *Watcher) Run(ctx context.Context, handle func(context.Context, Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev := <-w.events:
			handle(ctx, ev)
		}
	}
}

func (w *Watcher) process(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.handle(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("repository watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(path string) {
	if filepath.Base(path) != "HEAD" {
		return
	}
	if filepath.Base(filepath.Dir(path)) == "logs" {
		w.detectCommit()
		return
	}
	w.detectSwitch()
}

func (w *Watcher) detectSwitch() {
	next, err := readBranch(w.gitDir)
	if err != nil || next == w.currentBranch {
		return
	}
	w.emit(Event{
		Type:      EventBranchSwitch,
		OldBranch: w.currentBranch,
		NewBranch: next,
		Timestamp: time.Now(),
	})
	w.currentBranch = next
}

func (w *Watcher) detectCommit() {
	hash := lastReflogCommit(w.gitDir)
	if hash == "" || hash == w.lastCommit {
		return
	}
	w.lastCommit = hash
	w.emit(Event{Type: EventNewCommit, CommitHash: hash, NewBranch: w.currentBranch, Timestamp: time.Now()})
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Debug("dropping repository event", zap.Stringer("type", ev.Type))
	}
}

// readBranch returns the branch HEAD points at, or Detached.
func readBranch(gitDir string) (string, error) {
	content, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	head := strings.TrimSpace(string(content))
	if name, ok := strings.CutPrefix(head, "ref: refs/heads/"); ok {
		return name, nil
	}
	return Detached, nil
}

// lastReflogCommit returns the new-value hash of the last HEAD reflog line.
func lastReflogCommit(gitDir string) string {
	content, err := os.ReadFile(filepath.Join(gitDir, "logs", "HEAD"))
	if err != nil {
		return ""
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// GitDir returns the git directory for a working tree. A ".git" file (as
// in linked worktrees) is followed to the directory it names.
func GitDir(repoDir string) (string, error) {
	gitPath := filepath.Join(repoDir, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotGitRepo, repoDir)
		}
		return "", fmt.Errorf("stat .git: %w", err)
	}
	if info.IsDir() {
		return gitPath, nil
	}

	content, err := os.ReadFile(gitPath)
	if err != nil {
		return "", fmt.Errorf("reading .git file: %w", err)
	}
	dir, ok := strings.CutPrefix(strings.TrimSpace(string(content)), "gitdir:")
	if !ok || strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: invalid .git file", ErrNotGitRepo)
	}
	dir = strings.TrimSpace(dir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoDir, dir)
	}
	return dir, nil
}
