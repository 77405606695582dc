// Package tasks supervises long-running generation work per branch.
//
// The tracker is a hint structure: it records whether background work for a
// branch is running, finished or failed, and never touches the repository.
// Committing a finished task's artifact is the caller's reconciliation step.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/generator"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// StartResult is the outcome of Start.
type StartResult string

const (
	Started        StartResult = "started"
	AlreadyRunning StartResult = "already-running"
)

// Work is the supervised call. It runs detached from any request context.
type Work func(ctx context.Context) (*generator.Result, error)

// Task is a snapshot of one branch's supervised work.
type Task struct {
	Branch     string            `json:"branch"`
	Stage      stage.Stage       `json:"stage"`
	Status     Status            `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Result     *generator.Result `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Publisher is the subset of *nats.Conn used for lifecycle events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// SubjectPrefix prefixes every lifecycle event subject.
const SubjectPrefix = "protoflow.tasks"

// Tracker is a registry of per-branch tasks owned by the process.
//
// Lifecycle events are published to:
//   - protoflow.tasks.{branch}.started
//   - protoflow.tasks.{branch}.completed
//   - protoflow.tasks.{branch}.failed
type Tracker struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	events Publisher
	logger *zap.Logger
	wg     sync.WaitGroup

	now func() time.Time
}

// NewTracker creates a tracker. nc may be nil to disable event publishing.
func NewTracker(nc *nats.Conn, logger *zap.Logger) *Tracker {
	var pub Publisher
	if nc != nil {
		pub = nc
	}
	return newTracker(pub, logger)
}

func newTracker(pub Publisher, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		tasks:  make(map[string]*Task),
		events: pub,
		logger: logger,
		now:    time.Now,
	}
}

// Start launches work for branch unless a task is already running there.
// A started task is visible to every Status call made after Start returns.
func (t *Tracker) Start(branch string, st stage.Stage, work Work) StartResult {
	t.mu.Lock()
	if existing, ok := t.tasks[branch]; ok && existing.Status == StatusRunning {
		t.mu.Unlock()
		return AlreadyRunning
	}
	task := &Task{
		Branch:    branch,
		Stage:     st,
		Status:    StatusRunning,
		StartedAt: t.now(),
	}
	t.tasks[branch] = task
	snapshot := *task
	t.wg.Add(1)
	t.mu.Unlock()

	t.publish(snapshot, "started")
	t.logger.Info("task started", zap.String("branch", branch), zap.String("stage", string(st)))

	go t.run(task, work)
	return Started
}

func (t *Tracker) run(task *Task, work Work) {
	defer t.wg.Done()

	result, err := t.invoke(work)

	t.mu.Lock()
	task.FinishedAt = t.now()
	task.Result = result
	switch {
	case err != nil:
		task.Status = StatusFailed
		task.Error = err.Error()
	case result == nil:
		task.Status = StatusFailed
		task.Error = "generator returned no result"
	case !result.Success:
		task.Status = StatusFailed
		task.Error = result.Error
	default:
		task.Status = StatusComplete
	}
	current, tracked := t.tasks[task.Branch]
	tracked = tracked && current == task
	snapshot := *task
	t.mu.Unlock()

	if !tracked {
		t.logger.Info("task finished after being cleared", zap.String("branch", task.Branch))
		return
	}

	event := "completed"
	if snapshot.Status == StatusFailed {
		event = "failed"
	}
	t.publish(snapshot, event)
	t.logger.Info("task finished",
		zap.String("branch", snapshot.Branch),
		zap.String("status", string(snapshot.Status)),
		zap.Duration("elapsed", snapshot.FinishedAt.Sub(snapshot.StartedAt)))
}

// invoke runs work, converting a panic into an error.
func (t *Tracker) invoke(work Work) (result *generator.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return work(context.Background())
}

// Status returns a snapshot of branch's task.
func (t *Tracker) Status(branch string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[branch]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Clear forgets branch's task. A running task keeps running but its outcome
// is discarded.
func (t *Tracker) Clear(branch string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[branch]
	delete(t.tasks, branch)
	return ok
}

// Forget clears task's branch only if the tracked task is still the one
// snapshotted in task.
func (t *Tracker) Forget(task Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.tasks[task.Branch]
	if !ok || !current.StartedAt.Equal(task.StartedAt) || current.Stage != task.Stage {
		return false
	}
	delete(t.tasks, task.Branch)
	return true
}

// List returns snapshots of all tasks ordered by branch.
func (t *Tracker) List() []Task {
	t.mu.Lock()
	out := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, *task)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out
}

// Wait blocks until every started task has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) publish(task Task, event string) {
	if t.events == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		t.logger.Warn("failed to marshal task event", zap.Error(err))
		return
	}
	subject := Subject(task.Branch, event)
	if err := t.events.Publish(subject, data); err != nil {
		t.logger.Warn("failed to publish task event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Subject returns the event subject for branch and event. Dots and
// whitespace in branch names are replaced so the branch stays one token.
func Subject(branch, event string) string {
	token := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(branch)
	return SubjectPrefix + "." + token + "." + event
}
