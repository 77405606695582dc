package tasks

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTaskStuck indicates the task was still running when polling gave up.
	ErrTaskStuck = errors.New("task still running after maximum polls")

	// ErrNoTask indicates no task is tracked for the branch.
	ErrNoTask = errors.New("no task for branch")
)

// Poller waits for a task by polling the tracker at a fixed interval.
type Poller struct {
	tracker  *Tracker
	interval time.Duration
	maxPolls int
}

// NewPoller creates a poller. Non-positive values fall back to 2s and 150 polls.
func NewPoller(tracker *Tracker, interval time.Duration, maxPolls int) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxPolls <= 0 {
		maxPolls = 150
	}
	return &Poller{tracker: tracker, interval: interval, maxPolls: maxPolls}
}

// Wait polls until branch's task leaves the running state. After maxPolls it
// returns the last snapshot with ErrTaskStuck; the task itself is not touched.
func (p *Poller) Wait(ctx context.Context, branch string) (Task, error) {
	var last Task
	for i := 0; i < p.maxPolls; i++ {
		task, ok := p.tracker.Status(branch)
		if !ok {
			return Task{}, ErrNoTask
		}
		if task.Status != StatusRunning {
			return task, nil
		}
		last = task

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(p.interval):
		}
	}
	return last, ErrTaskStuck
}
