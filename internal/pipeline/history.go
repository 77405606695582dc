package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/protoflow/internal/branch"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
)

// logFormat separates fields with US and records with RS so multi-line
// messages survive parsing.
const logFormat = "--format=%H%x1f%an%x1f%aI%x1f%B%x1e"

// History returns the commits in base..branch, oldest first.
func (e *Engine) History(ctx context.Context, branchName string) ([]stage.Commit, error) {
	if _, err := branch.Decode(branchName); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.ensureBranch(ctx, branchName); err != nil {
		return nil, err
	}
	return e.history(ctx, branchName)
}

func (e *Engine) history(ctx context.Context, branchName string) ([]stage.Commit, error) {
	out, err := e.git.RunRaw(ctx, "log", "--topo-order", "--reverse", logFormat,
		e.cfg.BaseBranch+".."+branchName, "--")
	if err != nil {
		return nil, fmt.Errorf("reading history of %s: %w", branchName, err)
	}
	return parseLog(out)
}

// headCommit returns the commit at HEAD of the checked-out branch.
func (e *Engine) headCommit(ctx context.Context) (*stage.Commit, error) {
	out, err := e.git.RunRaw(ctx, "log", "-1", logFormat, "HEAD")
	if err != nil {
		return nil, err
	}
	commits, err := parseLog(out)
	if err != nil {
		return nil, err
	}
	if len(commits) != 1 {
		return nil, fmt.Errorf("expected one commit at HEAD, got %d", len(commits))
	}
	return &commits[0], nil
}

func parseLog(out string) ([]stage.Commit, error) {
	var commits []stage.Commit
	for _, record := range strings.Split(out, "\x1e") {
		record = strings.TrimLeft(record, "\r\n")
		if strings.TrimSpace(record) == "" {
			continue
		}
		fields := strings.SplitN(record, "\x1f", 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed log record %q", record)
		}
		ts, err := time.Parse(time.RFC3339, fields[2])
		if err != nil {
			return nil, fmt.Errorf("parsing commit time %q: %w", fields[2], err)
		}
		commits = append(commits, stage.Commit{
			Hash:      fields[0],
			Author:    fields[1],
			Timestamp: ts,
			Message:   strings.TrimSpace(fields[3]),
		})
	}
	return commits, nil
}

// ensureBranch returns ErrBranchNotFound unless branchName exists locally.
func (e *Engine) ensureBranch(ctx context.Context, branchName string) error {
	ok, err := e.git.BranchExists(ctx, branchName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", branch.ErrBranchNotFound, branchName)
	}
	return nil
}
