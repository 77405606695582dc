package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/branch"
	"github.com/fyrsmithlabs/protoflow/internal/stage"
)

// CreateRequest describes a new prototype branch.
type CreateRequest struct {
	Category branch.Category `json:"category"`

	// Title is slugified into the branch slug unless Slug is set.
	Title string `json:"title,omitempty"`
	Slug  string `json:"slug,omitempty"`

	// Ordinal allocates the next free ordinal across all categories.
	Ordinal bool `json:"ordinal,omitempty"`

	Mode        stage.Mode `json:"mode,omitempty"`
	Source      string     `json:"source,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Create makes a branch from the base tip and commits its init stage. A
// branch whose init commit fails is removed again.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Status, error) {
	slug := req.Slug
	if slug == "" {
		var err error
		if slug, err = branch.Slugify(req.Title); err != nil {
			return nil, err
		}
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.create")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.createLocked(ctx, req, slug)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("branch", st.Branch))
	return st, nil
}

func (e *Engine) createLocked(ctx context.Context, req CreateRequest, slug string) (*Status, error) {
	name := branch.Name{Category: req.Category, Slug: slug}
	if req.Ordinal {
		existing, err := e.localBranches()
		if err != nil {
			return nil, err
		}
		name.Ordinal = branch.NextOrdinal(existing)
	}
	branchName, err := branch.Encode(name)
	if err != nil {
		return nil, err
	}

	exists, err := e.git.BranchExists(ctx, branchName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branchName)
	}

	if _, err := e.git.Run(ctx, "branch", branchName, e.cfg.BaseBranch); err != nil {
		return nil, fmt.Errorf("creating %s: %w", branchName, err)
	}

	opts := Options{Mode: req.Mode, Source: req.Source, Description: req.Description}
	if _, err := e.commitLocked(ctx, branchName, name, stage.Init, opts); err != nil {
		if _, delErr := e.git.Run(context.WithoutCancel(ctx), "branch", "-D", branchName); delErr != nil {
			e.logger.Warn("failed to remove branch after failed init",
				zap.String("branch", branchName),
				zap.Error(delErr))
		}
		return nil, err
	}

	e.logger.Info("prototype created",
		zap.String("branch", branchName),
		zap.String("mode", string(opts.Mode)))
	return e.status(ctx, branchName, name)
}

// List returns the status of every local branch that follows the naming
// grammar, ordered by name. Branches whose state cannot be read are skipped.
func (e *Engine) List(ctx context.Context) ([]*Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names, err := e.localBranches()
	if err != nil {
		return nil, err
	}

	out := make([]*Status, 0, len(names))
	for _, n := range names {
		decoded, err := branch.Decode(n)
		if err != nil {
			continue
		}
		st, err := e.status(ctx, n, decoded)
		if err != nil {
			e.logger.Warn("skipping unreadable branch", zap.String("branch", n), zap.Error(err))
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// localBranches lists local branch names with go-git, sorted.
func (e *Engine) localBranches() ([]string, error) {
	repo, err := git.PlainOpen(e.cfg.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer iter.Close()

	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Push publishes branchName to the configured remote and sets upstream.
func (e *Engine) Push(ctx context.Context, branchName string) error {
	if _, err := branch.Decode(branchName); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureBranch(ctx, branchName); err != nil {
		return err
	}
	if _, err := e.git.Run(ctx, "push", "-u", e.cfg.Remote, branchName); err != nil {
		return fmt.Errorf("pushing %s: %w", branchName, err)
	}
	e.logger.Info("branch pushed", zap.String("branch", branchName), zap.String("remote", e.cfg.Remote))
	return nil
}

// RemoteURL returns the first URL of the configured remote.
func (e *Engine) RemoteURL() (string, error) {
	repo, err := git.PlainOpen(e.cfg.RepoDir)
	if err != nil {
		return "", fmt.Errorf("opening repository: %w", err)
	}
	remote, err := repo.Remote(e.cfg.Remote)
	if errors.Is(err, git.ErrRemoteNotFound) {
		return "", fmt.Errorf("remote %s not configured", e.cfg.Remote)
	}
	if err != nil {
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %s has no URL", e.cfg.Remote)
	}
	return strings.TrimSpace(urls[0]), nil
}
