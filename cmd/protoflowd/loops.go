package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/watch"
)

// reconciler is the part of the engine the reconcile loop drives.
type reconciler interface {
	ReconcileAll(ctx context.Context) ([]pipeline.ReconcileResult, error)
}

// jobSyncer is the part of the engine the job sync loop drives.
type jobSyncer interface {
	SyncJobs(ctx context.Context) (int, error)
	Jobs() pipeline.JobStore
}

func (a *app) runReconciler(ctx context.Context, wake <-chan struct{}) {
	reconcileLoop(ctx, a.engine, a.cfg.Tasks.ReconcileInterval.Duration(), wake, a.logger.Named("reconciler"))
}

func (a *app) runJobSync(ctx context.Context) {
	if a.cfg.Submit.BaseURL == "" {
		return
	}
	jobSyncLoop(ctx, a.engine, a.cfg.Submit.SyncInterval.Duration(), a.logger.Named("jobsync"))
}

// onRepoEvent logs out-of-band repository changes and wakes the reconciler
// so a finished task is committed without waiting for the next tick.
func (a *app) onRepoEvent(wake chan<- struct{}) func(context.Context, watch.Event) {
	logger := a.logger.Named("watch")
	return func(_ context.Context, ev watch.Event) {
		switch ev.Type {
		case watch.EventBranchSwitch:
			logger.Info("branch switched outside protoflow",
				zap.String("from", ev.OldBranch),
				zap.String("to", ev.NewBranch))
		case watch.EventNewCommit:
			logger.Debug("new commit", zap.String("commit", ev.CommitHash))
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// reconcileLoop commits finished spec tasks every interval and whenever wake
// fires. A non-positive interval disables the ticker.
func reconcileLoop(ctx context.Context, r reconciler, interval time.Duration, wake <-chan struct{}, logger *zap.Logger) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-wake:
		}
		reconcileOnce(ctx, r, logger)
	}
}

func reconcileOnce(ctx context.Context, r reconciler, logger *zap.Logger) {
	results, err := r.ReconcileAll(ctx)
	for _, res := range results {
		fields := []zap.Field{
			zap.String("branch", res.Branch),
			zap.String("stage", string(res.Stage)),
			zap.String("outcome", res.Outcome),
		}
		if res.Error != "" {
			fields = append(fields, zap.String("error", res.Error))
		}
		logger.Info("spec task reconciled", fields...)
	}
	if err != nil {
		logger.Warn("reconcile failed; will retry", zap.Error(err))
	}
}

func jobSyncLoop(ctx context.Context, s jobSyncer, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 || s.Jobs() == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := s.SyncJobs(ctx)
		if n > 0 {
			logger.Info("jobs updated from submission service", zap.Int("updated", n))
		}
		if err != nil {
			logger.Warn("job sync incomplete", zap.Error(err))
		}
	}
}
