package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
)

type countingReconciler struct {
	calls   atomic.Int32
	results []pipeline.ReconcileResult
	err     error
}

func (r *countingReconciler) ReconcileAll(context.Context) ([]pipeline.ReconcileResult, error) {
	r.calls.Add(1)
	return r.results, r.err
}

func TestReconcileLoop_WakeTriggersPass(t *testing.T) {
	r := &countingReconciler{}
	wake := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reconcileLoop(ctx, r, 0, wake, zap.NewNop())
		close(done)
	}()

	wake <- struct{}{}
	assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestReconcileLoop_Ticks(t *testing.T) {
	r := &countingReconciler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconcileLoop(ctx, r, 10*time.Millisecond, nil, zap.NewNop())

	assert.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestReconcileOnce_LogsOutcomes(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := &countingReconciler{
		results: []pipeline.ReconcileResult{
			{Branch: "prototype/a", Stage: "spec", Outcome: pipeline.OutcomeCommitted},
			{Branch: "prototype/b", Stage: "spec", Outcome: pipeline.OutcomeDiscarded, Error: "stale"},
		},
		err: errors.New("prototype/c: git failed"),
	}

	reconcileOnce(context.Background(), r, zap.New(core))

	assert.Equal(t, 2, logs.FilterMessage("spec task reconciled").Len())
	assert.Equal(t, 1, logs.FilterMessage("reconcile failed; will retry").Len())
	discarded := logs.FilterField(zap.String("outcome", pipeline.OutcomeDiscarded)).All()
	if assert.Len(t, discarded, 1) {
		assert.Equal(t, "stale", discarded[0].ContextMap()["error"])
	}
}

type countingSyncer struct {
	calls atomic.Int32
	jobs  pipeline.JobStore
}

func (s *countingSyncer) SyncJobs(context.Context) (int, error) {
	s.calls.Add(1)
	return 1, nil
}

func (s *countingSyncer) Jobs() pipeline.JobStore { return s.jobs }

func TestJobSyncLoop_DisabledWithoutStore(t *testing.T) {
	s := &countingSyncer{}
	done := make(chan struct{})
	go func() {
		jobSyncLoop(context.Background(), s, time.Millisecond, zap.NewNop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop should return immediately without a job store")
	}
	assert.Zero(t, s.calls.Load())
}
