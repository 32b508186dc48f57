// Package orchestrator implements the top-level run loop (§4.J): drain
// the source stream, submit one processor task per entity to the worker
// pool under backpressure, and finalize progress with the run's terminal
// status — COMPLETED, CANCELLED, or FAILED — on every exit path.
//
// Grounded on coordinator/coordinator.go's top-level lifecycle shape
// (context+cancel pair, wait-group-bounded goroutines, callback-free
// linear run loop) and worker/pool.go's submit-then-drain pattern, now
// routed through workerpool.Pool instead of the teacher's raw channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"syncmesh.dev/engine/ledger"
	"syncmesh.dev/engine/processor"
	"syncmesh.dev/engine/progress"
	"syncmesh.dev/engine/runctx"
	"syncmesh.dev/engine/workerpool"
)

// Run drives one sync to completion using rc (built by runctx.Builder) and
// pool (shared across runs by the caller, or built fresh per run). It
// never panics out of a per-entity failure (§7); it returns a non-nil
// error only for run-ending conditions: the source stream failing, the
// context being cancelled, or the worker pool failing to drain in time.
func Run(ctx context.Context, rc *runctx.Context, pool *workerpool.Pool, ledgr ledger.Ledger, syncID, syncJobID, whiteLabelID string) error {
	log := rc.Log
	proc := processor.New(processor.Deps{
		Ledger:       ledgr,
		Router:       rc.Router,
		Model:        rc.Model,
		Destinations: rc.Destinations,
		Tracker:      rc.Tracker,
		SourceNodeID: rc.SourceNodeID,
		Log:          log,
	})

	runErr := drain(ctx, rc, pool, proc, syncID, syncJobID, whiteLabelID, log)

	drainErr := pool.Close()
	if runErr == nil {
		runErr = drainErr
	}

	status, errStr := finalStatus(ctx, runErr)
	if runErr == nil {
		if err := deleteMissing(ctx, rc, ledgr, syncID, proc, log); err != nil {
			log.WithError(err).Warn("orchestrator: delete-missing pass failed")
		}
	}
	rc.Tracker.Finalize(context.Background(), status, errStr)

	if runErr != nil {
		return fmt.Errorf("orchestrator: run failed: %w", runErr)
	}
	return nil
}

// drain pulls entities off rc.Stream and submits one processor task per
// entity, per §4.J. A source-stream error or a cancelled context ends the
// loop; an individual entity's processing failure never does (the
// Processor itself swallows those, §4.G).
func drain(ctx context.Context, rc *runctx.Context, pool *workerpool.Pool, proc *processor.Processor, syncID, syncJobID, whiteLabelID string, log *logrus.Entry) error {
	sourceName := rc.Source.ShortName()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		e, ok, err := rc.Stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("source stream: %w", err)
		}
		if !ok {
			return nil
		}

		entityCopy := e
		submitErr := pool.Submit(ctx, entityCopy.EntityID, func(taskCtx context.Context) error {
			return proc.Process(taskCtx, syncID, syncJobID, sourceName, whiteLabelID, entityCopy)
		})
		if submitErr != nil {
			return fmt.Errorf("submit entity %s: %w", entityCopy.EntityID, submitErr)
		}
	}
}

func finalStatus(ctx context.Context, runErr error) (progress.JobStatus, string) {
	switch {
	case runErr == nil:
		return progress.StatusCompleted, ""
	case errors.Is(runErr, context.Canceled):
		return progress.StatusCancelled, ""
	default:
		return progress.StatusFailed, runErr.Error()
	}
}

// deleteMissing runs the end-of-run DELETE-detection pass (§9 Open
// Questions): every ledger row for syncID whose entity id was never
// observed this run is stale. Dropping the ledger row alone isn't enough
// to satisfy §3's "a record exists iff the entity is represented in every
// destination" invariant, so each stale id is also purged from every
// destination, mirroring the persist pattern in processor.go, with a
// "deleted" counter bump per row so the delta tracker reflects it.
func deleteMissing(ctx context.Context, rc *runctx.Context, ledgr ledger.Ledger, syncID string, proc *processor.Processor, log *logrus.Entry) error {
	observed := proc.ObservedEntityIDs()
	deletedIDs, err := ledgr.DeleteMissing(ctx, syncID, observed)
	if err != nil {
		return fmt.Errorf("ledger delete missing: %w", err)
	}
	if len(deletedIDs) == 0 {
		return nil
	}

	for _, dest := range rc.Destinations {
		if err := dest.BulkDelete(ctx, deletedIDs, syncID); err != nil {
			return fmt.Errorf("bulk delete missing: %w", err)
		}
	}
	// The ledger doesn't retain entity type, so per-type delete totals in
	// the state tracker stay approximate for this pass (§4.I "best effort").
	for _, id := range deletedIDs {
		rc.Tracker.Increment(ctx, "deleted", "", id)
	}
	log.WithField("deleted_count", len(deletedIDs)).Info("orchestrator: delete-missing pass complete")
	return nil
}
