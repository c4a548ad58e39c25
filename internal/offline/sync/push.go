package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/events"
	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/remote"
	"github.com/digilib/digisync/internal/offline/schema"
)

// push drains ready jobs in batches. It stops at the first transport
// failure; jobs already claimed are released or nacked first.
func (e *engine) push(ctx context.Context) (PushReport, error) {
	var report PushReport
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		jobs, err := e.queue.Claim(ctx, e.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to claim jobs: %w", err)
		}
		if len(jobs) == 0 {
			return report, nil
		}
		report.Batches++

		if err := e.pushBatch(ctx, jobs, &report); err != nil {
			return report, err
		}
	}
}

func (e *engine) pushBatch(ctx context.Context, jobs []*schema.Job, report *PushReport) error {
	changes := make([]schema.SyncChange, len(jobs))
	byID := make(map[string]*schema.Job, len(jobs))
	for i, j := range jobs {
		changes[i] = j.Change()
		byID[j.ID] = j
	}

	result, err := e.client.PushChanges(ctx, changes)
	if err != nil {
		return e.failBatch(ctx, jobs, err, report)
	}

	for _, id := range result.Accepted {
		j, ok := byID[id]
		if !ok {
			continue
		}
		delete(byID, id)
		if err := e.acknowledge(ctx, j); err != nil {
			return err
		}
		report.Pushed++
	}

	for _, r := range result.Rejected {
		j, ok := byID[r.ID]
		if !ok {
			continue
		}
		delete(byID, r.ID)
		report.Rejected++

		cause := fmt.Errorf("rejected by server: %s", r.Reason)
		if !r.Retryable {
			cause = fmt.Errorf("%w: %s", jobqueue.ErrPermanent, r.Reason)
		}
		if err := e.nack(ctx, j, cause, report); err != nil {
			return err
		}
	}

	// Jobs the server did not mention are retried later.
	for _, j := range jobs {
		if _, ok := byID[j.ID]; !ok {
			continue
		}
		if err := e.nack(ctx, j, errors.New("no response from server for change"), report); err != nil {
			return err
		}
	}
	return nil
}

// acknowledge removes an accepted job and marks its record synced unless a
// newer edit is already queued.
func (e *engine) acknowledge(ctx context.Context, j *schema.Job) error {
	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := jobqueue.AckTx(ctx, tx, j.ID); err != nil && !errors.Is(err, jobqueue.ErrNotFound) {
			return err
		}
		if _, err := db.MarkSyncedTx(ctx, tx, j.Kind, j.EntityID); err != nil {
			return err
		}
		return nil
	})
}

// failBatch handles a push that never reached a verdict.
func (e *engine) failBatch(ctx context.Context, jobs []*schema.Job, cause error, report *PushReport) error {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}

	if abortsSync(cause) {
		// Not the jobs' fault: put them back without counting an attempt.
		rctx, cancel := detached(ctx)
		defer cancel()
		if _, err := e.queue.Release(rctx, ids...); err != nil {
			e.logger.Printf("WARNING: failed to release %d jobs: %v", len(ids), err)
		}
		return fmt.Errorf("push failed: %w", cause)
	}

	if !remote.IsRetryable(cause) {
		cause = fmt.Errorf("%w: %w", jobqueue.ErrPermanent, cause)
	}
	for _, j := range jobs {
		if err := e.nack(ctx, j, cause, report); err != nil {
			return err
		}
	}
	return fmt.Errorf("push failed: %w", cause)
}

func (e *engine) nack(ctx context.Context, j *schema.Job, cause error, report *PushReport) error {
	updated, err := e.queue.Nack(ctx, j.ID, cause)
	if err != nil {
		return fmt.Errorf("failed to nack job %s: %w", j.ID, err)
	}
	if updated.Status == schema.JobFailed {
		report.Failed++
		e.logger.Printf("Job %s (%s %s) failed: %s", j.ID, j.Kind, j.EntityID, updated.LastError)
		e.bus.Publish(events.JobFailed, events.JobData{
			JobID:    j.ID,
			Kind:     string(j.Kind),
			EntityID: j.EntityID,
			Error:    updated.LastError,
		})
		return nil
	}
	report.Retried++
	return nil
}
