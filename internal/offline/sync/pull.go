package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digilib/digisync/internal/offline/conflict"
	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/events"
	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/schema"
)

// pull fetches and applies manifest pages until the server has no more.
func (e *engine) pull(ctx context.Context) (PullReport, error) {
	var report PullReport

	since, err := e.db.GetTimeMeta(ctx, db.MetaCheckpoint)
	if err != nil {
		return report, err
	}
	cursor, err := e.db.GetMeta(ctx, db.MetaCursor)
	if err != nil {
		return report, err
	}
	report.Checkpoint = since

	for page := 0; page < e.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		m, err := e.client.FetchManifest(ctx, since, cursor, e.cfg.ManifestLimit)
		if err != nil {
			return report, fmt.Errorf("failed to fetch manifest: %w", err)
		}
		report.Pages++

		published, err := e.applyManifest(ctx, m, &report)
		if err != nil {
			return report, err
		}
		for _, ev := range published {
			e.bus.Publish(ev.typ, ev.data)
		}

		if !m.HasMore {
			if !m.Checkpoint.IsZero() {
				report.Checkpoint = m.Checkpoint
			}
			return report, nil
		}
		if m.NextCursor == "" || m.NextCursor == cursor {
			return report, fmt.Errorf("server returned has_more without advancing the cursor")
		}
		cursor = m.NextCursor
	}

	e.logger.Printf("Pull stopped after %d pages; resuming next sync", e.cfg.MaxPages)
	return report, nil
}

type pendingEvent struct {
	typ  events.Type
	data any
}

// applyManifest applies one manifest page and advances the checkpoint in a
// single transaction. Events are returned for publishing after commit.
func (e *engine) applyManifest(ctx context.Context, m *schema.Manifest, report *PullReport) ([]pendingEvent, error) {
	var (
		published []pendingEvent
		page      PullReport
	)

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		published = published[:0]
		page = PullReport{}

		for i := range m.Changes {
			ev, err := e.applyChange(ctx, tx, &m.Changes[i], &page)
			if err != nil {
				return err
			}
			published = append(published, ev...)
		}

		if m.HasMore {
			return db.SetMetaTx(ctx, tx, db.MetaCursor, m.NextCursor)
		}
		if !m.Checkpoint.IsZero() {
			if err := db.SetTimeMetaTx(ctx, tx, db.MetaCheckpoint, m.Checkpoint); err != nil {
				return err
			}
		}
		return db.SetMetaTx(ctx, tx, db.MetaCursor, "")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply manifest: %w", err)
	}

	report.Received += page.Received
	report.Applied += page.Applied
	report.Skipped += page.Skipped
	report.KeptLocal += page.KeptLocal
	report.Invalid += page.Invalid
	report.Conflicts += page.Conflicts
	report.DroppedJobs += page.DroppedJobs
	return published, nil
}

func (e *engine) applyChange(ctx context.Context, tx *sql.Tx, c *schema.SyncChange, report *PullReport) ([]pendingEvent, error) {
	report.Received++

	if err := c.Validate(); err != nil {
		report.Invalid++
		e.logger.Printf("Skipping invalid change %s: %v", c.ID, err)
		return nil, nil
	}

	local, err := db.GetRecordTx(ctx, tx, c.Kind, c.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	jobs, err := jobqueue.EntityJobsTx(ctx, tx, c.Kind, c.EntityID)
	if err != nil {
		return nil, err
	}
	pending := len(jobs) > 0

	d, err := e.resolver.Resolve(c, conflict.LocalState{Record: local, Pending: pending})
	if err != nil {
		report.Invalid++
		e.logger.Printf("Skipping change %s: %v", c.ID, err)
		return nil, nil
	}

	var out []pendingEvent
	if pending {
		report.Conflicts++
		out = append(out, pendingEvent{events.ConflictResolved, events.ConflictData{
			Kind:   string(c.Kind),
			ID:     c.EntityID,
			Action: d.Action.String(),
			Reason: d.Reason,
		}})
	}

	switch d.Action {
	case conflict.ApplyRemote:
		remaining := len(jobs)
		if d.DropPendingJobs {
			n, err := jobqueue.DropPendingForEntityTx(ctx, tx, c.Kind, c.EntityID)
			if err != nil {
				return nil, err
			}
			report.DroppedJobs += n
			remaining -= n
		}
		// An in-flight push for the entity is still unresolved.
		if err := db.PutRecordTx(ctx, tx, d.Record, remaining == 0); err != nil {
			return nil, err
		}
		report.Applied++

		h := d.Record.Header()
		out = append(out, pendingEvent{events.RecordChanged, events.RecordData{
			Kind:       string(c.Kind),
			ID:         h.ID,
			DocumentID: d.Record.DocumentRef(),
			Deleted:    h.Deleted,
			Origin:     schema.OriginServer,
		}})

	case conflict.Skip:
		if _, err := db.MarkSyncedTx(ctx, tx, c.Kind, c.EntityID); err != nil {
			return nil, err
		}
		report.Skipped++

	case conflict.KeepLocal:
		report.KeptLocal++
	}
	return out, nil
}
