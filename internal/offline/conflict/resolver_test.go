package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digilib/digisync/internal/offline/schema"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func bookmark(title string, at time.Time) *schema.Bookmark {
	return &schema.Bookmark{
		Meta:       schema.Meta{ID: "bm-1", UpdatedAt: at},
		DocumentID: "doc-1",
		UserID:     "user-1",
		Page:       1,
		Title:      title,
	}
}

func comment(body string, at time.Time) *schema.Comment {
	return &schema.Comment{
		Meta:       schema.Meta{ID: "c-1", UpdatedAt: at},
		DocumentID: "doc-1",
		UserID:     "user-1",
		Page:       2,
		Body:       body,
		CreatedAt:  t0,
	}
}

func upsert(t *testing.T, rec schema.Record) *schema.SyncChange {
	t.Helper()
	payload, err := schema.EncodeRecord(rec)
	require.NoError(t, err)
	h := rec.Header()
	return &schema.SyncChange{
		ID:        schema.NewID(),
		Kind:      rec.Kind(),
		EntityID:  h.ID,
		Op:        schema.OpUpsert,
		Payload:   json.RawMessage(payload),
		Timestamp: h.UpdatedAt,
		Origin:    schema.OriginServer,
	}
}

func remove(kind schema.Kind, id string, at time.Time) *schema.SyncChange {
	return &schema.SyncChange{
		ID:        schema.NewID(),
		Kind:      kind,
		EntityID:  id,
		Op:        schema.OpDelete,
		Timestamp: at,
		Origin:    schema.OriginServer,
	}
}

func TestResolve_LWW(t *testing.T) {
	r := New()

	tests := []struct {
		name       string
		remote     schema.Record
		local      schema.Record
		pending    bool
		wantAction Action
		wantDrop   bool
	}{
		{"unknown locally", bookmark("remote", t0), nil, false, ApplyRemote, false},
		{"remote newer", bookmark("remote", t0.Add(time.Second)), bookmark("local", t0), false, ApplyRemote, false},
		{"remote newer drops pending", bookmark("remote", t0.Add(time.Second)), bookmark("local", t0), true, ApplyRemote, true},
		{"local newer", bookmark("remote", t0), bookmark("local", t0.Add(time.Second)), true, KeepLocal, false},
		{"tie goes to server", bookmark("remote", t0), bookmark("local", t0), true, ApplyRemote, true},
		{"identical is skipped", bookmark("same", t0), bookmark("same", t0), false, Skip, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Resolve(upsert(t, tt.remote), LocalState{Record: tt.local, Pending: tt.pending})
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, d.Action, d.Reason)
			assert.Equal(t, tt.wantDrop, d.DropPendingJobs)
			if d.Action == ApplyRemote {
				require.NotNil(t, d.Record)
				assert.Equal(t, "remote", d.Record.(*schema.Bookmark).Title)
			}
		})
	}
}

func TestResolve_LWWDelete(t *testing.T) {
	r := New()

	d, err := r.Resolve(remove(schema.KindBookmark, "bm-1", t0.Add(time.Minute)),
		LocalState{Record: bookmark("local", t0), Pending: true})
	require.NoError(t, err)
	assert.Equal(t, ApplyRemote, d.Action)
	assert.True(t, d.DropPendingJobs)
	assert.True(t, d.Record.Header().Deleted)

	// An older delete loses to a newer local edit
	d, err = r.Resolve(remove(schema.KindBookmark, "bm-1", t0),
		LocalState{Record: bookmark("local", t0.Add(time.Minute))})
	require.NoError(t, err)
	assert.Equal(t, KeepLocal, d.Action)
}

func TestResolve_AppendOnly(t *testing.T) {
	r := New()
	require.Equal(t, AppendOnly, r.PolicyFor(schema.KindComment))

	t.Run("body follows LWW", func(t *testing.T) {
		remote := comment("remote body", t0.Add(time.Second))
		remote.CreatedAt = t0.Add(time.Hour)
		d, err := r.Resolve(upsert(t, remote), LocalState{Record: comment("local body", t0)})
		require.NoError(t, err)
		assert.Equal(t, ApplyRemote, d.Action)
		got := d.Record.(*schema.Comment)
		assert.Equal(t, "remote body", got.Body)
		assert.True(t, got.CreatedAt.Equal(t0), "earliest creation time is kept")
	})

	t.Run("older remote edit loses", func(t *testing.T) {
		d, err := r.Resolve(upsert(t, comment("remote body", t0)),
			LocalState{Record: comment("local body", t0.Add(time.Second)), Pending: true})
		require.NoError(t, err)
		assert.Equal(t, KeepLocal, d.Action)
	})

	t.Run("local tombstone is sticky", func(t *testing.T) {
		local := comment("gone", t0)
		local.Deleted = true
		d, err := r.Resolve(upsert(t, comment("edited later", t0.Add(time.Hour))), LocalState{Record: local, Pending: true})
		require.NoError(t, err)
		assert.Equal(t, KeepLocal, d.Action)
		assert.False(t, d.DropPendingJobs)
	})

	t.Run("remote delete wins over newer local edit", func(t *testing.T) {
		d, err := r.Resolve(remove(schema.KindComment, "c-1", t0),
			LocalState{Record: comment("edited", t0.Add(time.Hour)), Pending: true})
		require.NoError(t, err)
		assert.Equal(t, ApplyRemote, d.Action)
		assert.True(t, d.DropPendingJobs)
		assert.True(t, d.Record.Header().Deleted)
		assert.True(t, d.Record.Header().UpdatedAt.Equal(t0), "tombstone keeps its own timestamp")
	})

	t.Run("repeated delete is skipped", func(t *testing.T) {
		local := comment("gone", t0.Add(time.Minute))
		local.Deleted = true
		d, err := r.Resolve(remove(schema.KindComment, "c-1", t0), LocalState{Record: local})
		require.NoError(t, err)
		assert.Equal(t, Skip, d.Action)
	})
}

func TestResolve_InvalidRemote(t *testing.T) {
	r := New()

	c := upsert(t, bookmark("x", t0))
	c.Timestamp = time.Time{}
	_, err := r.Resolve(c, LocalState{})
	assert.Error(t, err)

	bad := bookmark("x", t0)
	bad.DocumentID = ""
	_, err = r.Resolve(upsert(t, bad), LocalState{})
	assert.Error(t, err)
}

func TestCheckLocal(t *testing.T) {
	r := New()

	assert.NoError(t, r.CheckLocal(bookmark("a", t0), nil))
	assert.NoError(t, r.CheckLocal(bookmark("b", t0.Add(time.Second)), bookmark("a", t0)))
	assert.ErrorIs(t, r.CheckLocal(bookmark("a", t0), bookmark("b", t0.Add(time.Second))), ErrStale)

	// Equal timestamps: exactly one ordering is accepted
	errAB := r.CheckLocal(bookmark("a", t0), bookmark("b", t0))
	errBA := r.CheckLocal(bookmark("b", t0), bookmark("a", t0))
	assert.True(t, (errAB == nil) != (errBA == nil), "tie-break must be asymmetric")

	// Append-only: deleting a live comment always succeeds, edits after
	// delete fail, tombstones follow LWW
	del := comment("x", t0)
	del.Deleted = true
	assert.NoError(t, r.CheckLocal(del, comment("x", t0.Add(time.Hour))))
	assert.True(t, del.UpdatedAt.Equal(t0))

	tomb := comment("x", t0)
	tomb.Deleted = true
	assert.ErrorIs(t, r.CheckLocal(comment("y", t0.Add(time.Hour)), tomb), ErrDeleted)

	later := comment("x", t0.Add(time.Minute))
	later.Deleted = true
	assert.NoError(t, r.CheckLocal(later, tomb))
	assert.ErrorIs(t, r.CheckLocal(tomb, later), ErrStale)
}

func TestPolicyOverride(t *testing.T) {
	r := New()
	r.SetPolicy(schema.KindTag, AppendOnly)
	assert.Equal(t, AppendOnly, r.PolicyFor(schema.KindTag))
	assert.Equal(t, LWW, r.PolicyFor(schema.KindShare))
	assert.Equal(t, "append-only", AppendOnly.String())
	assert.Equal(t, "keep-local", KeepLocal.String())
}
