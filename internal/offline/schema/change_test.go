package schema

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRecord(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	bm := &Bookmark{
		Meta:       Meta{ID: "bm-1", UpdatedAt: time.Date(2026, 1, 10, 8, 0, 0, 0, loc), Synced: true},
		DocumentID: "doc-1",
		Page:       7,
		Title:      "Chapter 2",
	}

	payload, err := EncodeRecord(bm)
	if err != nil {
		t.Fatalf("EncodeRecord() failed: %v", err)
	}

	rec, err := DecodeRecord(KindBookmark, payload)
	if err != nil {
		t.Fatalf("DecodeRecord() failed: %v", err)
	}

	got, ok := rec.(*Bookmark)
	if !ok {
		t.Fatalf("DecodeRecord() returned %T, want *Bookmark", rec)
	}
	if got.Title != "Chapter 2" || got.Page != 7 {
		t.Errorf("decoded bookmark = %+v", got)
	}
	if got.Synced {
		t.Error("synced flag must not travel in payloads")
	}
	if got.UpdatedAt.Location() != time.UTC {
		t.Errorf("UpdatedAt location = %v, want UTC", got.UpdatedAt.Location())
	}
}

func TestEncodeRecord_LeavesCallerUntouched(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	at := time.Date(2026, 1, 10, 8, 0, 0, 0, loc)
	c := &Comment{
		Meta:       Meta{ID: "c-1", UpdatedAt: at},
		DocumentID: "doc-1",
		Page:       2,
		Body:       "see figure 3",
	}

	payload, err := EncodeRecord(c)
	if err != nil {
		t.Fatalf("EncodeRecord() failed: %v", err)
	}
	if c.UpdatedAt.Location() != loc {
		t.Errorf("caller UpdatedAt location = %v, want %v", c.UpdatedAt.Location(), loc)
	}
	if !c.UpdatedAt.Equal(at) {
		t.Errorf("caller UpdatedAt = %v, want %v", c.UpdatedAt, at)
	}

	utc := *c
	utc.UpdatedAt = at.UTC()
	want, err := EncodeRecord(&utc)
	if err != nil {
		t.Fatalf("EncodeRecord() failed: %v", err)
	}
	if string(payload) != string(want) {
		t.Errorf("payload = %s, want %s", payload, want)
	}
}

func TestDecodeRecord_UnknownKind(t *testing.T) {
	_, err := DecodeRecord("annotation", []byte(`{}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("DecodeRecord() error = %v, want ErrUnknownKind", err)
	}
}

func TestSyncChange_Record(t *testing.T) {
	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	t.Run("delete without payload yields tombstone", func(t *testing.T) {
		c := SyncChange{ID: "ch-1", Kind: KindTag, EntityID: "tag-1", Op: OpDelete, Timestamp: ts}
		if err := c.Validate(); err != nil {
			t.Fatalf("Validate() failed: %v", err)
		}
		rec, err := c.Record()
		if err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
		h := rec.Header()
		if h.ID != "tag-1" || !h.Deleted || !h.UpdatedAt.Equal(ts) {
			t.Errorf("tombstone header = %+v", h)
		}
	})

	t.Run("change timestamp wins over payload timestamp", func(t *testing.T) {
		c := SyncChange{
			ID: "ch-2", Kind: KindTag, EntityID: "tag-1", Op: OpUpsert, Timestamp: ts,
			Payload: []byte(`{"id":"tag-1","name":"sci-fi","updated_at":"2020-01-01T00:00:00Z"}`),
		}
		rec, err := c.Record()
		if err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
		if !rec.Header().UpdatedAt.Equal(ts) {
			t.Errorf("UpdatedAt = %v, want %v", rec.Header().UpdatedAt, ts)
		}
	})

	t.Run("mismatched id is rejected", func(t *testing.T) {
		c := SyncChange{
			ID: "ch-3", Kind: KindTag, EntityID: "tag-1", Op: OpUpsert, Timestamp: ts,
			Payload: []byte(`{"id":"tag-2","name":"x"}`),
		}
		if _, err := c.Record(); err == nil {
			t.Fatal("Record() should reject mismatched ids")
		}
	})

	t.Run("upsert requires payload", func(t *testing.T) {
		c := SyncChange{ID: "ch-4", Kind: KindTag, EntityID: "tag-1", Op: OpUpsert, Timestamp: ts}
		if err := c.Validate(); err == nil {
			t.Fatal("Validate() should require a payload for upserts")
		}
	})
}

func TestChangeFor_And_JobRoundTrip(t *testing.T) {
	now := time.Now()
	tag := &Tag{Meta: Meta{ID: "tag-1", UpdatedAt: now, Deleted: true}, Name: "old"}

	change, err := ChangeFor(tag, OriginLocal)
	if err != nil {
		t.Fatalf("ChangeFor() failed: %v", err)
	}
	if change.Op != OpDelete {
		t.Errorf("Op = %q, want delete", change.Op)
	}

	job := JobFromChange(change, 5, now)
	if err := job.Validate(); err != nil {
		t.Fatalf("job.Validate() failed: %v", err)
	}
	back := job.Change()
	if back.ID != change.ID || back.EntityID != "tag-1" || !back.Timestamp.Equal(change.Timestamp) {
		t.Errorf("job.Change() = %+v, want %+v", back, change)
	}
}
