// Package schema defines the entity data model shared by the offline core.
//
// # Overview
//
// Every entity the reader app synchronizes (documents, pages, bookmarks,
// comments, tags, document tags, shares and reading progress) is a Record.
// Records are flat JSON objects carrying an id, the owning document, an
// updated_at timestamp and a deleted tombstone flag:
//
//	{
//	  "id": "0190f5a4-...",
//	  "document_id": "0190f5a3-...",
//	  "page": 12,
//	  "title": "Definitions",
//	  "note": "see also chapter 4",
//	  "updated_at": "2026-01-10T07:36:29.120Z"
//	}
//
// The synced flag is local state and never leaves the device.
//
// # Changes and jobs
//
// A SyncChange is one entry of the server manifest (or one mutation pushed
// to it). A Job is a SyncChange waiting in the local queue, with delivery
// bookkeeping (attempts, backoff, status).
//
// # Usage
//
//	bm := &schema.Bookmark{DocumentID: docID, Page: 12, Title: "Definitions"}
//	bm.ID = schema.NewID()
//	bm.UpdatedAt = time.Now()
//	payload, err := schema.EncodeRecord(bm)
//
//	rec, err := schema.DecodeRecord(schema.KindBookmark, payload)
package schema
