package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is the mutation carried by a change.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Origins of a change.
const (
	OriginLocal  = "local"
	OriginServer = "server"
)

// SyncChange is one entry of a server manifest, or one local mutation being
// pushed to the server.
type SyncChange struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	EntityID  string          `json:"entity_id"`
	Op        Op              `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
}

// Validate checks if the SyncChange has valid field values.
func (c *SyncChange) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !c.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	if c.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	switch c.Op {
	case OpUpsert:
		if len(c.Payload) == 0 {
			return fmt.Errorf("payload is required for upsert")
		}
	case OpDelete:
	default:
		return fmt.Errorf("invalid op: %q", c.Op)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Record decodes the change payload. For deletes without a payload a bare
// tombstone carrying only id and timestamp is returned.
func (c *SyncChange) Record() (Record, error) {
	var (
		rec Record
		err error
	)
	if len(c.Payload) == 0 {
		rec, err = New(c.Kind)
	} else {
		rec, err = DecodeRecord(c.Kind, c.Payload)
	}
	if err != nil {
		return nil, err
	}

	h := rec.Header()
	if h.ID == "" {
		h.ID = c.EntityID
	}
	if h.ID != c.EntityID {
		return nil, fmt.Errorf("payload id %q does not match entity_id %q", h.ID, c.EntityID)
	}
	h.UpdatedAt = c.Timestamp
	if c.Op == OpDelete {
		h.Deleted = true
	}
	return rec, nil
}

// ChangeFor builds a change describing rec.
func ChangeFor(rec Record, origin string) (*SyncChange, error) {
	payload, err := EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	h := rec.Header()
	op := OpUpsert
	if h.Deleted {
		op = OpDelete
	}
	return &SyncChange{
		ID:        NewID(),
		Kind:      rec.Kind(),
		EntityID:  h.ID,
		Op:        op,
		Payload:   payload,
		Timestamp: h.UpdatedAt.UTC(),
		Origin:    origin,
	}, nil
}

// ValidateRecord validates rec. Tombstones only need their metadata.
func ValidateRecord(rec Record) error {
	h := rec.Header()
	if h.Deleted {
		return h.validate()
	}
	return rec.Validate()
}

// Manifest is the server's list of changes since a checkpoint.
type Manifest struct {
	Since      time.Time    `json:"since"`
	Checkpoint time.Time    `json:"checkpoint"`
	Changes    []SyncChange `json:"changes"`
	NextCursor string       `json:"next_cursor,omitempty"`
	HasMore    bool         `json:"has_more"`
}
