package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an entity type. It doubles as the record table key.
type Kind string

const (
	KindDocument    Kind = "document"
	KindPage        Kind = "page"
	KindBookmark    Kind = "bookmark"
	KindComment     Kind = "comment"
	KindTag         Kind = "tag"
	KindDocumentTag Kind = "document_tag"
	KindShare       Kind = "share"
	KindProgress    Kind = "reading_progress"
)

// Kinds lists every known entity kind in a stable order.
var Kinds = []Kind{
	KindDocument,
	KindPage,
	KindBookmark,
	KindComment,
	KindTag,
	KindDocumentTag,
	KindShare,
	KindProgress,
}

// IsValid reports whether k is a known entity kind.
func (k Kind) IsValid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ErrUnknownKind is returned when decoding a payload of an unknown kind.
var ErrUnknownKind = errors.New("unknown record kind")

// Meta holds the fields every record carries.
type Meta struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted,omitempty"`

	// Synced is local bookkeeping: true once the server has this version.
	Synced bool `json:"-"`
}

// Header returns the record metadata. Embedding Meta gives every entity
// this method.
func (m *Meta) Header() *Meta {
	return m
}

func (m *Meta) validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Record is implemented by every synchronized entity.
type Record interface {
	Kind() Kind
	Header() *Meta
	// DocumentRef returns the owning document id ("" for user-level
	// entities such as tags).
	DocumentRef() string
	Validate() error
}

// NewID returns a new time-ordered UUID, falling back to a random one.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// New returns an empty record of the given kind.
func New(kind Kind) (Record, error) {
	switch kind {
	case KindDocument:
		return &Document{}, nil
	case KindPage:
		return &Page{}, nil
	case KindBookmark:
		return &Bookmark{}, nil
	case KindComment:
		return &Comment{}, nil
	case KindTag:
		return &Tag{}, nil
	case KindDocumentTag:
		return &DocumentTag{}, nil
	case KindShare:
		return &Share{}, nil
	case KindProgress:
		return &ReadingProgress{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// DecodeRecord parses a JSON payload into a record of the given kind.
func DecodeRecord(kind Kind, payload []byte) (Record, error) {
	rec, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return rec, nil
}

// EncodeRecord serializes a record payload. Timestamps are normalized to UTC
// so payloads from different devices compare byte for byte.
// The caller's record is left untouched.
func EncodeRecord(rec Record) ([]byte, error) {
	out := rec
	if h := rec.Header(); h.UpdatedAt.Location() != time.UTC {
		out = shallowCopy(rec)
		out.Header().UpdatedAt = h.UpdatedAt.UTC()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", rec.Kind(), rec.Header().ID, err)
	}
	return data, nil
}

// shallowCopy returns a new record with the same field values. Entities are
// pointers to structs.
func shallowCopy(rec Record) Record {
	v := reflect.ValueOf(rec).Elem()
	cp := reflect.New(v.Type())
	cp.Elem().Set(v)
	return cp.Interface().(Record)
}
