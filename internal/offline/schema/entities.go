package schema

import (
	"fmt"
	"strings"
	"time"
)

// Document formats the reader can open.
const (
	FormatPDF  = "pdf"
	FormatEPUB = "epub"
	FormatDOCX = "docx"
)

// Share permissions.
const (
	PermissionView    = "view"
	PermissionComment = "comment"
	PermissionEdit    = "edit"
)

// Document is the library entry for one file.
type Document struct {
	Meta
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Format    string `json:"format"`
	PageCount int    `json:"page_count,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

func (d *Document) Kind() Kind          { return KindDocument }
func (d *Document) DocumentRef() string { return d.ID }

// Validate checks if the Document has valid field values.
func (d *Document) Validate() error {
	if err := d.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(d.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(d.Title))
	}
	switch d.Format {
	case FormatPDF, FormatEPUB, FormatDOCX:
	default:
		return fmt.Errorf("invalid format: %q", d.Format)
	}
	if d.PageCount < 0 {
		return fmt.Errorf("page_count cannot be negative")
	}
	return nil
}

// Page holds extracted text of one page. Pages are derived locally from the
// native renderer and are not pushed to the server.
type Page struct {
	Meta
	DocumentID string `json:"document_id"`
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// PageID returns the deterministic id of a document page.
func PageID(documentID string, page int) string {
	return fmt.Sprintf("%s:%d", documentID, page)
}

func (p *Page) Kind() Kind          { return KindPage }
func (p *Page) DocumentRef() string { return p.DocumentID }

// Validate checks if the Page has valid field values.
func (p *Page) Validate() error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if p.PageNumber < 1 {
		return fmt.Errorf("page_number must be >= 1 (got %d)", p.PageNumber)
	}
	return nil
}

// Bookmark marks a page of a document.
type Bookmark struct {
	Meta
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id,omitempty"`
	Page       int    `json:"page"`
	Title      string `json:"title,omitempty"`
	Note       string `json:"note,omitempty"`
}

func (b *Bookmark) Kind() Kind          { return KindBookmark }
func (b *Bookmark) DocumentRef() string { return b.DocumentID }

// Validate checks if the Bookmark has valid field values.
func (b *Bookmark) Validate() error {
	if err := b.validate(); err != nil {
		return err
	}
	if b.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if b.Page < 1 {
		return fmt.Errorf("page must be >= 1 (got %d)", b.Page)
	}
	return nil
}

// Comment is an annotation on a page. Comments merge append-only.
type Comment struct {
	Meta
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id,omitempty"`
	Page       int       `json:"page"`
	Anchor     string    `json:"anchor,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

func (c *Comment) Kind() Kind          { return KindComment }
func (c *Comment) DocumentRef() string { return c.DocumentID }

// Validate checks if the Comment has valid field values.
func (c *Comment) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if c.Page < 1 {
		return fmt.Errorf("page must be >= 1 (got %d)", c.Page)
	}
	if !c.Deleted && strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("body is required")
	}
	if c.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Tag is a user-level label.
type Tag struct {
	Meta
	OwnerID string `json:"owner_id,omitempty"`
	Name    string `json:"name"`
	Color   string `json:"color,omitempty"`
}

func (t *Tag) Kind() Kind          { return KindTag }
func (t *Tag) DocumentRef() string { return "" }

// Validate checks if the Tag has valid field values.
func (t *Tag) Validate() error {
	if err := t.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(t.Name) > 100 {
		return fmt.Errorf("name must be 100 characters or less (got %d)", len(t.Name))
	}
	return nil
}

// DocumentTag attaches a tag to a document.
type DocumentTag struct {
	Meta
	DocumentID string `json:"document_id"`
	TagID      string `json:"tag_id"`
}

func (dt *DocumentTag) Kind() Kind          { return KindDocumentTag }
func (dt *DocumentTag) DocumentRef() string { return dt.DocumentID }

// Validate checks if the DocumentTag has valid field values.
func (dt *DocumentTag) Validate() error {
	if err := dt.validate(); err != nil {
		return err
	}
	if dt.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if dt.TagID == "" {
		return fmt.Errorf("tag_id is required")
	}
	return nil
}

// Share grants another user access to a document.
type Share struct {
	Meta
	DocumentID string     `json:"document_id"`
	OwnerID    string     `json:"owner_id,omitempty"`
	GranteeID  string     `json:"grantee_id"`
	Permission string     `json:"permission"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (s *Share) Kind() Kind          { return KindShare }
func (s *Share) DocumentRef() string { return s.DocumentID }

// Validate checks if the Share has valid field values.
func (s *Share) Validate() error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if s.GranteeID == "" {
		return fmt.Errorf("grantee_id is required")
	}
	switch s.Permission {
	case PermissionView, PermissionComment, PermissionEdit:
	default:
		return fmt.Errorf("invalid permission: %q", s.Permission)
	}
	return nil
}

// Expired reports whether the share has expired at t.
func (s *Share) Expired(t time.Time) bool {
	return s.ExpiresAt != nil && !t.Before(*s.ExpiresAt)
}

// ReadingProgress is the last read position of a user in a document.
type ReadingProgress struct {
	Meta
	DocumentID  string  `json:"document_id"`
	UserID      string  `json:"user_id,omitempty"`
	CurrentPage int     `json:"current_page"`
	Percent     float64 `json:"percent"`
}

func (rp *ReadingProgress) Kind() Kind          { return KindProgress }
func (rp *ReadingProgress) DocumentRef() string { return rp.DocumentID }

// Validate checks if the ReadingProgress has valid field values.
func (rp *ReadingProgress) Validate() error {
	if err := rp.validate(); err != nil {
		return err
	}
	if rp.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if rp.CurrentPage < 1 {
		return fmt.Errorf("current_page must be >= 1 (got %d)", rp.CurrentPage)
	}
	if rp.Percent < 0 || rp.Percent > 100 {
		return fmt.Errorf("percent must be between 0 and 100 (got %g)", rp.Percent)
	}
	return nil
}
