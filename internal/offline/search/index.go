// Package search queries the local full-text index.
//
// The index itself (search_idx, an FTS5 table) is maintained by triggers on
// the records table, so every local edit and every applied remote change is
// searchable as soon as its transaction commits. This package only reads it,
// plus maintenance: Rebuild and Optimize.
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/schema"
)

// ErrEmptyQuery is returned when a query has no searchable terms.
var ErrEmptyQuery = errors.New("empty search query")

const (
	// DefaultLimit is used when Options.Limit is 0.
	DefaultLimit = 20

	// MaxTerms caps the number of terms taken from user input.
	MaxTerms = 16

	highlightOpen  = "["
	highlightClose = "]"
	ellipsis       = "…"
	snippetTokens  = 8
)

// Options narrows a search.
type Options struct {
	// DocumentID restricts hits to one document (empty = all)
	DocumentID string
	// Kinds restricts hits to these entity kinds (empty = all)
	Kinds []schema.Kind
	// Limit caps the number of hits (0 = DefaultLimit)
	Limit int
	// Raw passes the query to FTS5 unchanged instead of through
	// BuildMatchQuery.
	Raw bool
}

// Hit is one search result.
type Hit struct {
	Kind       schema.Kind `json:"kind" yaml:"kind"`
	RecordID   string      `json:"record_id" yaml:"record_id"`
	DocumentID string      `json:"document_id,omitempty" yaml:"document_id,omitempty"`
	Page       int         `json:"page,omitempty" yaml:"page,omitempty"`
	Title      string      `json:"title,omitempty" yaml:"title,omitempty"`
	Snippet    string      `json:"snippet" yaml:"snippet"`
	// Score is the bm25 rank; lower is better.
	Score float64 `json:"score" yaml:"score"`
}

// Index is the local search index.
type Index struct {
	db *db.DB
}

// New returns an index over an initialized database.
func New(database *db.DB) *Index {
	return &Index{db: database}
}

// Search runs a ranked full-text query. Titles weigh ten times more than
// bodies.
func (ix *Index) Search(ctx context.Context, query string, opts Options) ([]Hit, error) {
	match := query
	if !opts.Raw {
		var err error
		match, err = BuildMatchQuery(query)
		if err != nil {
			return nil, err
		}
	} else if strings.TrimSpace(match) == "" {
		return nil, ErrEmptyQuery
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	sqlQuery := fmt.Sprintf(`
	SELECT kind, record_id, document_id, page, title,
		snippet(search_idx, -1, '%s', '%s', '%s', %d),
		bm25(search_idx, 0.0, 0.0, 0.0, 0.0, 10.0, 1.0) AS score
	FROM search_idx
	WHERE search_idx MATCH ?`, highlightOpen, highlightClose, ellipsis, snippetTokens)
	args := []any{match}

	if opts.DocumentID != "" {
		sqlQuery += ` AND document_id = ?`
		args = append(args, opts.DocumentID)
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		sqlQuery += ` AND kind IN (` + strings.Join(placeholders, ", ") + `)`
	}
	sqlQuery += ` ORDER BY score ASC, kind ASC, record_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := ix.db.RawDB().QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search %q failed: %w", match, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var kind string
		var page sql.NullInt64
		if err := rows.Scan(&kind, &h.RecordID, &h.DocumentID, &page, &h.Title, &h.Snippet, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		h.Kind = schema.Kind(kind)
		h.Page = int(page.Int64)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hits: %w", err)
	}
	return hits, nil
}

// BuildMatchQuery turns free text into an FTS5 expression. Every term is
// quoted so operators and punctuation in user input are taken literally,
// terms are ANDed, and the last term matches as a prefix so results follow
// the user while typing.
func BuildMatchQuery(input string) (string, error) {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"`)
		if f == "" || !hasWordRune(f) {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
		if len(terms) == MaxTerms {
			break
		}
	}
	if len(terms) == 0 {
		return "", ErrEmptyQuery
	}
	terms[len(terms)-1] += "*"
	return strings.Join(terms, " "), nil
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// Rebuild repopulates the index from the records table. Returns the number
// of indexed rows.
func (ix *Index) Rebuild(ctx context.Context) (int, error) {
	err := ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM search_idx`); err != nil {
			return fmt.Errorf("failed to clear search index: %w", err)
		}
		if _, err := tx.ExecContext(ctx, db.SearchInsertSQL("r", "FROM records r")); err != nil {
			return fmt.Errorf("failed to rebuild search index: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ix.Count(ctx)
}

// Optimize merges the index b-trees into one segment.
func (ix *Index) Optimize(ctx context.Context) error {
	if _, err := ix.db.RawDB().ExecContext(ctx, `INSERT INTO search_idx(search_idx) VALUES('optimize')`); err != nil {
		return fmt.Errorf("failed to optimize search index: %w", err)
	}
	return nil
}

// Count returns the number of indexed rows.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.RawDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM search_idx`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count search index: %w", err)
	}
	return n, nil
}
