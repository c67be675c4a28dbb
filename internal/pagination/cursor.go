// Package pagination implements opaque keyset cursors for newest-first
// listings ordered by (created_at, id).
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
)

// ErrInvalidCursor is returned for a cursor the server did not issue.
var ErrInvalidCursor = fmt.Errorf("%w: invalid cursor", apperr.ErrInvalidInput)

// Cursor is the position of the last row a client has seen.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// String encodes the cursor for a client.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse decodes a cursor. An empty string means the first page and
// returns nil.
func Parse(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Includes reports whether a row sorts strictly after c in newest-first
// order. A nil cursor includes everything.
func (c *Cursor) Includes(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// Trim builds a page from rows fetched with limit+1. key extracts the sort
// key of a row.
func Trim[T any](rows []T, limit int, key func(T) (time.Time, string)) Page[T] {
	if rows == nil {
		rows = []T{}
	}
	if len(rows) <= limit {
		return Page[T]{Items: rows}
	}
	rows = rows[:limit]
	createdAt, id := key(rows[len(rows)-1])
	return Page[T]{Items: rows, NextCursor: Cursor{CreatedAt: createdAt, ID: id}.String(), HasMore: true}
}
