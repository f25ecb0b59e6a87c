// Package pagination provides cursor-based pagination utilities and the
// (createdAt, id) ordering shared by list endpoints and ledger scans.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned by Decode for cursors it did not produce.
var ErrInvalid = errors.New("pagination: invalid cursor")

// Cursor represents a position in a paginated result set.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalid
	}
	nanosPart, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalid
	}
	nanos, err := strconv.ParseInt(nanosPart, 10, 64)
	if err != nil {
		return nil, ErrInvalid
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// String re-encodes the cursor.
func (c *Cursor) String() string {
	if c == nil {
		return ""
	}
	return Encode(c.CreatedAt, c.ID)
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract (createdAt, id) from the last item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	last := items[len(items)-1]
	createdAt, id := extractKey(last)
	return items, Encode(createdAt, id), true
}

// Less orders (createdAt, id) keys oldest first, breaking ties by id.
func Less(aAt time.Time, aID string, bAt time.Time, bID string) bool {
	if !aAt.Equal(bAt) {
		return aAt.Before(bAt)
	}
	return aID < bID
}

// Before reports whether the cursor position sorts strictly before the key.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	return Less(c.CreatedAt, c.ID, createdAt, id)
}

// After reports whether the cursor position sorts strictly after the key.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	return Less(createdAt, id, c.CreatedAt, c.ID)
}
