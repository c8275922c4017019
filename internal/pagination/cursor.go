// Package pagination provides keyset cursors for the ledger and list
// endpoints.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// DefaultLimit and MaxLimit bound list endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Cursor represents a position in a paginated result set. Position is the
// sort key of the last item seen (a sequence number or a UnixNano
// timestamp) and ID breaks ties.
type Cursor struct {
	Position int64
	ID       string
}

// Encode returns an opaque cursor string from a position and ID.
func Encode(position int64, id string) string {
	raw := strconv.FormatInt(position, 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	posText, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	pos, err := strconv.ParseInt(posText, 10, 64)
	if err != nil || pos < 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{Position: pos, ID: id}, nil
}

// ParseLimit clamps a ?limit= query value to (0, MaxLimit].
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract (position, id) from the last item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, extractKey func(T) (int64, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	pos, id := extractKey(items[len(items)-1])
	return items, Encode(pos, id), true
}
