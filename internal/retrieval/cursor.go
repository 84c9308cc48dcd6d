package retrieval

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBadCursor marks a cursor token that cannot be decoded; callers map it
// to a client error.
var ErrBadCursor = errors.New("retrieval: invalid cursor")

// Cursor is the keyset position after the last row of a page, ordered by
// (hybrid_score DESC, release_date DESC, id DESC). It round-trips as a
// base64-encoded JSON triple.
type Cursor struct {
	Score float64   `json:"score"`
	TS    time.Time `json:"ts"`
	ID    int64     `json:"id"`
}

// Encode serializes the cursor as URL-safe base64 JSON.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeCursor parses a cursor token produced by Encode. An empty token
// yields (nil, nil): the first page.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return &c, nil
}
