package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/cuongbtq/jobmarket/internal/storage"
)

var errCursorFilter = errors.New("cursor was issued for a different filter")

// jobCursor is the wire form of a keyset position. It carries the filter it
// was issued for so a page token cannot be replayed against another listing.
type jobCursor struct {
	CreatedAt int64  `json:"t"`
	JobID     string `json:"j"`
	OwnerID   string `json:"o,omitempty"`
	Status    string `json:"s,omitempty"`
}

// DecodeJobCursor parses a page token for filter. An empty token is the first page.
func DecodeJobCursor(token string, filter storage.JobFilter) (*storage.JobCursor, error) {
	if token == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}

	var c jobCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if c.JobID == "" || c.CreatedAt <= 0 {
		return nil, errors.New("invalid cursor format")
	}
	if c.OwnerID != filter.OwnerID || c.Status != filter.Status {
		return nil, errCursorFilter
	}

	return &storage.JobCursor{
		CreatedAt: time.Unix(0, c.CreatedAt).UTC(),
		JobID:     c.JobID,
	}, nil
}

// EncodeJobCursor renders the next page token for filter
func EncodeJobCursor(cursor *storage.JobCursor, filter storage.JobFilter) string {
	raw, _ := json.Marshal(jobCursor{
		CreatedAt: cursor.CreatedAt.UnixNano(),
		JobID:     cursor.JobID,
		OwnerID:   filter.OwnerID,
		Status:    filter.Status,
	})
	return base64.RawURLEncoding.EncodeToString(raw)
}
