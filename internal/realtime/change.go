// Package realtime pushes row changes to the people involved in a job. Changes
// arrive from the Postgres row_changes notification channel, are deduplicated
// by entity version and fanned out over WebSocket to the job owner and every
// contractor who bid. Delivery is best effort; clients that miss an update
// refresh with a snapshot.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Channel is the Postgres notification channel fed by the row change triggers
const Channel = "row_changes"

// Tables that publish changes
const (
	TableJobs    = "jobs"
	TableBids    = "bids"
	TableEscrows = "escrow_transactions"
)

// Change is one row change notification
type Change struct {
	Table   string `json:"table"`
	Op      string `json:"op"`
	ID      string `json:"id"`
	JobID   string `json:"job_id"`
	Version int64  `json:"version"`
}

// Key identifies the changed entity in the version cache
func (c Change) Key() string {
	return c.Table + ":" + c.ID
}

// ParseChange decodes a notification payload
func ParseChange(payload string) (*Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	if c.Table == "" || c.ID == "" || c.JobID == "" {
		return nil, fmt.Errorf("incomplete change notification: %q", payload)
	}
	switch c.Table {
	case TableJobs, TableBids, TableEscrows:
	default:
		return nil, fmt.Errorf("unexpected table %q in change notification", c.Table)
	}
	return &c, nil
}
