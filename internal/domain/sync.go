package domain

import (
	"encoding/json"
	"time"
)

// SyncQueueEntry is a client mutation recorded while offline and replayed on reconnect
type SyncQueueEntry struct {
	EntryID         string          `db:"entry_id" json:"entry_id"`
	ClientID        string          `db:"client_id" json:"client_id"`
	Seq             int64           `db:"seq" json:"seq"`
	Op              SyncOp          `db:"op" json:"op"`
	TargetKind      TargetKind      `db:"target_kind" json:"target_kind"`
	TargetID        string          `db:"target_id" json:"target_id"`
	JobID           string          `db:"job_id" json:"job_id"`
	ActorID         string          `db:"actor_id" json:"actor_id"`
	ExpectedStatus  *string         `db:"expected_status" json:"expected_status,omitempty"`
	ExpectedVersion *int64          `db:"expected_version" json:"expected_version,omitempty"`
	Payload         json.RawMessage `db:"payload" json:"payload,omitempty"`
	Status          SyncStatus      `db:"status" json:"status"`
	Attempts        int             `db:"attempts" json:"attempts"`
	NextAttemptAt   *time.Time      `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastError       *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	AppliedAt       *time.Time      `db:"applied_at" json:"applied_at,omitempty"`
}

// SubmitBidPayload carries submit_bid arguments
type SubmitBidPayload struct {
	Amount int64 `json:"amount"`
}

// AcceptBidPayload carries accept_bid arguments
type AcceptBidPayload struct {
	BidID            string `json:"bid_id"`
	PaymentMethodRef string `json:"payment_method_ref"`
}

// CancelJobPayload carries cancel_job arguments
type CancelJobPayload struct {
	Reason string `json:"reason"`
}
