package domain

import "time"

// EventKind enumerates the domain events handed to the notification dispatcher
type EventKind string

const (
	EventJobAwarded     EventKind = "JobAwarded"
	EventEscrowReleased EventKind = "EscrowReleased"
	EventEscrowRefunded EventKind = "EscrowRefunded"
	EventJobCancelled   EventKind = "JobCancelled"
	EventBidSubmitted   EventKind = "BidSubmitted"
)

// Event is a closed set of domain events; only types in this package implement it.
type Event interface {
	Kind() EventKind
	Job() string
	Actor() string
	isEvent()
}

// JobAwarded is emitted once an award and its escrow hold both succeeded
type JobAwarded struct {
	JobID        string    `json:"job_id"`
	ActorID      string    `json:"actor_id"`
	BidID        string    `json:"bid_id"`
	ContractorID string    `json:"contractor_id"`
	Amount       int64     `json:"amount"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// EscrowReleased is emitted when held funds were paid out to the contractor
type EscrowReleased struct {
	JobID      string    `json:"job_id"`
	ActorID    string    `json:"actor_id"`
	EscrowID   string    `json:"escrow_id"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EscrowRefunded is emitted when held funds went back to the owner
type EscrowRefunded struct {
	JobID      string    `json:"job_id"`
	ActorID    string    `json:"actor_id"`
	EscrowID   string    `json:"escrow_id"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

// JobCancelled is emitted when the owner cancels a job
type JobCancelled struct {
	JobID      string    `json:"job_id"`
	ActorID    string    `json:"actor_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BidSubmitted is emitted when a contractor bids on a job
type BidSubmitted struct {
	JobID      string    `json:"job_id"`
	ActorID    string    `json:"actor_id"`
	BidID      string    `json:"bid_id"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (JobAwarded) Kind() EventKind     { return EventJobAwarded }
func (EscrowReleased) Kind() EventKind { return EventEscrowReleased }
func (EscrowRefunded) Kind() EventKind { return EventEscrowRefunded }
func (JobCancelled) Kind() EventKind   { return EventJobCancelled }
func (BidSubmitted) Kind() EventKind   { return EventBidSubmitted }

func (e JobAwarded) Job() string     { return e.JobID }
func (e EscrowReleased) Job() string { return e.JobID }
func (e EscrowRefunded) Job() string { return e.JobID }
func (e JobCancelled) Job() string   { return e.JobID }
func (e BidSubmitted) Job() string   { return e.JobID }

func (e JobAwarded) Actor() string     { return e.ActorID }
func (e EscrowReleased) Actor() string { return e.ActorID }
func (e EscrowRefunded) Actor() string { return e.ActorID }
func (e JobCancelled) Actor() string   { return e.ActorID }
func (e BidSubmitted) Actor() string   { return e.ActorID }

func (JobAwarded) isEvent()     {}
func (EscrowReleased) isEvent() {}
func (EscrowRefunded) isEvent() {}
func (JobCancelled) isEvent()   {}
func (BidSubmitted) isEvent()   {}
