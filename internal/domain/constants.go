package domain

// JobStatus is a state of the job lifecycle
type JobStatus string

// Job status constants
const (
	JobStatusDraft       JobStatus = "draft"
	JobStatusPosted      JobStatus = "posted"
	JobStatusBiddingOpen JobStatus = "bidding_open"
	JobStatusAwarded     JobStatus = "awarded"
	JobStatusInProgress  JobStatus = "in_progress"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusClosed      JobStatus = "closed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// BidStatus is a state of a bid
type BidStatus string

// Bid status constants
const (
	BidStatusSubmitted BidStatus = "submitted"
	BidStatusWithdrawn BidStatus = "withdrawn"
	BidStatusAccepted  BidStatus = "accepted"
	BidStatusRejected  BidStatus = "rejected"
)

// EscrowState is a state of an escrow transaction
type EscrowState string

// Escrow state constants
const (
	EscrowStatePending  EscrowState = "pending"
	EscrowStateHeld     EscrowState = "held"
	EscrowStateReleased EscrowState = "released"
	EscrowStateRefunded EscrowState = "refunded"
	EscrowStateFailed   EscrowState = "failed"
)

// SyncStatus is a state of an offline sync queue entry
type SyncStatus string

// Sync entry status constants
const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusApplied    SyncStatus = "applied"
	SyncStatusConflicted SyncStatus = "conflicted"
	SyncStatusDiscarded  SyncStatus = "discarded"
)

// SyncOp names a mutation that can be queued while offline
type SyncOp string

// Queued operation constants
const (
	SyncOpPostJob        SyncOp = "post_job"
	SyncOpSubmitBid      SyncOp = "submit_bid"
	SyncOpWithdrawBid    SyncOp = "withdraw_bid"
	SyncOpAcceptBid      SyncOp = "accept_bid"
	SyncOpMarkInProgress SyncOp = "mark_in_progress"
	SyncOpMarkCompleted  SyncOp = "mark_completed"
	SyncOpCancelJob      SyncOp = "cancel_job"
)

// TargetKind is the entity kind a queued mutation points at
type TargetKind string

const (
	TargetJob TargetKind = "job"
	TargetBid TargetKind = "bid"
)
