// Package storage defines the relational store consumed by the transaction
// engine. Every mutating method is a conditional update or runs in a single
// database transaction; callers never hold locks across calls.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/jobmarket/internal/domain"
)

// JobFilter narrows ListJobs
type JobFilter struct {
	OwnerID  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position for job pagination
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobStore persists jobs
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)

	// TransitionJob moves the job to `to` only if its status is one of `from`.
	// Returns domain.ErrStateMismatch when no row matched.
	TransitionJob(ctx context.Context, jobID string, from []domain.JobStatus, to domain.JobStatus) (*domain.Job, error)

	// AwardJob atomically moves an open job to awarded, accepts bidID and
	// rejects every other submitted bid. Returns domain.ErrStateMismatch if the
	// job is no longer open or the bid is not a submitted bid of the job.
	AwardJob(ctx context.Context, jobID, bidID string) (*domain.Job, error)

	// RevertAward is the compensation of AwardJob.
	RevertAward(ctx context.Context, jobID, bidID string) (*domain.Job, error)
}

// BidStore persists bids
type BidStore interface {
	// CreateBid inserts the bid only while the job is open. Returns
	// domain.ErrStateMismatch for a closed job and domain.ErrDuplicate when the
	// contractor already has a non-withdrawn bid.
	CreateBid(ctx context.Context, bid *domain.Bid) error
	GetBid(ctx context.Context, bidID string) (*domain.Bid, error)
	ListBidsByJob(ctx context.Context, jobID string) ([]domain.Bid, error)
	WithdrawBid(ctx context.Context, bidID string) (*domain.Bid, error)
}

// EscrowStore persists escrow transactions and their money-movement ledger
type EscrowStore interface {
	// CreateEscrow returns domain.ErrActiveEscrow when the job already has a
	// pending or held escrow.
	CreateEscrow(ctx context.Context, escrow *domain.EscrowTransaction) error
	GetEscrow(ctx context.Context, escrowID string) (*domain.EscrowTransaction, error)
	GetActiveEscrow(ctx context.Context, jobID string) (*domain.EscrowTransaction, error)
	ListEscrowsByJob(ctx context.Context, jobID string) ([]domain.EscrowTransaction, error)

	// TransitionEscrow applies patch and moves the escrow from `from` to `to`
	// only if it is still in `from`.
	TransitionEscrow(ctx context.Context, escrowID string, from, to domain.EscrowState, patch domain.EscrowPatch) (*domain.EscrowTransaction, error)

	// ListUnsettledEscrows returns pending escrows and held escrows with an
	// in-flight release or refund, last touched before olderThan.
	ListUnsettledEscrows(ctx context.Context, olderThan time.Time, limit int) ([]domain.EscrowTransaction, error)

	AppendLedger(ctx context.Context, entry *domain.LedgerEntry) error
	ListLedger(ctx context.Context, escrowID string) ([]domain.LedgerEntry, error)
}

// SyncStore persists offline sync queue entries
type SyncStore interface {
	// InsertSyncEntries ignores entries whose (client_id, seq) already exists
	// and returns how many were new.
	InsertSyncEntries(ctx context.Context, entries []domain.SyncQueueEntry) (int, error)
	ListSyncEntries(ctx context.Context, clientID string) ([]domain.SyncQueueEntry, error)
	GetSyncEntry(ctx context.Context, entryID string) (*domain.SyncQueueEntry, error)
	// UpdateSyncEntry writes the entry only while the stored row still has
	// status from and fromAttempts attempts. Returns domain.ErrStateMismatch
	// when another replay settled it first.
	UpdateSyncEntry(ctx context.Context, entry *domain.SyncQueueEntry, from domain.SyncStatus, fromAttempts int) error
}

// Store is the full relational store
type Store interface {
	JobStore
	BidStore
	EscrowStore
	SyncStore
}
