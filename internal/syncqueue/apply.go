package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/lifecycle"
)

// errAlreadyApplied marks an entry whose effect is already visible on the server
var errAlreadyApplied = errors.New("already applied")

// apply checks the entry against the current job and runs the operation.
// Returns nil when the entry is applied or its effect is already present.
func (q *Queue) apply(ctx context.Context, e *domain.SyncQueueEntry) error {
	job, err := q.jobs.GetJob(ctx, e.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		return conflict(e, "job "+e.JobID+" no longer exists")
	}
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	err = q.precondition(ctx, e, job)
	if errors.Is(err, errAlreadyApplied) {
		q.logger.Debug("Sync entry already applied",
			slog.String("entry_id", e.EntryID),
			slog.String("op", string(e.Op)),
		)
		return nil
	}
	if err != nil {
		return err
	}

	switch e.Op {
	case domain.SyncOpPostJob:
		_, err = q.jobs.PostJob(ctx, e.JobID, e.ActorID)

	case domain.SyncOpSubmitBid:
		var p domain.SubmitBidPayload
		if err := decodePayload(e, &p); err != nil {
			return err
		}
		_, err = q.bids.SubmitBid(ctx, e.JobID, e.ActorID, p.Amount)

	case domain.SyncOpWithdrawBid:
		_, err = q.bids.WithdrawBid(ctx, e.TargetID, e.ActorID)

	case domain.SyncOpAcceptBid:
		var p domain.AcceptBidPayload
		if err := decodePayload(e, &p); err != nil {
			return err
		}
		_, err = q.jobs.AcceptBid(ctx, lifecycle.AcceptBidInput{
			JobID:            e.JobID,
			BidID:            acceptedBidID(e, p),
			ActorID:          e.ActorID,
			PaymentMethodRef: p.PaymentMethodRef,
		})

	case domain.SyncOpMarkInProgress:
		_, err = q.jobs.MarkInProgress(ctx, e.JobID, e.ActorID)

	case domain.SyncOpMarkCompleted:
		_, err = q.jobs.MarkCompleted(ctx, e.JobID, e.ActorID)

	case domain.SyncOpCancelJob:
		var p domain.CancelJobPayload
		if err := decodePayload(e, &p); err != nil {
			return err
		}
		_, err = q.jobs.CancelJob(ctx, e.JobID, e.ActorID, p.Reason)

	default:
		return conflict(e, "unknown operation "+string(e.Op))
	}
	return err
}

// precondition is the state-machine check of an entry against the job as it
// is now. It returns errAlreadyApplied when the intended effect is in place and
// a *domain.ConflictError when the entry no longer fits.
func (q *Queue) precondition(ctx context.Context, e *domain.SyncQueueEntry, job *domain.Job) error {
	switch e.Op {
	case domain.SyncOpPostJob:
		if job.Status.AtLeast(domain.JobStatusPosted) {
			return errAlreadyApplied
		}
		return expectJob(e, job, domain.JobStatusDraft)

	case domain.SyncOpSubmitBid:
		var p domain.SubmitBidPayload
		if err := decodePayload(e, &p); err != nil {
			return err
		}
		if bid, err := q.placedBid(ctx, e.JobID, e.ActorID, p.Amount); err != nil {
			return err
		} else if bid != nil {
			return errAlreadyApplied
		}
		if !job.IsOpen() {
			return conflict(e, "job is "+string(job.Status)+", bidding is closed")
		}
		return nil

	case domain.SyncOpWithdrawBid:
		bid, err := q.bids.GetBid(ctx, e.TargetID)
		if errors.Is(err, domain.ErrNotFound) {
			return conflict(e, "bid "+e.TargetID+" no longer exists")
		}
		if err != nil {
			return domain.NewRetryableError(fmt.Errorf("failed to load bid: %w", err))
		}
		switch bid.Status {
		case domain.BidStatusWithdrawn:
			return errAlreadyApplied
		case domain.BidStatusSubmitted:
			return nil
		default:
			return conflict(e, "bid is "+string(bid.Status))
		}

	case domain.SyncOpAcceptBid:
		var p domain.AcceptBidPayload
		if err := decodePayload(e, &p); err != nil {
			return err
		}
		bidID := acceptedBidID(e, p)
		if job.IsAwardedTo(bidID) && job.Status.AtLeast(domain.JobStatusAwarded) {
			return errAlreadyApplied
		}
		if job.AwardedBidID != nil || !job.IsOpen() {
			return conflict(e, "job is "+string(job.Status))
		}
		return expectJob(e, job, domain.JobStatusPosted)

	case domain.SyncOpMarkInProgress:
		if job.Status.AtLeast(domain.JobStatusInProgress) {
			return errAlreadyApplied
		}
		return expectJob(e, job, domain.JobStatusAwarded)

	case domain.SyncOpMarkCompleted:
		if job.Status.AtLeast(domain.JobStatusCompleted) {
			return errAlreadyApplied
		}
		return expectJob(e, job, domain.JobStatusInProgress)

	case domain.SyncOpCancelJob:
		if job.Status == domain.JobStatusCancelled {
			return errAlreadyApplied
		}
		if !job.Status.In(domain.CancellableStatuses...) {
			return conflict(e, "job is "+string(job.Status))
		}
		// The owner decided to cancel a job in a particular state; a job
		// that has moved on since needs a fresh decision.
		if e.ExpectedStatus != nil && !sameState(domain.JobStatus(*e.ExpectedStatus), job.Status) {
			return conflict(e, "job moved from "+*e.ExpectedStatus+" to "+string(job.Status))
		}
		return nil
	}
	return nil
}

// placedBid finds the live bid this entry would have created: same contractor,
// same amount, still submitted or accepted. A rejected or withdrawn bid, or one
// for another amount, is not evidence that the entry was applied.
func (q *Queue) placedBid(ctx context.Context, jobID, contractorID string, amount int64) (*domain.Bid, error) {
	bids, err := q.bids.ListBids(ctx, jobID)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to list bids: %w", err))
	}
	for i := range bids {
		b := &bids[i]
		if b.ContractorID != contractorID || b.Amount != amount {
			continue
		}
		if b.Status == domain.BidStatusSubmitted || b.Status == domain.BidStatusAccepted {
			return b, nil
		}
	}
	return nil, nil
}

// expectJob requires the job to be in `want`
func expectJob(e *domain.SyncQueueEntry, job *domain.Job, want domain.JobStatus) error {
	if !sameState(want, job.Status) {
		return conflict(e, "job is "+string(job.Status)+", expected "+string(want))
	}
	return nil
}

// sameState treats posted and bidding_open as one state
func sameState(a, b domain.JobStatus) bool {
	open := []domain.JobStatus{domain.JobStatusPosted, domain.JobStatusBiddingOpen}
	if a.In(open...) && b.In(open...) {
		return true
	}
	return a == b
}

func acceptedBidID(e *domain.SyncQueueEntry, p domain.AcceptBidPayload) string {
	if p.BidID != "" {
		return p.BidID
	}
	return e.TargetID
}

func decodePayload(e *domain.SyncQueueEntry, v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return conflict(e, "malformed payload: "+err.Error())
	}
	return nil
}

func conflict(e *domain.SyncQueueEntry, reason string) error {
	return &domain.ConflictError{EntryID: e.EntryID, Reason: reason}
}
