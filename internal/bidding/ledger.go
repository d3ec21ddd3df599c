// Package bidding is the bid ledger: contractors submit and withdraw bids on
// open jobs. Acceptance belongs to the job lifecycle.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/notify"
	"github.com/cuongbtq/jobmarket/internal/storage"
	"github.com/cuongbtq/jobmarket/internal/validation"
)

// Store is the persistence the ledger needs
type Store interface {
	storage.JobStore
	storage.BidStore
}

type submitBidInput struct {
	JobID        string `json:"job_id" validate:"required"`
	ContractorID string `json:"contractor_id" validate:"required"`
	Amount       int64  `json:"amount" validate:"gt=0"`
}

// Ledger manages bids
type Ledger struct {
	store    Store
	events   notify.Dispatcher
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates a bid ledger
func NewLedger(store Store, events notify.Dispatcher, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:    store,
		events:   events,
		validate: validation.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// SubmitBid places a contractor's bid on an open job
func (l *Ledger) SubmitBid(ctx context.Context, jobID, contractorID string, amount int64) (*domain.Bid, error) {
	in := submitBidInput{JobID: jobID, ContractorID: contractorID, Amount: amount}
	if err := validation.Struct(l.validate, &in); err != nil {
		return nil, err
	}

	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID == contractorID {
		return nil, domain.NewValidationError("contractor_id", "owner cannot bid on own job")
	}
	if !job.IsOpen() {
		return nil, jobStateError(job, "submit bid")
	}

	bid := &domain.Bid{
		BidID:        uuid.NewString(),
		JobID:        jobID,
		ContractorID: contractorID,
		Amount:       amount,
	}

	// The insert re-checks the job status, so an award racing this bid wins cleanly
	err = l.store.CreateBid(ctx, bid)
	switch {
	case errors.Is(err, domain.ErrDuplicate):
		return nil, &domain.DuplicateBidError{JobID: jobID, ContractorID: contractorID}
	case errors.Is(err, domain.ErrStateMismatch):
		current, gerr := l.store.GetJob(ctx, jobID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, jobStateError(current, "submit bid")
	case err != nil:
		return nil, domain.NewRetryableError(fmt.Errorf("failed to create bid: %w", err))
	}

	l.logger.Info("Bid submitted",
		slog.String("bid_id", bid.BidID),
		slog.String("job_id", jobID),
		slog.String("contractor_id", contractorID),
		slog.Int64("amount", amount),
	)

	l.emit(ctx, domain.BidSubmitted{
		JobID:      jobID,
		ActorID:    contractorID,
		BidID:      bid.BidID,
		Amount:     amount,
		OccurredAt: l.now(),
	})

	return bid, nil
}

// WithdrawBid retracts a submitted bid. Withdrawing twice is a no-op.
func (l *Ledger) WithdrawBid(ctx context.Context, bidID, contractorID string) (*domain.Bid, error) {
	bid, err := l.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.ContractorID != contractorID {
		return nil, &domain.PermissionError{ActorID: contractorID, Operation: "withdraw bid " + bidID}
	}

	switch bid.Status {
	case domain.BidStatusWithdrawn:
		return bid, nil
	case domain.BidStatusAccepted, domain.BidStatusRejected:
		return nil, bidStateError(bid, "withdraw bid")
	}

	withdrawn, err := l.store.WithdrawBid(ctx, bidID)
	if errors.Is(err, domain.ErrStateMismatch) {
		current, gerr := l.store.GetBid(ctx, bidID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == domain.BidStatusWithdrawn {
			return current, nil
		}
		return nil, bidStateError(current, "withdraw bid")
	}
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to withdraw bid: %w", err))
	}

	l.logger.Info("Bid withdrawn",
		slog.String("bid_id", bidID),
		slog.String("job_id", withdrawn.JobID),
	)
	return withdrawn, nil
}

// ListBids returns the job's bids oldest first
func (l *Ledger) ListBids(ctx context.Context, jobID string) ([]domain.Bid, error) {
	if _, err := l.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return l.store.ListBidsByJob(ctx, jobID)
}

// ListVisibleBids returns the job's bids that actorID may read, oldest first
func (l *Ledger) ListVisibleBids(ctx context.Context, jobID, actorID string) ([]domain.Bid, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	bids, err := l.store.ListBidsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.VisibleTo(actorID, bids) {
		return nil, domain.ErrNotFound
	}
	return domain.VisibleBids(job, bids, actorID), nil
}

// GetBid returns one bid
func (l *Ledger) GetBid(ctx context.Context, bidID string) (*domain.Bid, error) {
	return l.store.GetBid(ctx, bidID)
}

func (l *Ledger) emit(ctx context.Context, event domain.Event) {
	if l.events == nil {
		return
	}
	if err := l.events.Dispatch(ctx, event); err != nil {
		l.logger.Warn("Failed to dispatch event",
			slog.String("type", string(event.Kind())),
			slog.String("job_id", event.Job()),
			slog.Any("error", err),
		)
	}
}

func jobStateError(job *domain.Job, op string) error {
	return &domain.InvalidStateError{
		Entity:    "job",
		ID:        job.JobID,
		Operation: op,
		Current:   string(job.Status),
		Version:   job.Version,
	}
}

func bidStateError(bid *domain.Bid, op string) error {
	return &domain.InvalidStateError{
		Entity:    "bid",
		ID:        bid.BidID,
		Operation: op,
		Current:   string(bid.Status),
		Version:   bid.Version,
	}
}
