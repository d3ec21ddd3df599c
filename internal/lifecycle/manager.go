// Package lifecycle drives a job through draft, posted, awarded, in_progress,
// completed and closed, with cancellation before completion. Transitions that
// move money run as a saga with the escrow orchestrator: the local transition is
// applied first and compensated if the money step fails.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/escrow"
	"github.com/cuongbtq/jobmarket/internal/notify"
	"github.com/cuongbtq/jobmarket/internal/storage"
	"github.com/cuongbtq/jobmarket/internal/validation"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Store is the persistence the manager needs
type Store interface {
	storage.JobStore
	storage.BidStore
}

// Escrow is the money side of the saga
type Escrow interface {
	HoldFunds(ctx context.Context, req escrow.HoldRequest) (*domain.EscrowTransaction, error)
	ReleaseFunds(ctx context.Context, jobID string) (*domain.EscrowTransaction, error)
	Refund(ctx context.Context, jobID string) (*domain.EscrowTransaction, error)
	ActiveEscrow(ctx context.Context, jobID string) (*domain.EscrowTransaction, error)
	ResolvePending(ctx context.Context, e *domain.EscrowTransaction) (*domain.EscrowTransaction, error)
}

// DraftInput carries the fields of a new job
type DraftInput struct {
	OwnerID          string `json:"owner_id" validate:"required"`
	Title            string `json:"title" validate:"max=200"`
	Description      string `json:"description"`
	Location         string `json:"location"`
	BudgetMin        int64  `json:"budget_min" validate:"gte=0"`
	BudgetMax        int64  `json:"budget_max" validate:"gte=0"`
	PaymentMethodRef string `json:"payment_method_ref"`
}

// AcceptBidInput names the bid to award and how to pay for it. An empty
// PaymentMethodRef falls back to the job's default.
type AcceptBidInput struct {
	JobID            string
	BidID            string
	ActorID          string
	PaymentMethodRef string
}

// JobPage is one page of ListJobs
type JobPage struct {
	Jobs []domain.Job
	Next *storage.JobCursor
}

// Manager owns job state transitions
type Manager struct {
	store    Store
	escrow   Escrow
	events   notify.Dispatcher
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a lifecycle manager
func NewManager(store Store, esc Escrow, events notify.Dispatcher, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		escrow:   esc,
		events:   events,
		validate: validation.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// CreateDraft stores a new draft job for the owner
func (m *Manager) CreateDraft(ctx context.Context, in DraftInput) (*domain.Job, error) {
	if err := validation.Struct(m.validate, &in); err != nil {
		return nil, err
	}

	job := &domain.Job{
		JobID:       uuid.NewString(),
		OwnerID:     in.OwnerID,
		Title:       in.Title,
		Description: in.Description,
		Location:    in.Location,
		BudgetMin:   in.BudgetMin,
		BudgetMax:   in.BudgetMax,
		Status:      domain.JobStatusDraft,
	}
	if in.PaymentMethodRef != "" {
		ref := in.PaymentMethodRef
		job.PaymentMethodRef = &ref
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to create job: %w", err))
	}

	m.logger.Info("Draft job created",
		slog.String("job_id", job.JobID),
		slog.String("owner_id", job.OwnerID),
	)
	return job, nil
}

// PostJob publishes a complete draft so contractors can bid
func (m *Manager) PostJob(ctx context.Context, jobID, actorID string) (*domain.Job, error) {
	job, err := m.ownedJob(ctx, jobID, actorID, "post job")
	if err != nil {
		return nil, err
	}
	if job.IsOpen() {
		return job, nil
	}
	if job.Status != domain.JobStatusDraft {
		return nil, jobStateError(job, "post job")
	}
	if err := validation.Struct(m.validate, job); err != nil {
		return nil, err
	}

	return m.transition(ctx, job, "post job", []domain.JobStatus{domain.JobStatusDraft}, domain.JobStatusPosted)
}

// AcceptBid awards the job to a bid and holds the bid amount in escrow. If
// the hold fails the award is undone and the hold error returned.
func (m *Manager) AcceptBid(ctx context.Context, in AcceptBidInput) (*domain.Job, error) {
	job, err := m.ownedJob(ctx, in.JobID, in.ActorID, "accept bid")
	if err != nil {
		return nil, err
	}
	if job.IsAwardedTo(in.BidID) && job.Status.AtLeast(domain.JobStatusAwarded) {
		return job, nil
	}
	if !job.IsOpen() {
		return nil, jobStateError(job, "accept bid")
	}

	bid, err := m.store.GetBid(ctx, in.BidID)
	if err != nil {
		return nil, err
	}
	if bid.JobID != job.JobID {
		return nil, domain.NewValidationError("bid_id", "does not belong to job "+job.JobID)
	}
	if bid.Status != domain.BidStatusSubmitted {
		return nil, &domain.InvalidStateError{
			Entity:    "bid",
			ID:        bid.BidID,
			Operation: "accept bid",
			Current:   string(bid.Status),
			Version:   bid.Version,
		}
	}

	paymentMethod := in.PaymentMethodRef
	if paymentMethod == "" && job.PaymentMethodRef != nil {
		paymentMethod = *job.PaymentMethodRef
	}
	if paymentMethod == "" {
		return nil, domain.NewValidationError("payment_method_ref", "is required")
	}

	awarded, err := m.store.AwardJob(ctx, job.JobID, bid.BidID)
	if errors.Is(err, domain.ErrStateMismatch) {
		current, gerr := m.store.GetJob(ctx, job.JobID)
		if gerr != nil {
			return nil, gerr
		}
		if current.IsAwardedTo(bid.BidID) && current.Status.AtLeast(domain.JobStatusAwarded) {
			return current, nil
		}
		return nil, jobStateError(current, "accept bid")
	}
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to award job: %w", err))
	}

	m.logger.Info("Job awarded, holding funds",
		slog.String("job_id", job.JobID),
		slog.String("bid_id", bid.BidID),
		slog.Int64("amount", bid.Amount),
	)

	held, err := m.escrow.HoldFunds(ctx, escrow.HoldRequest{
		JobID:            job.JobID,
		BidID:            bid.BidID,
		Amount:           bid.Amount,
		PaymentMethodRef: paymentMethod,
	})
	if err != nil {
		m.compensate(ctx, "award", job.JobID, func(cctx context.Context) error {
			_, rerr := m.store.RevertAward(cctx, job.JobID, bid.BidID)
			return rerr
		})
		return nil, err
	}

	m.emit(ctx, domain.JobAwarded{
		JobID:        job.JobID,
		ActorID:      in.ActorID,
		BidID:        bid.BidID,
		ContractorID: bid.ContractorID,
		Amount:       held.Amount,
		OccurredAt:   m.now(),
	})
	return awarded, nil
}

// MarkInProgress starts work on an awarded job
func (m *Manager) MarkInProgress(ctx context.Context, jobID, actorID string) (*domain.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := m.authorizeParticipant(ctx, job, actorID, "mark in progress"); err != nil {
		return nil, err
	}
	if job.Status == domain.JobStatusInProgress {
		return job, nil
	}
	if job.Status != domain.JobStatusAwarded {
		return nil, jobStateError(job, "mark in progress")
	}

	return m.transition(ctx, job, "mark in progress", []domain.JobStatus{domain.JobStatusAwarded}, domain.JobStatusInProgress)
}

// MarkCompleted finishes the job and releases the escrow to the contractor.
// A failed release puts the job back in progress.
func (m *Manager) MarkCompleted(ctx context.Context, jobID, actorID string) (*domain.Job, error) {
	job, err := m.ownedJob(ctx, jobID, actorID, "mark completed")
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobStatusCompleted {
		return job, nil
	}
	if job.Status != domain.JobStatusInProgress {
		return nil, jobStateError(job, "mark completed")
	}

	completed, err := m.transition(ctx, job, "mark completed", []domain.JobStatus{domain.JobStatusInProgress}, domain.JobStatusCompleted)
	if err != nil {
		return nil, err
	}

	released, err := m.escrow.ReleaseFunds(ctx, jobID)
	if err != nil {
		m.compensate(ctx, "completion", jobID, func(cctx context.Context) error {
			_, terr := m.store.TransitionJob(cctx, jobID, []domain.JobStatus{domain.JobStatusCompleted}, domain.JobStatusInProgress)
			return terr
		})
		return nil, err
	}

	m.emit(ctx, domain.EscrowReleased{
		JobID:      jobID,
		ActorID:    actorID,
		EscrowID:   released.EscrowID,
		Amount:     released.Amount,
		OccurredAt: m.now(),
	})
	return completed, nil
}

// CancelJob cancels a job before completion. Held funds are refunded, never
// released; a failed refund restores the previous status.
func (m *Manager) CancelJob(ctx context.Context, jobID, actorID, reason string) (*domain.Job, error) {
	job, err := m.ownedJob(ctx, jobID, actorID, "cancel job")
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobStatusCancelled {
		return job, nil
	}
	if !job.Status.In(domain.CancellableStatuses...) {
		return nil, jobStateError(job, "cancel job")
	}

	previous := job.Status
	cancelled, err := m.transition(ctx, job, "cancel job", []domain.JobStatus{previous}, domain.JobStatusCancelled)
	if err != nil {
		return nil, err
	}

	restore := func(cctx context.Context) error {
		_, terr := m.store.TransitionJob(cctx, jobID, []domain.JobStatus{domain.JobStatusCancelled}, previous)
		return terr
	}

	refunded, err := m.refundActiveEscrow(ctx, jobID)
	if err != nil {
		m.compensate(ctx, "cancellation", jobID, restore)
		return nil, err
	}

	m.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("previous_status", string(previous)),
		slog.String("reason", reason),
	)

	if refunded != nil {
		m.emit(ctx, domain.EscrowRefunded{
			JobID:      jobID,
			ActorID:    actorID,
			EscrowID:   refunded.EscrowID,
			Amount:     refunded.Amount,
			OccurredAt: m.now(),
		})
	}
	m.emit(ctx, domain.JobCancelled{
		JobID:      jobID,
		ActorID:    actorID,
		Reason:     reason,
		OccurredAt: m.now(),
	})
	return cancelled, nil
}

// CloseJob archives a completed job
func (m *Manager) CloseJob(ctx context.Context, jobID, actorID string) (*domain.Job, error) {
	job, err := m.ownedJob(ctx, jobID, actorID, "close job")
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobStatusClosed {
		return job, nil
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, jobStateError(job, "close job")
	}

	return m.transition(ctx, job, "close job", []domain.JobStatus{domain.JobStatusCompleted}, domain.JobStatusClosed)
}

// GetJob returns one job
func (m *Manager) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// ListJobs returns a page of jobs, newest first
func (m *Manager) ListJobs(ctx context.Context, filter storage.JobFilter) (*JobPage, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}

	jobs, err := m.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}

	page := &JobPage{Jobs: jobs}
	if len(jobs) > filter.PageSize {
		page.Jobs = jobs[:filter.PageSize]
		last := page.Jobs[len(page.Jobs)-1]
		page.Next = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID}
	}
	return page, nil
}

// refundActiveEscrow refunds a held escrow. A pending one is first resolved
// against the gateway and refunded only if the charge went through.
func (m *Manager) refundActiveEscrow(ctx context.Context, jobID string) (*domain.EscrowTransaction, error) {
	active, err := m.escrow.ActiveEscrow(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to load escrow: %w", err))
	}

	if active.State == domain.EscrowStatePending {
		resolved, err := m.escrow.ResolvePending(ctx, active)
		if err != nil {
			return nil, err
		}
		if resolved.State != domain.EscrowStateHeld {
			return nil, nil
		}
	}

	return m.escrow.Refund(ctx, jobID)
}

// transition applies a conditional status change. A lost race that already
// reached the target returns the current job; any other loser gets the
// current state.
func (m *Manager) transition(ctx context.Context, job *domain.Job, op string, from []domain.JobStatus, to domain.JobStatus) (*domain.Job, error) {
	updated, err := m.store.TransitionJob(ctx, job.JobID, from, to)
	if errors.Is(err, domain.ErrStateMismatch) {
		current, gerr := m.store.GetJob(ctx, job.JobID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == to {
			return current, nil
		}
		return nil, jobStateError(current, op)
	}
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to %s: %w", op, err))
	}

	m.logger.Info("Job transitioned",
		slog.String("job_id", updated.JobID),
		slog.String("from", string(job.Status)),
		slog.String("to", string(updated.Status)),
		slog.Int64("version", updated.Version),
	)
	return updated, nil
}

// compensate runs a rollback step even when the caller's context is done
func (m *Manager) compensate(ctx context.Context, what, jobID string, undo func(context.Context) error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := undo(cctx); err != nil {
		m.logger.Error("Failed to roll back "+what,
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}
	m.logger.Warn("Rolled back "+what,
		slog.String("job_id", jobID),
	)
}

func (m *Manager) ownedJob(ctx context.Context, jobID, actorID, op string) (*domain.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != actorID {
		return nil, &domain.PermissionError{ActorID: actorID, Operation: op + " on job " + jobID}
	}
	return job, nil
}

// authorizeParticipant allows the owner and the awarded contractor
func (m *Manager) authorizeParticipant(ctx context.Context, job *domain.Job, actorID, op string) error {
	if job.OwnerID == actorID {
		return nil
	}
	if job.AwardedBidID != nil {
		bid, err := m.store.GetBid(ctx, *job.AwardedBidID)
		if err != nil {
			return err
		}
		if bid.ContractorID == actorID {
			return nil
		}
	}
	return &domain.PermissionError{ActorID: actorID, Operation: op + " on job " + job.JobID}
}

func (m *Manager) emit(ctx context.Context, event domain.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Dispatch(ctx, event); err != nil {
		m.logger.Warn("Failed to dispatch event",
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
