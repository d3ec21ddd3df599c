package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/notify"
	"github.com/cuongbtq/jobmarket/internal/payment"
	"github.com/cuongbtq/jobmarket/internal/storage"
)

// SystemActor is the actor recorded on events raised by reconciliation
const SystemActor = "system:reconciler"

// SweepResult counts what a sweep did
type SweepResult struct {
	Scanned  int
	Held     int
	Released int
	Refunded int
	Failed   int
	Skipped  int
}

// Reconciler is the crash-recovery backstop. It compares unsettled escrows
// with the gateway, moves them to the state the gateway reports and finishes
// the job transition an interrupted saga left behind.
type Reconciler struct {
	orch    *Orchestrator
	store   storage.Store
	gateway payment.Gateway
	events  notify.Dispatcher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconciler creates a reconciler sharing the orchestrator's gateway
func NewReconciler(orch *Orchestrator, store storage.Store, events notify.Dispatcher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		orch:    orch,
		store:   store,
		gateway: orch.gateway,
		events:  events,
		cfg:     orch.cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Sweep reconciles one batch of escrows untouched for longer than the
// configured threshold. It never creates a payment intent.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepResult, error) {
	cutoff := r.now().Add(-r.cfg.ReconcileAfter)
	escrows, err := r.store.ListUnsettledEscrows(ctx, cutoff, r.cfg.ReconcileBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled escrows: %w", err)
	}

	res := &SweepResult{}
	for i := range escrows {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		e := &escrows[i]
		res.Scanned++
		if err := r.reconcile(ctx, e, res); err != nil {
			res.Skipped++
			r.logger.Warn("Escrow reconciliation deferred",
				slog.String("escrow_id", e.EscrowID),
				slog.String("job_id", e.JobID),
				slog.String("state", string(e.State)),
				slog.Any("error", err),
			)
		}
	}

	if res.Scanned > 0 {
		r.logger.Info("Escrow reconciliation sweep finished",
			slog.Int("scanned", res.Scanned),
			slog.Int("held", res.Held),
			slog.Int("released", res.Released),
			slog.Int("refunded", res.Refunded),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped),
		)
	}
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, e *domain.EscrowTransaction, res *SweepResult) error {
	switch {
	case e.State == domain.EscrowStatePending:
		return r.reconcileHold(ctx, e, res)
	case e.ReleaseKey != nil:
		return r.reconcileSettlement(ctx, e, releaseSettlement, res)
	case e.RefundKey != nil:
		return r.reconcileSettlement(ctx, e, refundSettlement, res)
	}
	return nil
}

func (r *Reconciler) reconcileHold(ctx context.Context, e *domain.EscrowTransaction, res *SweepResult) error {
	resolved, err := r.orch.ResolvePending(ctx, e)
	if err != nil {
		return err
	}

	if resolved.State == domain.EscrowStateFailed {
		res.Failed++
		return r.undoAward(ctx, resolved)
	}

	res.Held++
	return r.rollForwardAward(ctx, resolved, res)
}

// undoAward reverts an award whose hold never completed
func (r *Reconciler) undoAward(ctx context.Context, e *domain.EscrowTransaction) error {
	job, err := r.store.GetJob(ctx, e.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != domain.JobStatusAwarded || !job.IsAwardedTo(e.BidID) {
		return nil
	}
	if _, err := r.store.RevertAward(ctx, e.JobID, e.BidID); err != nil && !errors.Is(err, domain.ErrStateMismatch) {
		return fmt.Errorf("failed to revert award: %w", err)
	}
	r.logger.Info("Award reverted after failed hold",
		slog.String("job_id", e.JobID),
		slog.String("bid_id", e.BidID),
	)
	return nil
}

// rollForwardAward completes the award of a hold that succeeded at the
// gateway. When the award can no longer apply the money goes back.
func (r *Reconciler) rollForwardAward(ctx context.Context, e *domain.EscrowTransaction, res *SweepResult) error {
	job, err := r.store.GetJob(ctx, e.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	if job.IsAwardedTo(e.BidID) && job.Status != domain.JobStatusCancelled {
		return nil
	}

	if job.IsOpen() {
		awarded, err := r.store.AwardJob(ctx, e.JobID, e.BidID)
		if err == nil {
			r.logger.Info("Award rolled forward",
				slog.String("job_id", awarded.JobID),
				slog.String("bid_id", e.BidID),
			)
			r.emitAwarded(ctx, e)
			return nil
		}
		if !errors.Is(err, domain.ErrStateMismatch) {
			return fmt.Errorf("failed to roll award forward: %w", err)
		}
	}

	refunded, err := r.orch.Refund(ctx, e.JobID)
	if err != nil {
		return fmt.Errorf("failed to refund orphaned hold: %w", err)
	}
	res.Refunded++
	r.emit(ctx, domain.EscrowRefunded{
		JobID:      refunded.JobID,
		ActorID:    SystemActor,
		EscrowID:   refunded.EscrowID,
		Amount:     refunded.Amount,
		OccurredAt: r.now(),
	})
	return nil
}

func (r *Reconciler) reconcileSettlement(ctx context.Context, e *domain.EscrowTransaction, s settlement, res *SweepResult) error {
	settled, err := r.orch.driveSettle(ctx, e, s, true)
	if err != nil {
		return err
	}

	job, err := r.store.GetJob(ctx, e.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	switch s.target {
	case domain.EscrowStateReleased:
		res.Released++
		if job.IsAwardedTo(e.BidID) {
			r.rollJob(ctx, job, []domain.JobStatus{domain.JobStatusInProgress}, domain.JobStatusCompleted)
		}
		r.emit(ctx, domain.EscrowReleased{
			JobID:      settled.JobID,
			ActorID:    SystemActor,
			EscrowID:   settled.EscrowID,
			Amount:     settled.Amount,
			OccurredAt: r.now(),
		})
	case domain.EscrowStateRefunded:
		res.Refunded++
		if job.IsAwardedTo(e.BidID) {
			r.rollJob(ctx, job, domain.CancellableStatuses, domain.JobStatusCancelled)
		}
		r.emit(ctx, domain.EscrowRefunded{
			JobID:      settled.JobID,
			ActorID:    SystemActor,
			EscrowID:   settled.EscrowID,
			Amount:     settled.Amount,
			OccurredAt: r.now(),
		})
	}
	return nil
}

func (r *Reconciler) rollJob(ctx context.Context, job *domain.Job, from []domain.JobStatus, to domain.JobStatus) {
	if job.Status == to {
		return
	}
	if _, err := r.store.TransitionJob(ctx, job.JobID, from, to); err != nil {
		r.logger.Warn("Could not roll job forward",
			slog.String("job_id", job.JobID),
			slog.String("from", string(job.Status)),
			slog.String("to", string(to)),
			slog.Any("error", err),
		)
		return
	}
	r.logger.Info("Job rolled forward",
		slog.String("job_id", job.JobID),
		slog.String("to", string(to)),
	)
}

func (r *Reconciler) emitAwarded(ctx context.Context, e *domain.EscrowTransaction) {
	bid, err := r.store.GetBid(ctx, e.BidID)
	if err != nil {
		r.logger.Warn("Failed to load bid for award event", slog.String("bid_id", e.BidID), slog.Any("error", err))
		return
	}
	r.emit(ctx, domain.JobAwarded{
		JobID:        e.JobID,
		ActorID:      SystemActor,
		BidID:        bid.BidID,
		ContractorID: bid.ContractorID,
		Amount:       bid.Amount,
		OccurredAt:   r.now(),
	})
}

func (r *Reconciler) emit(ctx context.Context, event domain.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Dispatch(ctx, event); err != nil {
		r.logger.Warn("Failed to dispatch event",
			slog.String("type", string(event.Kind())),
			slog.String("job_id", event.Job()),
			slog.Any("error", err),
		)
	}
}
