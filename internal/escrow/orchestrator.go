// Package escrow moves money for awarded jobs through the payment gateway.
//
// Every gateway call is preceded by persisting the idempotency key it will use,
// and every gateway outcome is written to the ledger before the local escrow
// state advances. An ambiguous outcome is never retried blind: the orchestrator
// asks the gateway what happened under the key first.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/payment"
	"github.com/cuongbtq/jobmarket/internal/storage"
)

// Config tunes gateway retries and reconciliation
type Config struct {
	GatewayAttempts int
	RetryBackoff    time.Duration
	ReconcileAfter  time.Duration
	ReconcileBatch  int
}

func (c *Config) setDefaults() {
	if c.GatewayAttempts <= 0 {
		c.GatewayAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = 5 * time.Minute
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = 100
	}
}

// HoldRequest describes the funds to put in escrow for an award
type HoldRequest struct {
	JobID            string
	BidID            string
	Amount           int64
	PaymentMethodRef string
}

// Orchestrator runs hold, release and refund against the gateway
type Orchestrator struct {
	store   storage.EscrowStore
	gateway payment.Gateway
	cfg     Config
	logger  *slog.Logger
	newKey  func() string
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(store storage.EscrowStore, gateway payment.Gateway, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger,
		newKey:  func() string { return uuid.NewString() },
	}
}

// settlement describes a move out of held
type settlement struct {
	op     string
	action domain.LedgerAction
	target domain.EscrowState
	status payment.IntentStatus
	key    func(e *domain.EscrowTransaction) *string
	patch  func(key string) domain.EscrowPatch
	call   func(g payment.Gateway, ctx context.Context, intentID, key string) (*payment.Intent, error)
}

var releaseSettlement = settlement{
	op:     "release funds",
	action: domain.LedgerRelease,
	target: domain.EscrowStateReleased,
	status: payment.StatusReleased,
	key:    func(e *domain.EscrowTransaction) *string { return e.ReleaseKey },
	patch:  func(key string) domain.EscrowPatch { return domain.EscrowPatch{ReleaseKey: &key} },
	call:   payment.Gateway.ReleaseIntent,
}

var refundSettlement = settlement{
	op:     "refund",
	action: domain.LedgerReverse,
	target: domain.EscrowStateRefunded,
	status: payment.StatusReversed,
	key:    func(e *domain.EscrowTransaction) *string { return e.RefundKey },
	patch:  func(key string) domain.EscrowPatch { return domain.EscrowPatch{RefundKey: &key} },
	call:   payment.Gateway.ReverseIntent,
}

// HoldFunds charges the payer and holds the money for the job. The pending
// escrow and its hold key are stored before the gateway is contacted.
func (o *Orchestrator) HoldFunds(ctx context.Context, req HoldRequest) (*domain.EscrowTransaction, error) {
	if req.Amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be greater than zero")
	}
	if req.PaymentMethodRef == "" {
		return nil, domain.NewValidationError("payment_method_ref", "is required")
	}

	e := &domain.EscrowTransaction{
		EscrowID:         uuid.NewString(),
		JobID:            req.JobID,
		BidID:            req.BidID,
		State:            domain.EscrowStatePending,
		Amount:           req.Amount,
		PaymentMethodRef: req.PaymentMethodRef,
		HoldKey:          o.newKey(),
	}

	err := o.store.CreateEscrow(ctx, e)
	if errors.Is(err, domain.ErrActiveEscrow) {
		existing, gerr := o.store.GetActiveEscrow(ctx, req.JobID)
		if gerr != nil {
			return nil, fmt.Errorf("failed to load active escrow: %w", gerr)
		}
		if existing.BidID != req.BidID || existing.Amount != req.Amount {
			return nil, escrowStateError(existing, "hold funds")
		}
		if existing.State == domain.EscrowStateHeld {
			return existing, nil
		}
		o.logger.Info("Resuming interrupted hold",
			slog.String("escrow_id", existing.EscrowID),
			slog.String("job_id", existing.JobID),
		)
		return o.driveHold(ctx, existing, true)
	}
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to create escrow: %w", err))
	}

	o.logger.Info("Escrow created",
		slog.String("escrow_id", e.EscrowID),
		slog.String("job_id", e.JobID),
		slog.String("bid_id", e.BidID),
		slog.Int64("amount", e.Amount),
	)

	return o.driveHold(ctx, e, false)
}

// ReleaseFunds pays the held money out to the contractor
func (o *Orchestrator) ReleaseFunds(ctx context.Context, jobID string) (*domain.EscrowTransaction, error) {
	return o.settle(ctx, jobID, releaseSettlement)
}

// Refund returns the held money to the owner
func (o *Orchestrator) Refund(ctx context.Context, jobID string) (*domain.EscrowTransaction, error) {
	return o.settle(ctx, jobID, refundSettlement)
}

// ActiveEscrow returns the pending or held escrow of the job, or domain.ErrNotFound
func (o *Orchestrator) ActiveEscrow(ctx context.Context, jobID string) (*domain.EscrowTransaction, error) {
	return o.store.GetActiveEscrow(ctx, jobID)
}

// ResolvePending settles a pending escrow from what the gateway knows, without
// ever creating a new intent. The result is held or failed.
func (o *Orchestrator) ResolvePending(ctx context.Context, e *domain.EscrowTransaction) (*domain.EscrowTransaction, error) {
	if e.State != domain.EscrowStatePending {
		return e, nil
	}

	intent, err := o.gateway.LookupIntent(ctx, e.HoldKey)
	if errors.Is(err, payment.ErrIntentNotFound) {
		return o.markFailed(ctx, e, domain.LedgerLookup, "no payment intent at gateway")
	}
	if err != nil {
		return nil, &domain.GatewayUnavailableError{Op: "lookup intent", Err: err}
	}
	if err := o.record(ctx, e, domain.LedgerLookup, e.HoldKey, intent.ID, string(intent.Status)); err != nil {
		return nil, err
	}

	switch intent.Status {
	case payment.StatusDeclined:
		return o.markFailed(ctx, e, domain.LedgerLookup, intent.DeclineReason)
	case payment.StatusRequiresCapture:
		captured, err := o.gateway.CaptureIntent(ctx, intent.ID, e.HoldKey)
		if payment.IsDeclined(err) {
			return o.markFailed(ctx, e, domain.LedgerCapture, err.Error())
		}
		if err != nil {
			return nil, &domain.GatewayUnavailableError{Op: "capture intent", Err: err}
		}
		intent = captured
	}

	if intent.Status != payment.StatusSucceeded {
		return nil, fmt.Errorf("escrow %s: gateway intent %s is %s", e.EscrowID, intent.ID, intent.Status)
	}
	return o.markHeld(ctx, e, intent)
}

func (o *Orchestrator) driveHold(ctx context.Context, e *domain.EscrowTransaction, lookup bool) (*domain.EscrowTransaction, error) {
	var lastErr error

	for attempt := 1; attempt <= o.cfg.GatewayAttempts; attempt++ {
		if attempt > 1 {
			if err := o.backoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}

		result, done, err := o.holdStep(ctx, e, lookup)
		if done {
			return result, err
		}

		lastErr = err
		lookup = true
		o.logger.Warn("Ambiguous gateway outcome during hold",
			slog.String("escrow_id", e.EscrowID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}

	o.logger.Error("Hold left pending for reconciliation",
		slog.String("escrow_id", e.EscrowID),
		slog.String("job_id", e.JobID),
		slog.Any("error", lastErr),
	)
	return nil, &domain.GatewayUnavailableError{Op: "hold funds", Err: lastErr}
}

// holdStep makes one pass through lookup, create and capture. done is false
// when the outcome was ambiguous and another pass is needed.
func (o *Orchestrator) holdStep(ctx context.Context, e *domain.EscrowTransaction, lookup bool) (*domain.EscrowTransaction, bool, error) {
	var intent *payment.Intent
	source := domain.LedgerCreateIntent

	if lookup {
		found, err := o.gateway.LookupIntent(ctx, e.HoldKey)
		switch {
		case errors.Is(err, payment.ErrIntentNotFound):
		case err != nil:
			return nil, false, err
		default:
			if err := o.record(ctx, e, domain.LedgerLookup, e.HoldKey, found.ID, string(found.Status)); err != nil {
				return nil, true, err
			}
			intent = found
			source = domain.LedgerLookup
		}
	}

	if intent == nil {
		created, err := o.gateway.CreatePaymentIntent(ctx, e.Amount, e.PaymentMethodRef, e.HoldKey)
		if payment.IsDeclined(err) {
			res, ferr := o.failHold(ctx, e, domain.LedgerCreateIntent, err)
			return res, true, ferr
		}
		if err != nil {
			return nil, false, err
		}
		if err := o.record(ctx, e, domain.LedgerCreateIntent, e.HoldKey, created.ID, string(created.Status)); err != nil {
			return nil, true, err
		}
		updated, err := o.store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStatePending, domain.EscrowStatePending,
			domain.EscrowPatch{GatewayRef: &created.ID})
		if err != nil {
			return o.settledElsewhere(ctx, e, err)
		}
		*e = *updated
		intent = created
	}

	switch intent.Status {
	case payment.StatusDeclined:
		res, err := o.failHold(ctx, e, source, &payment.DeclinedError{IntentID: intent.ID, Reason: intent.DeclineReason})
		return res, true, err
	case payment.StatusRequiresCapture:
		captured, err := o.gateway.CaptureIntent(ctx, intent.ID, e.HoldKey)
		if payment.IsDeclined(err) {
			res, ferr := o.failHold(ctx, e, domain.LedgerCapture, err)
			return res, true, ferr
		}
		if err != nil {
			return nil, false, err
		}
		intent = captured
	}

	if intent.Status != payment.StatusSucceeded {
		return nil, true, fmt.Errorf("escrow %s: gateway intent %s is %s", e.EscrowID, intent.ID, intent.Status)
	}

	held, err := o.markHeld(ctx, e, intent)
	return held, true, err
}

func (o *Orchestrator) settledElsewhere(ctx context.Context, e *domain.EscrowTransaction, cause error) (*domain.EscrowTransaction, bool, error) {
	if !errors.Is(cause, domain.ErrStateMismatch) {
		return nil, true, domain.NewRetryableError(fmt.Errorf("failed to update escrow: %w", cause))
	}
	current, err := o.store.GetEscrow(ctx, e.EscrowID)
	if err != nil {
		return nil, true, fmt.Errorf("failed to reload escrow: %w", err)
	}
	if current.State == domain.EscrowStateHeld {
		return current, true, nil
	}
	return nil, true, escrowStateError(current, "hold funds")
}

func (o *Orchestrator) markHeld(ctx context.Context, e *domain.EscrowTransaction, intent *payment.Intent) (*domain.EscrowTransaction, error) {
	if err := o.record(ctx, e, domain.LedgerCapture, e.HoldKey, intent.ID, string(intent.Status)); err != nil {
		return nil, err
	}

	held, err := o.store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStatePending, domain.EscrowStateHeld,
		domain.EscrowPatch{GatewayRef: &intent.ID})
	if err == nil {
		o.logger.Info("Funds held in escrow",
			slog.String("escrow_id", held.EscrowID),
			slog.String("job_id", held.JobID),
			slog.String("gateway_ref", intent.ID),
		)
		return held, nil
	}
	if !errors.Is(err, domain.ErrStateMismatch) {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to mark escrow held: %w", err))
	}

	current, gerr := o.store.GetEscrow(ctx, e.EscrowID)
	if gerr != nil {
		return nil, fmt.Errorf("failed to reload escrow: %w", gerr)
	}
	if current.State == domain.EscrowStateHeld {
		return current, nil
	}

	// The escrow was failed by a concurrent resolution while this capture was
	// in flight. The captured money must go back to the payer.
	voidKey := e.HoldKey + ":void"
	if _, verr := o.gateway.ReverseIntent(ctx, intent.ID, voidKey); verr != nil {
		o.logger.Error("Failed to void capture on failed escrow",
			slog.String("escrow_id", e.EscrowID),
			slog.String("gateway_ref", intent.ID),
			slog.Any("error", verr),
		)
		return nil, &domain.GatewayUnavailableError{Op: "void capture", Err: verr}
	}
	if rerr := o.record(ctx, e, domain.LedgerReverse, voidKey, intent.ID, string(payment.StatusReversed)); rerr != nil {
		return nil, rerr
	}
	return nil, escrowStateError(current, "hold funds")
}

func (o *Orchestrator) failHold(ctx context.Context, e *domain.EscrowTransaction, action domain.LedgerAction, cause error) (*domain.EscrowTransaction, error) {
	reason := cause.Error()
	var declined *payment.DeclinedError
	if errors.As(cause, &declined) {
		reason = declined.Reason
	}

	failed, err := o.markFailed(ctx, e, action, reason)
	if err != nil {
		return nil, err
	}

	gatewayRef := ""
	if failed.GatewayRef != nil {
		gatewayRef = *failed.GatewayRef
	}
	return nil, &domain.PaymentDeclinedError{Reason: reason, GatewayRef: gatewayRef}
}

// markFailed records the failing gateway action and moves the escrow to failed
func (o *Orchestrator) markFailed(ctx context.Context, e *domain.EscrowTransaction, action domain.LedgerAction, reason string) (*domain.EscrowTransaction, error) {
	ref := ""
	if e.GatewayRef != nil {
		ref = *e.GatewayRef
	}
	if err := o.record(ctx, e, action, e.HoldKey, ref, "failed: "+reason); err != nil {
		return nil, err
	}

	failed, err := o.store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStatePending, domain.EscrowStateFailed,
		domain.EscrowPatch{FailureReason: &reason})
	if err != nil {
		return nil, fmt.Errorf("failed to mark escrow failed: %w", err)
	}

	o.logger.Warn("Escrow failed",
		slog.String("escrow_id", failed.EscrowID),
		slog.String("job_id", failed.JobID),
		slog.String("reason", reason),
	)
	return failed, nil
}

func (o *Orchestrator) settle(ctx context.Context, jobID string, s settlement) (*domain.EscrowTransaction, error) {
	e, err := o.store.GetActiveEscrow(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return o.alreadySettled(ctx, jobID, s)
	}
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to load escrow: %w", err))
	}

	if e.State != domain.EscrowStateHeld {
		return nil, escrowStateError(e, s.op)
	}
	other := refundSettlement
	if s.target == domain.EscrowStateRefunded {
		other = releaseSettlement
	}
	if other.key(e) != nil {
		return nil, escrowStateError(e, s.op)
	}

	resume := s.key(e) != nil
	if !resume {
		e, err = o.store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStateHeld, domain.EscrowStateHeld, s.patch(o.newKey()))
		if err != nil {
			if errors.Is(err, domain.ErrStateMismatch) {
				return o.alreadySettled(ctx, jobID, s)
			}
			return nil, domain.NewRetryableError(fmt.Errorf("failed to persist %s key: %w", s.op, err))
		}
	}

	return o.driveSettle(ctx, e, s, resume)
}

func (o *Orchestrator) driveSettle(ctx context.Context, e *domain.EscrowTransaction, s settlement, lookup bool) (*domain.EscrowTransaction, error) {
	if e.GatewayRef == nil {
		return nil, fmt.Errorf("escrow %s is held without a gateway reference", e.EscrowID)
	}
	key := *s.key(e)
	var lastErr error

	for attempt := 1; attempt <= o.cfg.GatewayAttempts; attempt++ {
		if attempt > 1 {
			if err := o.backoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}

		if lookup {
			found, err := o.gateway.LookupIntent(ctx, key)
			if err == nil && found.Status == s.status {
				return o.markSettled(ctx, e, s, found)
			}
			if err != nil && !errors.Is(err, payment.ErrIntentNotFound) {
				lastErr = err
				continue
			}
		}

		intent, err := s.call(o.gateway, ctx, *e.GatewayRef, key)
		if payment.IsDeclined(err) {
			return nil, o.declineSettle(ctx, e, s, err)
		}
		if err != nil {
			lastErr = err
			lookup = true
			o.logger.Warn("Ambiguous gateway outcome during settlement",
				slog.String("escrow_id", e.EscrowID),
				slog.String("operation", s.op),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			continue
		}
		return o.markSettled(ctx, e, s, intent)
	}

	return nil, &domain.GatewayUnavailableError{Op: s.op, Err: lastErr}
}

// declineSettle records a declined release or refund and drops its key so the
// escrow stays held and open to the other settlement.
func (o *Orchestrator) declineSettle(ctx context.Context, e *domain.EscrowTransaction, s settlement, cause error) error {
	var declined *payment.DeclinedError
	errors.As(cause, &declined)
	reason := cause.Error()
	if declined != nil {
		reason = declined.Reason
	}

	if err := o.record(ctx, e, s.action, *s.key(e), *e.GatewayRef, "declined: "+reason); err != nil {
		return err
	}

	cleared, err := o.store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStateHeld, domain.EscrowStateHeld,
		domain.EscrowPatch{ClearSettleKeys: true})
	switch {
	case err == nil:
		*e = *cleared
	case errors.Is(err, domain.ErrStateMismatch):
	default:
		return domain.NewRetryableError(fmt.Errorf("failed to clear %s key: %w", s.op, err))
	}

	o.logger.Warn("Escrow settlement declined",
		slog.String("escrow_id", e.EscrowID),
		slog.String("job_id", e.JobID),
		slog.String("operation", s.op),
		slog.String("reason", reason),
	)
	return &domain.PaymentDeclinedError{Reason: reason, GatewayRef: *e.GatewayRef}
}

func (o *Orchestrator) markSettled(ctx context.Context, e *domain.EscrowTransaction, s settlement, intent *payment.Intent) (*domain.EscrowTransaction, error) {
	if intent.Status != s.status {
		return nil, fmt.Errorf("escrow %s: gateway intent %s is %s after %s", e.EscrowID, intent.ID, intent.Status, s.op)
	}
	if err := o.record(ctx, e, s.action, *s.key(e), intent.ID, string(intent.Status)); err != nil {
		return nil, err
	}

	settled, err := o.store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStateHeld, s.target, domain.EscrowPatch{})
	if err != nil {
		if errors.Is(err, domain.ErrStateMismatch) {
			current, gerr := o.store.GetEscrow(ctx, e.EscrowID)
			if gerr == nil && current.State == s.target {
				return current, nil
			}
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to mark escrow %s: %w", s.target, err))
	}

	o.logger.Info("Escrow settled",
		slog.String("escrow_id", settled.EscrowID),
		slog.String("job_id", settled.JobID),
		slog.String("state", string(settled.State)),
	)
	return settled, nil
}

// alreadySettled makes release and refund idempotent once the escrow has
// reached the requested terminal state.
func (o *Orchestrator) alreadySettled(ctx context.Context, jobID string, s settlement) (*domain.EscrowTransaction, error) {
	all, err := o.store.ListEscrowsByJob(ctx, jobID)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to list escrows: %w", err))
	}
	if len(all) == 0 {
		return nil, &domain.InvalidStateError{Entity: "escrow", ID: jobID, Operation: s.op, Current: "none"}
	}
	last := all[len(all)-1]
	if last.State == s.target {
		return &last, nil
	}
	return nil, escrowStateError(&last, s.op)
}

func (o *Orchestrator) record(ctx context.Context, e *domain.EscrowTransaction, action domain.LedgerAction, key, gatewayRef, outcome string) error {
	entry := &domain.LedgerEntry{
		EntryID:        uuid.NewString(),
		EscrowID:       e.EscrowID,
		Action:         action,
		IdempotencyKey: key,
		Outcome:        outcome,
	}
	if gatewayRef != "" {
		entry.GatewayRef = &gatewayRef
	}
	if err := o.store.AppendLedger(ctx, entry); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to append ledger entry: %w", err))
	}
	return nil
}

func (o *Orchestrator) backoff(ctx context.Context, attempt int) error {
	delay := o.cfg.RetryBackoff * time.Duration(1<<uint(attempt-2))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func escrowStateError(e *domain.EscrowTransaction, op string) error {
	return &domain.InvalidStateError{
		Entity:    "escrow",
		ID:        e.EscrowID,
		Operation: op,
		Current:   string(e.State),
		Version:   e.Version,
	}
}
