// Package syncqueue replays mutations that clients recorded while offline.
// Every entry is re-checked against the current server state before it is
// applied; an entry that no longer fits is marked conflicted and left for the
// user to resolve.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/lifecycle"
	"github.com/cuongbtq/jobmarket/internal/storage"
	"github.com/cuongbtq/jobmarket/internal/validation"
)

// Config controls retry behaviour of replay
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Action is a user resolution of a conflicted entry
type Action string

const (
	ActionDiscard Action = "discard"
	ActionRetry   Action = "retry"
)

// Lifecycle is the job side of the operations surface
type Lifecycle interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	PostJob(ctx context.Context, jobID, actorID string) (*domain.Job, error)
	AcceptBid(ctx context.Context, in lifecycle.AcceptBidInput) (*domain.Job, error)
	MarkInProgress(ctx context.Context, jobID, actorID string) (*domain.Job, error)
	MarkCompleted(ctx context.Context, jobID, actorID string) (*domain.Job, error)
	CancelJob(ctx context.Context, jobID, actorID, reason string) (*domain.Job, error)
}

// Bidding is the bid side of the operations surface
type Bidding interface {
	SubmitBid(ctx context.Context, jobID, contractorID string, amount int64) (*domain.Bid, error)
	WithdrawBid(ctx context.Context, bidID, contractorID string) (*domain.Bid, error)
	GetBid(ctx context.Context, bidID string) (*domain.Bid, error)
	ListBids(ctx context.Context, jobID string) ([]domain.Bid, error)
}

// Scheduler arranges a later replay for a client
type Scheduler interface {
	ScheduleReplay(ctx context.Context, clientID string, delay time.Duration) error
}

// EntryInput is one queued mutation as uploaded by a client
type EntryInput struct {
	Seq             int64             `json:"seq" validate:"gt=0"`
	Op              domain.SyncOp     `json:"op" validate:"required,oneof=post_job submit_bid withdraw_bid accept_bid mark_in_progress mark_completed cancel_job"`
	TargetKind      domain.TargetKind `json:"target_kind" validate:"required,oneof=job bid"`
	TargetID        string            `json:"target_id" validate:"required"`
	JobID           string            `json:"job_id" validate:"required"`
	ActorID         string            `json:"actor_id" validate:"required"`
	ExpectedStatus  *string           `json:"expected_status,omitempty"`
	ExpectedVersion *int64            `json:"expected_version,omitempty"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
}

// EntryResult is the outcome of one entry after a replay
type EntryResult struct {
	EntryID string            `json:"entry_id"`
	Seq     int64             `json:"seq"`
	Op      domain.SyncOp     `json:"op"`
	JobID   string            `json:"job_id"`
	Status  domain.SyncStatus `json:"status"`
	Error   string            `json:"error,omitempty"`
}

// Report summarises a replay
type Report struct {
	ClientID   string        `json:"client_id"`
	Applied    int           `json:"applied"`
	Conflicted int           `json:"conflicted"`
	Pending    int           `json:"pending"`
	Discarded  int           `json:"discarded"`
	Results    []EntryResult `json:"results"`

	// Failures holds a *domain.ConflictError or *domain.SyncFailedError for
	// every entry that changed to conflicted or discarded in this replay
	Failures []error `json:"-"`
}

// Queue persists and replays offline mutations
type Queue struct {
	store     storage.SyncStore
	jobs      Lifecycle
	bids      Bidding
	scheduler Scheduler
	cfg       Config
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewQueue creates a sync queue. scheduler may be nil, in which case waiting
// entries are picked up by the next client-triggered replay.
func NewQueue(store storage.SyncStore, jobs Lifecycle, bids Bidding, scheduler Scheduler, cfg Config, logger *slog.Logger) *Queue {
	cfg.setDefaults()
	return &Queue{
		store:     store,
		jobs:      jobs,
		bids:      bids,
		scheduler: scheduler,
		cfg:       cfg,
		validate:  validation.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue stores uploaded entries. Entries whose sequence number the client
// already uploaded are ignored, so a re-upload is harmless.
func (q *Queue) Enqueue(ctx context.Context, clientID string, inputs []EntryInput) (int, error) {
	if clientID == "" {
		return 0, domain.NewValidationError("client_id", "is required")
	}

	seen := make(map[int64]bool, len(inputs))
	entries := make([]domain.SyncQueueEntry, 0, len(inputs))
	for i := range inputs {
		in := inputs[i]
		if err := validation.Struct(q.validate, &in); err != nil {
			var valErr *domain.ValidationError
			if errors.As(err, &valErr) {
				return 0, prefixFields(valErr, i)
			}
			return 0, err
		}
		if seen[in.Seq] {
			return 0, domain.NewValidationError("entries["+strconv.Itoa(i)+"].seq", "is repeated in the batch")
		}
		seen[in.Seq] = true

		payload := in.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		entries = append(entries, domain.SyncQueueEntry{
			EntryID:         uuid.NewString(),
			ClientID:        clientID,
			Seq:             in.Seq,
			Op:              in.Op,
			TargetKind:      in.TargetKind,
			TargetID:        in.TargetID,
			JobID:           in.JobID,
			ActorID:         in.ActorID,
			ExpectedStatus:  in.ExpectedStatus,
			ExpectedVersion: in.ExpectedVersion,
			Payload:         payload,
			Status:          domain.SyncStatusPending,
			CreatedAt:       q.now(),
		})
	}

	inserted, err := q.store.InsertSyncEntries(ctx, entries)
	if err != nil {
		return 0, domain.NewRetryableError(fmt.Errorf("failed to store sync entries: %w", err))
	}

	q.logger.Info("Sync entries enqueued",
		slog.String("client_id", clientID),
		slog.Int("uploaded", len(entries)),
		slog.Int("inserted", inserted),
	)
	return inserted, nil
}

// List returns every entry of a client in sequence order
func (q *Queue) List(ctx context.Context, clientID string) ([]domain.SyncQueueEntry, error) {
	return q.store.ListSyncEntries(ctx, clientID)
}

// Replay applies the client's pending entries in sequence order. A conflicted
// entry, or one still waiting for its retry, holds back later entries of the
// same job; entries for other jobs carry on. Cancelling ctx stops the replay
// between entries.
func (q *Queue) Replay(ctx context.Context, clientID string) (*Report, error) {
	entries, err := q.store.ListSyncEntries(ctx, clientID)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to list sync entries: %w", err))
	}

	report := &Report{ClientID: clientID}
	blocked := make(map[string]bool)
	var retryAt *time.Time

	for i := range entries {
		e := &entries[i]

		if e.Status == domain.SyncStatusConflicted {
			blocked[e.JobID] = true
		}
		if e.Status != domain.SyncStatusPending || blocked[e.JobID] {
			report.add(e, "")
			continue
		}

		if err := ctx.Err(); err != nil {
			q.finish(ctx, report, entries[i:])
			return report, err
		}

		now := q.now()
		if e.NextAttemptAt != nil && now.Before(*e.NextAttemptAt) {
			blocked[e.JobID] = true
			retryAt = earliest(retryAt, *e.NextAttemptAt)
			report.add(e, "")
			continue
		}

		applyErr := q.apply(ctx, e)
		if applyErr != nil && ctx.Err() != nil {
			// Interrupted mid-entry: leave it pending for the next replay
			q.finish(ctx, report, entries[i:])
			return report, ctx.Err()
		}

		fromStatus, fromAttempts := e.Status, e.Attempts
		failure := q.settle(e, applyErr, now)
		err := q.store.UpdateSyncEntry(ctx, e, fromStatus, fromAttempts)
		if errors.Is(err, domain.ErrStateMismatch) {
			// Another replay of this client settled the entry first; its
			// outcome stands and ours is dropped.
			stored, getErr := q.store.GetSyncEntry(ctx, e.EntryID)
			if getErr != nil {
				return report, domain.NewRetryableError(fmt.Errorf("failed to reload sync entry %s: %w", e.EntryID, getErr))
			}
			q.logger.Info("Sync entry settled by a concurrent replay",
				slog.String("entry_id", e.EntryID),
				slog.String("status", string(stored.Status)),
			)
			*e = *stored
			failure, applyErr = nil, nil
		} else if err != nil {
			return report, domain.NewRetryableError(fmt.Errorf("failed to update sync entry %s: %w", e.EntryID, err))
		}

		switch e.Status {
		case domain.SyncStatusConflicted:
			blocked[e.JobID] = true
		case domain.SyncStatusPending:
			blocked[e.JobID] = true
			if e.NextAttemptAt != nil {
				retryAt = earliest(retryAt, *e.NextAttemptAt)
			}
		}
		if failure != nil {
			report.Failures = append(report.Failures, failure)
		}
		report.add(e, errText(applyErr))
	}

	if retryAt != nil {
		q.scheduleRetry(ctx, clientID, retryAt.Sub(q.now()))
	}

	q.logger.Info("Sync replay finished",
		slog.String("client_id", clientID),
		slog.Int("applied", report.Applied),
		slog.Int("conflicted", report.Conflicted),
		slog.Int("pending", report.Pending),
		slog.Int("discarded", report.Discarded),
	)
	return report, nil
}

// Resolve applies the user's decision on a conflicted entry. Discard drops
// it; retry puts it back in the queue with a fresh attempt budget.
func (q *Queue) Resolve(ctx context.Context, clientID, entryID string, action Action) (*domain.SyncQueueEntry, error) {
	entry, err := q.store.GetSyncEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.ClientID != clientID {
		return nil, domain.ErrNotFound
	}

	fromStatus, fromAttempts := entry.Status, entry.Attempts
	switch action {
	case ActionDiscard:
		if entry.Status == domain.SyncStatusDiscarded {
			return entry, nil
		}
		if entry.Status != domain.SyncStatusConflicted {
			return nil, entryStateError(entry, "discard")
		}
		entry.Status = domain.SyncStatusDiscarded
	case ActionRetry:
		if entry.Status != domain.SyncStatusConflicted && entry.Status != domain.SyncStatusDiscarded {
			return nil, entryStateError(entry, "retry")
		}
		entry.Status = domain.SyncStatusPending
		entry.Attempts = 0
		entry.NextAttemptAt = nil
		entry.LastError = nil
	default:
		return nil, domain.NewValidationError("action", "must be one of discard retry")
	}

	err = q.store.UpdateSyncEntry(ctx, entry, fromStatus, fromAttempts)
	if errors.Is(err, domain.ErrStateMismatch) {
		// A replay moved the entry while the user was deciding
		if stored, getErr := q.store.GetSyncEntry(ctx, entryID); getErr == nil {
			return nil, entryStateError(stored, string(action))
		}
		return nil, entryStateError(entry, string(action))
	}
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to update sync entry: %w", err))
	}

	q.logger.Info("Sync entry resolved",
		slog.String("client_id", clientID),
		slog.String("entry_id", entryID),
		slog.String("action", string(action)),
	)
	return entry, nil
}

// settle records the outcome of one apply attempt on the entry and returns
// the error to report, if the entry left the pending state unsuccessfully.
func (q *Queue) settle(e *domain.SyncQueueEntry, applyErr error, now time.Time) error {
	e.Attempts++

	var conflict *domain.ConflictError
	switch {
	case applyErr == nil:
		e.Status = domain.SyncStatusApplied
		e.AppliedAt = &now
		e.NextAttemptAt = nil
		e.LastError = nil
		return nil

	case errors.As(applyErr, &conflict), domain.IsBusinessRejection(applyErr):
		msg := applyErr.Error()
		e.Status = domain.SyncStatusConflicted
		e.LastError = &msg
		e.NextAttemptAt = nil
		if conflict == nil {
			conflict = &domain.ConflictError{EntryID: e.EntryID, Reason: msg}
		}
		q.logger.Warn("Sync entry conflicted",
			slog.String("entry_id", e.EntryID),
			slog.String("op", string(e.Op)),
			slog.String("job_id", e.JobID),
			slog.String("reason", conflict.Reason),
		)
		return conflict

	default:
		msg := applyErr.Error()
		e.LastError = &msg
		if e.Attempts >= q.cfg.MaxAttempts {
			e.Status = domain.SyncStatusDiscarded
			e.NextAttemptAt = nil
			q.logger.Error("Sync entry discarded after retries",
				slog.String("entry_id", e.EntryID),
				slog.String("op", string(e.Op)),
				slog.Int("attempts", e.Attempts),
				slog.Any("error", applyErr),
			)
			return &domain.SyncFailedError{EntryID: e.EntryID, Attempts: e.Attempts, Err: applyErr}
		}
		next := now.Add(q.backoff(e.Attempts))
		e.NextAttemptAt = &next
		q.logger.Warn("Sync entry will be retried",
			slog.String("entry_id", e.EntryID),
			slog.Int("attempts", e.Attempts),
			slog.Time("next_attempt_at", next),
			slog.Any("error", applyErr),
		)
		return nil
	}
}

func (q *Queue) backoff(attempts int) time.Duration {
	d := time.Duration(float64(q.cfg.BaseBackoff) * math.Pow(2, float64(attempts-1)))
	if d > q.cfg.MaxBackoff || d <= 0 {
		return q.cfg.MaxBackoff
	}
	return d
}

func (q *Queue) scheduleRetry(ctx context.Context, clientID string, delay time.Duration) {
	if q.scheduler == nil {
		return
	}
	if delay < 0 {
		delay = 0
	}
	if err := q.scheduler.ScheduleReplay(ctx, clientID, delay); err != nil {
		q.logger.Warn("Failed to schedule sync replay",
			slog.String("client_id", clientID),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
	}
}

// finish reports the untouched tail of an interrupted replay
func (q *Queue) finish(ctx context.Context, report *Report, rest []domain.SyncQueueEntry) {
	for i := range rest {
		report.add(&rest[i], "")
	}
	q.logger.Warn("Sync replay interrupted",
		slog.String("client_id", report.ClientID),
		slog.Int("remaining", len(rest)),
		slog.Any("error", ctx.Err()),
	)
}

func (r *Report) add(e *domain.SyncQueueEntry, errMsg string) {
	if errMsg == "" && e.LastError != nil && e.Status != domain.SyncStatusApplied {
		errMsg = *e.LastError
	}
	r.Results = append(r.Results, EntryResult{
		EntryID: e.EntryID,
		Seq:     e.Seq,
		Op:      e.Op,
		JobID:   e.JobID,
		Status:  e.Status,
		Error:   errMsg,
	})
	switch e.Status {
	case domain.SyncStatusApplied:
		r.Applied++
	case domain.SyncStatusConflicted:
		r.Conflicted++
	case domain.SyncStatusPending:
		r.Pending++
	case domain.SyncStatusDiscarded:
		r.Discarded++
	}
}

func earliest(current *time.Time, t time.Time) *time.Time {
	if current == nil || t.Before(*current) {
		return &t
	}
	return current
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func prefixFields(err *domain.ValidationError, index int) error {
	fields := make(map[string]string, len(err.Fields))
	for f, reason := range err.Fields {
		fields["entries["+strconv.Itoa(index)+"]."+f] = reason
	}
	return &domain.ValidationError{Fields: fields}
}

func entryStateError(e *domain.SyncQueueEntry, op string) error {
	return &domain.InvalidStateError{
		Entity:    "sync_entry",
		ID:        e.EntryID,
		Operation: op,
		Current:   string(e.Status),
	}
}
