// Package postgres implements storage.Store on PostgreSQL through sqlx.
// State transitions are single conditional UPDATE statements so that concurrent
// writers serialize on the row lock and the loser observes no match.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/storage"
	"github.com/cuongbtq/jobmarket/shared/postgresql"
)

const uniqueViolation = "23505"

const jobColumns = `
	job_id, owner_id, title, description, location, budget_min, budget_max,
	status, awarded_bid_id, payment_method_ref, version, created_at, updated_at`

const bidColumns = `
	bid_id, job_id, contractor_id, amount, status, seq, version, submitted_at, updated_at`

const escrowColumns = `
	escrow_id, job_id, bid_id, state, amount, payment_method_ref, gateway_ref,
	hold_key, release_key, refund_key, failure_reason, version, created_at,
	updated_at, held_at, released_at, refunded_at, failed_at`

const syncColumns = `
	entry_id, client_id, seq, op, target_kind, target_id, job_id, actor_id,
	expected_status, expected_version, payload, status, attempts,
	next_attempt_at, last_error, created_at, applied_at`

// Store is the PostgreSQL store
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a store on top of the shared PostgreSQL client
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		db:     pg.GetDB(),
		logger: logger,
	}
}

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, owner_id, title, description, location,
			budget_min, budget_max, status, payment_method_ref, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, 1
		)
		RETURNING version, created_at, updated_at
	`

	err := s.db.QueryRowxContext(ctx, query,
		job.JobID,
		job.OwnerID,
		job.Title,
		job.Description,
		job.Location,
		job.BudgetMin,
		job.BudgetMax,
		job.Status,
		job.PaymentMethodRef,
	).Scan(&job.Version, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// One extra row tells the caller whether another page exists
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

func (s *Store) TransitionJob(ctx context.Context, jobID string, from []domain.JobStatus, to domain.JobStatus) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE job_id = $2 AND status = ANY($3)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, to, jobID, pq.Array(jobStatusStrings(from)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.missOrMismatch(ctx, s.db, "jobs", "job_id", jobID)
		}
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	return &job, nil
}

func (s *Store) AwardJob(ctx context.Context, jobID, bidID string) (*domain.Job, error) {
	var job domain.Job

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// The row lock taken here serializes competing awards; a loser
		// re-evaluates the predicate after the winner commits and matches nothing.
		award := `
			UPDATE jobs
			SET status = $3, awarded_bid_id = $2, version = version + 1, updated_at = NOW()
			WHERE job_id = $1
			  AND status = ANY($4)
			  AND EXISTS (
				SELECT 1 FROM bids
				WHERE bid_id = $2 AND job_id = $1 AND status = $5
			  )
			RETURNING ` + jobColumns

		err := tx.GetContext(ctx, &job, award,
			jobID, bidID, domain.JobStatusAwarded,
			pq.Array(jobStatusStrings(domain.OpenStatuses)),
			domain.BidStatusSubmitted,
		)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return s.missOrMismatch(ctx, tx, "jobs", "job_id", jobID)
			}
			return fmt.Errorf("failed to award job: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE bids SET status = $2, version = version + 1, updated_at = NOW()
			WHERE bid_id = $1 AND status = $3`,
			bidID, domain.BidStatusAccepted, domain.BidStatusSubmitted,
		)
		if err != nil {
			return fmt.Errorf("failed to accept bid: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return domain.ErrStateMismatch
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE bids SET status = $3, version = version + 1, updated_at = NOW()
			WHERE job_id = $1 AND bid_id <> $2 AND status = $4`,
			jobID, bidID, domain.BidStatusRejected, domain.BidStatusSubmitted,
		)
		if err != nil {
			return fmt.Errorf("failed to reject competing bids: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (s *Store) RevertAward(ctx context.Context, jobID, bidID string) (*domain.Job, error) {
	var job domain.Job

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		revert := `
			UPDATE jobs
			SET status = $3, awarded_bid_id = NULL, version = version + 1, updated_at = NOW()
			WHERE job_id = $1 AND status = $4 AND awarded_bid_id = $2
			RETURNING ` + jobColumns

		err := tx.GetContext(ctx, &job, revert, jobID, bidID, domain.JobStatusPosted, domain.JobStatusAwarded)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return s.missOrMismatch(ctx, tx, "jobs", "job_id", jobID)
			}
			return fmt.Errorf("failed to revert award: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE bids SET status = $2, version = version + 1, updated_at = NOW()
			WHERE job_id = $1 AND status = ANY($3)`,
			jobID, domain.BidStatusSubmitted,
			pq.Array([]string{string(domain.BidStatusAccepted), string(domain.BidStatusRejected)}),
		)
		if err != nil {
			return fmt.Errorf("failed to reopen bids: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (s *Store) CreateBid(ctx context.Context, bid *domain.Bid) error {
	// FOR SHARE conflicts with the award's row lock, so a bid can never slip
	// in after the competing bids were rejected.
	query := `
		INSERT INTO bids (bid_id, job_id, contractor_id, amount, status, version)
		SELECT $1, $2, $3, $4, $5, 1
		WHERE EXISTS (
			SELECT 1 FROM jobs WHERE job_id = $2 AND status = ANY($6) FOR SHARE
		)
		RETURNING status, seq, version, submitted_at, updated_at
	`

	err := s.db.QueryRowxContext(ctx, query,
		bid.BidID,
		bid.JobID,
		bid.ContractorID,
		bid.Amount,
		domain.BidStatusSubmitted,
		pq.Array(jobStatusStrings(domain.OpenStatuses)),
	).Scan(&bid.Status, &bid.Seq, &bid.Version, &bid.SubmittedAt, &bid.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.missOrMismatch(ctx, s.db, "jobs", "job_id", bid.JobID)
		}
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("failed to create bid: %w", err)
	}

	return nil
}

func (s *Store) GetBid(ctx context.Context, bidID string) (*domain.Bid, error) {
	var bid domain.Bid
	query := `SELECT ` + bidColumns + ` FROM bids WHERE bid_id = $1`

	if err := s.db.GetContext(ctx, &bid, query, bidID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}

	return &bid, nil
}

func (s *Store) ListBidsByJob(ctx context.Context, jobID string) ([]domain.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE job_id = $1 ORDER BY submitted_at, seq`

	var bids []domain.Bid
	if err := s.db.SelectContext(ctx, &bids, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}

	return bids, nil
}

func (s *Store) WithdrawBid(ctx context.Context, bidID string) (*domain.Bid, error) {
	query := `
		UPDATE bids SET status = $2, version = version + 1, updated_at = NOW()
		WHERE bid_id = $1 AND status = $3
		RETURNING ` + bidColumns

	var bid domain.Bid
	err := s.db.GetContext(ctx, &bid, query, bidID, domain.BidStatusWithdrawn, domain.BidStatusSubmitted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.missOrMismatch(ctx, s.db, "bids", "bid_id", bidID)
		}
		return nil, fmt.Errorf("failed to withdraw bid: %w", err)
	}

	return &bid, nil
}

func (s *Store) CreateEscrow(ctx context.Context, escrow *domain.EscrowTransaction) error {
	query := `
		INSERT INTO escrow_transactions (
			escrow_id, job_id, bid_id, state, amount, payment_method_ref, hold_key, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, 1
		)
		RETURNING version, created_at, updated_at
	`

	err := s.db.QueryRowxContext(ctx, query,
		escrow.EscrowID,
		escrow.JobID,
		escrow.BidID,
		escrow.State,
		escrow.Amount,
		escrow.PaymentMethodRef,
		escrow.HoldKey,
	).Scan(&escrow.Version, &escrow.CreatedAt, &escrow.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrActiveEscrow
		}
		return fmt.Errorf("failed to create escrow: %w", err)
	}

	return nil
}

func (s *Store) GetEscrow(ctx context.Context, escrowID string) (*domain.EscrowTransaction, error) {
	var e domain.EscrowTransaction
	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE escrow_id = $1`

	if err := s.db.GetContext(ctx, &e, query, escrowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}

	return &e, nil
}

func (s *Store) GetActiveEscrow(ctx context.Context, jobID string) (*domain.EscrowTransaction, error) {
	var e domain.EscrowTransaction
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_transactions
		WHERE job_id = $1 AND state IN ('pending', 'held')`

	if err := s.db.GetContext(ctx, &e, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active escrow: %w", err)
	}

	return &e, nil
}

func (s *Store) ListEscrowsByJob(ctx context.Context, jobID string) ([]domain.EscrowTransaction, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE job_id = $1 ORDER BY created_at`

	var out []domain.EscrowTransaction
	if err := s.db.SelectContext(ctx, &out, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}

	return out, nil
}

func (s *Store) TransitionEscrow(ctx context.Context, escrowID string, from, to domain.EscrowState, patch domain.EscrowPatch) (*domain.EscrowTransaction, error) {
	query := `
		UPDATE escrow_transactions SET
			state          = $3::text,
			gateway_ref    = COALESCE($4, gateway_ref),
			release_key    = CASE WHEN $8 THEN NULL ELSE COALESCE($5, release_key) END,
			refund_key     = CASE WHEN $8 THEN NULL ELSE COALESCE($6, refund_key) END,
			failure_reason = COALESCE($7, failure_reason),
			held_at        = CASE WHEN $3::text = 'held' AND state <> 'held' THEN NOW() ELSE held_at END,
			released_at    = CASE WHEN $3::text = 'released' AND state <> 'released' THEN NOW() ELSE released_at END,
			refunded_at    = CASE WHEN $3::text = 'refunded' AND state <> 'refunded' THEN NOW() ELSE refunded_at END,
			failed_at      = CASE WHEN $3::text = 'failed' AND state <> 'failed' THEN NOW() ELSE failed_at END,
			version        = version + 1,
			updated_at     = NOW()
		WHERE escrow_id = $1 AND state = $2
		RETURNING ` + escrowColumns

	var e domain.EscrowTransaction
	err := s.db.GetContext(ctx, &e, query,
		escrowID, from, to,
		patch.GatewayRef, patch.ReleaseKey, patch.RefundKey, patch.FailureReason, patch.ClearSettleKeys,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.missOrMismatch(ctx, s.db, "escrow_transactions", "escrow_id", escrowID)
		}
		return nil, fmt.Errorf("failed to transition escrow: %w", err)
	}

	return &e, nil
}

func (s *Store) ListUnsettledEscrows(ctx context.Context, olderThan time.Time, limit int) ([]domain.EscrowTransaction, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_transactions
		WHERE (state = 'pending'
		       OR (state = 'held' AND (release_key IS NOT NULL OR refund_key IS NOT NULL)))
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	var out []domain.EscrowTransaction
	if err := s.db.SelectContext(ctx, &out, query, olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to list unsettled escrows: %w", err)
	}

	return out, nil
}

func (s *Store) AppendLedger(ctx context.Context, entry *domain.LedgerEntry) error {
	query := `
		INSERT INTO escrow_ledger (entry_id, escrow_id, action, idempotency_key, gateway_ref, outcome)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING recorded_at
	`

	err := s.db.QueryRowxContext(ctx, query,
		entry.EntryID,
		entry.EscrowID,
		entry.Action,
		entry.IdempotencyKey,
		entry.GatewayRef,
		entry.Outcome,
	).Scan(&entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return nil
}

func (s *Store) ListLedger(ctx context.Context, escrowID string) ([]domain.LedgerEntry, error) {
	query := `
		SELECT entry_id, escrow_id, action, idempotency_key, gateway_ref, outcome, recorded_at
		FROM escrow_ledger
		WHERE escrow_id = $1
		ORDER BY recorded_at, entry_id`

	var out []domain.LedgerEntry
	if err := s.db.SelectContext(ctx, &out, query, escrowID); err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}

	return out, nil
}

func (s *Store) InsertSyncEntries(ctx context.Context, entries []domain.SyncQueueEntry) (int, error) {
	inserted := 0

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO sync_queue_entries (
				entry_id, client_id, seq, op, target_kind, target_id, job_id, actor_id,
				expected_status, expected_version, payload, status, attempts
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8,
				$9, $10, $11::jsonb, $12, $13
			)
			ON CONFLICT (client_id, seq) DO NOTHING
		`
		for _, e := range entries {
			payload := "{}"
			if len(e.Payload) > 0 {
				payload = string(e.Payload)
			}
			res, err := tx.ExecContext(ctx, query,
				e.EntryID, e.ClientID, e.Seq, e.Op, e.TargetKind, e.TargetID, e.JobID, e.ActorID,
				e.ExpectedStatus, e.ExpectedVersion, payload, e.Status, e.Attempts,
			)
			if err != nil {
				return fmt.Errorf("failed to insert sync entry %s: %w", e.EntryID, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

func (s *Store) ListSyncEntries(ctx context.Context, clientID string) ([]domain.SyncQueueEntry, error) {
	query := `SELECT ` + syncColumns + ` FROM sync_queue_entries WHERE client_id = $1 ORDER BY seq`

	var out []domain.SyncQueueEntry
	if err := s.db.SelectContext(ctx, &out, query, clientID); err != nil {
		return nil, fmt.Errorf("failed to list sync entries: %w", err)
	}

	return out, nil
}

func (s *Store) GetSyncEntry(ctx context.Context, entryID string) (*domain.SyncQueueEntry, error) {
	var e domain.SyncQueueEntry
	query := `SELECT ` + syncColumns + ` FROM sync_queue_entries WHERE entry_id = $1`

	if err := s.db.GetContext(ctx, &e, query, entryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync entry: %w", err)
	}

	return &e, nil
}

func (s *Store) UpdateSyncEntry(ctx context.Context, entry *domain.SyncQueueEntry, from domain.SyncStatus, fromAttempts int) error {
	query := `
		UPDATE sync_queue_entries
		SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5, applied_at = $6
		WHERE entry_id = $1 AND status = $7 AND attempts = $8
	`

	res, err := s.db.ExecContext(ctx, query,
		entry.EntryID,
		entry.Status,
		entry.Attempts,
		entry.NextAttemptAt,
		entry.LastError,
		entry.AppliedAt,
		from,
		fromAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrMismatch(ctx, s.db, "sync_queue_entries", "entry_id", entry.EntryID)
	}

	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", slog.String("error", rbErr.Error()))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// missOrMismatch tells a missing row apart from a failed predicate after a
// conditional statement matched nothing.
func (s *Store) missOrMismatch(ctx context.Context, q sqlx.QueryerContext, table, column, id string) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)`, table, column)
	if err := sqlx.GetContext(ctx, q, &exists, query, id); err != nil {
		return fmt.Errorf("failed to check %s existence: %w", table, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrStateMismatch
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func jobStatusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
