package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/syncqueue"
)

const outboxFile = "outbox.db"

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	op               TEXT NOT NULL,
	target_kind      TEXT NOT NULL,
	target_id        TEXT NOT NULL,
	job_id           TEXT NOT NULL,
	expected_status  TEXT,
	expected_version INTEGER,
	payload          TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'pending',
	last_error       TEXT,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_entries(status, seq);
`

// OutboxEntry is one mutation recorded while offline.
type OutboxEntry struct {
	Seq             int64             `db:"seq"`
	Op              domain.SyncOp     `db:"op"`
	TargetKind      domain.TargetKind `db:"target_kind"`
	TargetID        string            `db:"target_id"`
	JobID           string            `db:"job_id"`
	ExpectedStatus  *string           `db:"expected_status"`
	ExpectedVersion *int64            `db:"expected_version"`
	Payload         string            `db:"payload"`
	Status          domain.SyncStatus `db:"status"`
	LastError       *string           `db:"last_error"`
	CreatedAt       string            `db:"created_at"`
}

// Input converts the entry to its upload form.
func (e *OutboxEntry) Input(actorID string) syncqueue.EntryInput {
	return syncqueue.EntryInput{
		Seq:             e.Seq,
		Op:              e.Op,
		TargetKind:      e.TargetKind,
		TargetID:        e.TargetID,
		JobID:           e.JobID,
		ActorID:         actorID,
		ExpectedStatus:  e.ExpectedStatus,
		ExpectedVersion: e.ExpectedVersion,
		Payload:         json.RawMessage(e.Payload),
	}
}

// Outbox is a durable SQLite queue of offline mutations. The row id is the
// per-client sequence number, so entries keep the order they were made in.
type Outbox struct {
	db *sqlx.DB
}

// OpenOutbox opens or creates the outbox database in dir.
func OpenOutbox(dir string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", filepath.Join(dir, outboxFile))
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(outboxSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outbox schema: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Record appends a pending entry and returns its sequence number.
func (o *Outbox) Record(ctx context.Context, e *OutboxEntry) (int64, error) {
	if e.Payload == "" {
		e.Payload = "{}"
	}
	e.Status = domain.SyncStatusPending
	e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	res, err := o.db.NamedExecContext(ctx, `
		INSERT INTO outbox_entries (op, target_kind, target_id, job_id, expected_status, expected_version, payload, status, created_at)
		VALUES (:op, :target_kind, :target_id, :job_id, :expected_status, :expected_version, :payload, :status, :created_at)`, e)
	if err != nil {
		return 0, fmt.Errorf("failed to record outbox entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox sequence: %w", err)
	}
	e.Seq = seq
	return seq, nil
}

// Pending returns entries not yet settled by the server, in sequence order.
func (o *Outbox) Pending(ctx context.Context) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := o.db.SelectContext(ctx, &entries,
		`SELECT * FROM outbox_entries WHERE status = ? ORDER BY seq`, domain.SyncStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox entries: %w", err)
	}
	return entries, nil
}

// Get returns one entry.
func (o *Outbox) Get(ctx context.Context, seq int64) (*OutboxEntry, error) {
	var e OutboxEntry
	if err := o.db.GetContext(ctx, &e, `SELECT * FROM outbox_entries WHERE seq = ?`, seq); err != nil {
		return nil, fmt.Errorf("failed to get outbox entry %d: %w", seq, err)
	}
	return &e, nil
}

// Mark records the server's verdict on an entry.
func (o *Outbox) Mark(ctx context.Context, seq int64, status domain.SyncStatus, lastError string) error {
	var errText *string
	if lastError != "" {
		errText = &lastError
	}
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox_entries SET status = ?, last_error = ? WHERE seq = ?`, status, errText, seq)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %d: %w", seq, err)
	}
	return nil
}

// PendingForJob returns the pending entries of one job, in sequence order.
func (o *Outbox) PendingForJob(ctx context.Context, jobID string) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := o.db.SelectContext(ctx, &entries,
		`SELECT * FROM outbox_entries WHERE status = ? AND job_id = ? ORDER BY seq`, domain.SyncStatusPending, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox entries: %w", err)
	}
	return entries, nil
}
