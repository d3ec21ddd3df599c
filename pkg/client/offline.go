package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/realtime"
	"github.com/cuongbtq/jobmarket/internal/syncqueue"
)

// OfflineClient runs mutations online when it can and records them in the
// outbox when the server is unreachable. Flush later uploads and replays them.
type OfflineClient struct {
	api      *Client
	outbox   *Outbox
	cache    *realtime.SnapshotCache
	clientID string
	logger   *slog.Logger
}

// NewOfflineClient creates an offline-capable client for one device.
func NewOfflineClient(api *Client, outbox *Outbox, clientID string, logger *slog.Logger) *OfflineClient {
	return &OfflineClient{
		api:      api,
		outbox:   outbox,
		cache:    realtime.NewSnapshotCache(),
		clientID: clientID,
		logger:   logger,
	}
}

// Result tells whether a mutation ran online or was queued.
type Result struct {
	Queued bool
	Seq    int64
}

// Cached returns the last known view of a job.
func (c *OfflineClient) Cached(jobID string) (*realtime.Snapshot, bool) {
	return c.cache.Get(jobID)
}

// Refresh loads the authoritative view of a job into the cache.
func (c *OfflineClient) Refresh(ctx context.Context, jobID string) (*realtime.Snapshot, error) {
	snap, err := c.api.Snapshot(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.cache.MergeSnapshot(snap)
	got, _ := c.cache.Get(jobID)
	return got, nil
}

// Apply merges a realtime update into the cache.
func (c *OfflineClient) Apply(u *realtime.Update) (bool, error) {
	return c.cache.Merge(u)
}

func (c *OfflineClient) PostJob(ctx context.Context, jobID string) (Result, error) {
	return c.mutate(ctx, jobID, domain.SyncOpPostJob, domain.TargetJob, jobID, nil, func(ctx context.Context) error {
		_, err := c.api.PostJob(ctx, jobID)
		return err
	})
}

func (c *OfflineClient) SubmitBid(ctx context.Context, jobID string, amount int64) (Result, error) {
	payload := domain.SubmitBidPayload{Amount: amount}
	return c.mutate(ctx, jobID, domain.SyncOpSubmitBid, domain.TargetJob, jobID, payload, func(ctx context.Context) error {
		_, err := c.api.SubmitBid(ctx, jobID, amount)
		return err
	})
}

func (c *OfflineClient) WithdrawBid(ctx context.Context, jobID, bidID string) (Result, error) {
	return c.mutate(ctx, jobID, domain.SyncOpWithdrawBid, domain.TargetBid, bidID, nil, func(ctx context.Context) error {
		_, err := c.api.WithdrawBid(ctx, bidID)
		return err
	})
}

func (c *OfflineClient) AcceptBid(ctx context.Context, jobID, bidID, paymentMethodRef string) (Result, error) {
	payload := domain.AcceptBidPayload{BidID: bidID, PaymentMethodRef: paymentMethodRef}
	return c.mutate(ctx, jobID, domain.SyncOpAcceptBid, domain.TargetJob, jobID, payload, func(ctx context.Context) error {
		_, err := c.api.AcceptBid(ctx, jobID, bidID, paymentMethodRef)
		return err
	})
}

func (c *OfflineClient) MarkInProgress(ctx context.Context, jobID string) (Result, error) {
	return c.mutate(ctx, jobID, domain.SyncOpMarkInProgress, domain.TargetJob, jobID, nil, func(ctx context.Context) error {
		_, err := c.api.MarkInProgress(ctx, jobID)
		return err
	})
}

func (c *OfflineClient) MarkCompleted(ctx context.Context, jobID string) (Result, error) {
	return c.mutate(ctx, jobID, domain.SyncOpMarkCompleted, domain.TargetJob, jobID, nil, func(ctx context.Context) error {
		_, err := c.api.MarkCompleted(ctx, jobID)
		return err
	})
}

func (c *OfflineClient) CancelJob(ctx context.Context, jobID, reason string) (Result, error) {
	payload := domain.CancelJobPayload{Reason: reason}
	return c.mutate(ctx, jobID, domain.SyncOpCancelJob, domain.TargetJob, jobID, payload, func(ctx context.Context) error {
		_, err := c.api.CancelJob(ctx, jobID, reason)
		return err
	})
}

// Flush uploads pending outbox entries, replays them and records the server's
// verdict on each. Jobs with conflicted or discarded entries are refreshed.
func (c *OfflineClient) Flush(ctx context.Context) (*syncqueue.Report, error) {
	pending, err := c.outbox.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &syncqueue.Report{ClientID: c.clientID}, nil
	}

	inputs := make([]syncqueue.EntryInput, 0, len(pending))
	for i := range pending {
		inputs = append(inputs, pending[i].Input(c.api.UserID))
	}
	if _, err := c.api.UploadEntries(ctx, c.clientID, inputs); err != nil {
		return nil, fmt.Errorf("failed to upload outbox: %w", err)
	}

	report, err := c.api.Replay(ctx, c.clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to replay outbox: %w", err)
	}

	// The server list also covers entries settled by an earlier replay the
	// client never saw the report of.
	entries, err := c.api.ListEntries(ctx, c.clientID)
	if err != nil {
		return report, fmt.Errorf("failed to list sync entries: %w", err)
	}
	local := make(map[int64]bool, len(pending))
	for i := range pending {
		local[pending[i].Seq] = true
	}

	refresh := map[string]bool{}
	for _, e := range entries {
		if !local[e.Seq] || e.Status == domain.SyncStatusPending {
			continue
		}
		lastError := ""
		if e.LastError != nil {
			lastError = *e.LastError
		}
		if err := c.outbox.Mark(ctx, e.Seq, e.Status, lastError); err != nil {
			return report, err
		}
		if e.Status != domain.SyncStatusApplied {
			refresh[e.JobID] = true
		}
	}

	for jobID := range refresh {
		if _, err := c.Refresh(ctx, jobID); err != nil {
			c.logger.Warn("Failed to refresh job after sync conflict",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}

	c.logger.Info("Outbox flushed",
		slog.String("client_id", c.clientID),
		slog.Int("applied", report.Applied),
		slog.Int("conflicted", report.Conflicted),
		slog.Int("pending", report.Pending),
		slog.Int("discarded", report.Discarded),
	)
	return report, nil
}

func (c *OfflineClient) mutate(ctx context.Context, jobID string, op domain.SyncOp, kind domain.TargetKind, targetID string, payload any, online func(context.Context) error) (Result, error) {
	queued, err := c.outbox.PendingForJob(ctx, jobID)
	if err != nil {
		return Result{}, err
	}

	// Later mutations of a job wait behind its queued ones
	var cause error
	if len(queued) == 0 {
		cause = online(ctx)
		if cause == nil {
			if _, rerr := c.Refresh(ctx, jobID); rerr != nil {
				c.logger.Debug("Failed to refresh job after mutation", slog.String("job_id", jobID), slog.Any("error", rerr))
			}
			return Result{}, nil
		}
		if !IsNetworkError(cause) {
			return Result{}, cause
		}
	}

	entry := &OutboxEntry{
		Op:         op,
		TargetKind: kind,
		TargetID:   targetID,
		JobID:      jobID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Result{}, err
		}
		entry.Payload = string(data)
	}
	if snap, ok := c.cache.Get(jobID); ok {
		status := string(snap.Job.Status)
		version := snap.Job.Version
		entry.ExpectedStatus = &status
		entry.ExpectedVersion = &version
	}
	if status, ok := intendedStatus(queued); ok {
		entry.ExpectedStatus = &status
		entry.ExpectedVersion = nil
	}

	seq, err := c.outbox.Record(ctx, entry)
	if err != nil {
		return Result{}, err
	}
	c.logger.Info("Mutation queued",
		slog.String("op", string(op)),
		slog.String("job_id", jobID),
		slog.Int64("seq", seq),
		slog.Any("cause", cause),
	)
	return Result{Queued: true, Seq: seq}, nil
}

// intendedStatus is the job status the queued entries leave behind once
// applied, if any of them moves the job.
func intendedStatus(queued []OutboxEntry) (string, bool) {
	for i := len(queued) - 1; i >= 0; i-- {
		if status, ok := opResult[queued[i].Op]; ok {
			return string(status), true
		}
	}
	return "", false
}

var opResult = map[domain.SyncOp]domain.JobStatus{
	domain.SyncOpPostJob:        domain.JobStatusPosted,
	domain.SyncOpAcceptBid:      domain.JobStatusAwarded,
	domain.SyncOpMarkInProgress: domain.JobStatusInProgress,
	domain.SyncOpMarkCompleted:  domain.JobStatusCompleted,
	domain.SyncOpCancelJob:      domain.JobStatusCancelled,
}

// IsNetworkError reports whether err means the server could not be reached.
func IsNetworkError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
