// Package client is a Go client for the job marketplace API with an offline
// outbox that queues mutations while the network is unavailable.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/jobmarket/internal/api/dto"
	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/realtime"
	"github.com/cuongbtq/jobmarket/internal/syncqueue"
)

// Client is a minimal HTTP client for the /api/v1 surface.
type Client struct {
	BaseURL    string
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client acting as userID.
func New(baseURL, userID string) *Client {
	return &Client{
		BaseURL: baseURL,
		UserID:  userID,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Current    string
	Version    int64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
}

// CreateJob stores a draft job.
func (c *Client) CreateJob(ctx context.Context, req dto.CreateJobRequest) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, http.MethodPost, "jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns one page of jobs.
func (c *Client) ListJobs(ctx context.Context, req dto.ListJobsRequest) (*dto.ListJobsResponse, error) {
	q := url.Values{}
	if req.OwnerID != "" {
		q.Set("owner_id", req.OwnerID)
	}
	if req.Status != "" {
		q.Set("status", req.Status)
	}
	if req.PageSize > 0 {
		q.Set("page_size", fmt.Sprint(req.PageSize))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	endpoint := "jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var resp dto.ListJobsResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostJob opens a draft for bidding.
func (c *Client) PostJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.transition(ctx, jobID, "post", nil)
}

// AcceptBid awards the job to a bid.
func (c *Client) AcceptBid(ctx context.Context, jobID, bidID, paymentMethodRef string) (*domain.Job, error) {
	return c.transition(ctx, jobID, "accept", dto.AcceptBidRequest{BidID: bidID, PaymentMethodRef: paymentMethodRef})
}

// MarkInProgress starts work on an awarded job.
func (c *Client) MarkInProgress(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.transition(ctx, jobID, "start", nil)
}

// MarkCompleted completes the job.
func (c *Client) MarkCompleted(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.transition(ctx, jobID, "complete", nil)
}

// CancelJob cancels the job.
func (c *Client) CancelJob(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	return c.transition(ctx, jobID, "cancel", dto.CancelJobRequest{Reason: reason})
}

// CloseJob closes a completed job.
func (c *Client) CloseJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.transition(ctx, jobID, "close", nil)
}

// SubmitBid places a bid on a job.
func (c *Client) SubmitBid(ctx context.Context, jobID string, amount int64) (*domain.Bid, error) {
	var bid domain.Bid
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/bids", dto.SubmitBidRequest{Amount: amount}, &bid)
	if err != nil {
		return nil, err
	}
	return &bid, nil
}

// ListBids returns the bids of a job.
func (c *Client) ListBids(ctx context.Context, jobID string) ([]domain.Bid, error) {
	var resp dto.ListBidsResponse
	if err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID)+"/bids", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Bids, nil
}

// WithdrawBid withdraws the caller's bid.
func (c *Client) WithdrawBid(ctx context.Context, bidID string) (*domain.Bid, error) {
	var bid domain.Bid
	if err := c.do(ctx, http.MethodPost, "bids/"+url.PathEscape(bidID)+"/withdraw", nil, &bid); err != nil {
		return nil, err
	}
	return &bid, nil
}

// Snapshot returns the job with its bids and latest escrow.
func (c *Client) Snapshot(ctx context.Context, jobID string) (*realtime.Snapshot, error) {
	var snap realtime.Snapshot
	if err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID)+"/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// UploadEntries stores queued mutations for clientID and returns how many were new.
func (c *Client) UploadEntries(ctx context.Context, clientID string, entries []syncqueue.EntryInput) (int, error) {
	var resp dto.SyncUploadResponse
	err := c.do(ctx, http.MethodPost, c.syncPath(clientID, "entries"), dto.SyncUploadRequest{Entries: entries}, &resp)
	return resp.Inserted, err
}

// Replay applies the pending entries of clientID.
func (c *Client) Replay(ctx context.Context, clientID string) (*syncqueue.Report, error) {
	var report syncqueue.Report
	if err := c.do(ctx, http.MethodPost, c.syncPath(clientID, "replay"), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListEntries returns every entry stored for clientID.
func (c *Client) ListEntries(ctx context.Context, clientID string) ([]domain.SyncQueueEntry, error) {
	var resp dto.SyncEntriesResponse
	if err := c.do(ctx, http.MethodGet, c.syncPath(clientID, "entries"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ResolveEntry discards or retries a conflicted entry.
func (c *Client) ResolveEntry(ctx context.Context, clientID, entryID string, action syncqueue.Action) (*domain.SyncQueueEntry, error) {
	var entry domain.SyncQueueEntry
	endpoint := c.syncPath(clientID, "entries/"+url.PathEscape(entryID)+"/resolve")
	if err := c.do(ctx, http.MethodPost, endpoint, dto.ResolveSyncEntryRequest{Action: action}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) transition(ctx context.Context, jobID, action string, body any) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/"+action, body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/api/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.UserID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(b)}
		var errBody dto.ErrorResponse
		if json.Unmarshal(b, &errBody) == nil && errBody.Code != "" {
			apiErr.Code = errBody.Code
			apiErr.Message = errBody.Error
			apiErr.Current = errBody.Current
			apiErr.Version = errBody.Version
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) syncPath(clientID, p string) string {
	return "sync/" + url.PathEscape(clientID) + "/" + p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
