package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/lifecycle"
	"github.com/cuongbtq/jobmarket/internal/realtime"
	"github.com/cuongbtq/jobmarket/internal/storage"
	"github.com/cuongbtq/jobmarket/internal/syncqueue"
)

// JobService is the job lifecycle surface
type JobService interface {
	CreateDraft(ctx context.Context, in lifecycle.DraftInput) (*domain.Job, error)
	PostJob(ctx context.Context, jobID, actorID string) (*domain.Job, error)
	AcceptBid(ctx context.Context, in lifecycle.AcceptBidInput) (*domain.Job, error)
	MarkInProgress(ctx context.Context, jobID, actorID string) (*domain.Job, error)
	MarkCompleted(ctx context.Context, jobID, actorID string) (*domain.Job, error)
	CancelJob(ctx context.Context, jobID, actorID, reason string) (*domain.Job, error)
	CloseJob(ctx context.Context, jobID, actorID string) (*domain.Job, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) (*lifecycle.JobPage, error)
}

// BidService is the bid ledger surface
type BidService interface {
	SubmitBid(ctx context.Context, jobID, contractorID string, amount int64) (*domain.Bid, error)
	WithdrawBid(ctx context.Context, bidID, contractorID string) (*domain.Bid, error)
	ListVisibleBids(ctx context.Context, jobID, actorID string) ([]domain.Bid, error)
}

// SyncService is the offline sync queue surface
type SyncService interface {
	Enqueue(ctx context.Context, clientID string, inputs []syncqueue.EntryInput) (int, error)
	Replay(ctx context.Context, clientID string) (*syncqueue.Report, error)
	Resolve(ctx context.Context, clientID, entryID string, action syncqueue.Action) (*domain.SyncQueueEntry, error)
	List(ctx context.Context, clientID string) ([]domain.SyncQueueEntry, error)
}

// SnapshotService builds authoritative job views
type SnapshotService interface {
	Snapshot(ctx context.Context, jobID, actorID string) (*realtime.Snapshot, error)
}

// RealtimeService attaches WebSocket connections to a user
type RealtimeService interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string) error
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Jobs      JobService
	Bids      BidService
	Sync      SyncService
	Snapshots SnapshotService
	Realtime  RealtimeService

	// Checks are reported by /health, keyed by component name
	Checks map[string]HealthChecker

	// AllowedOrigins limits CORS and WebSocket origins; empty allows all
	AllowedOrigins []string
}

// JobHandler handles job and bid requests
type JobHandler struct {
	logger    *slog.Logger
	jobs      JobService
	bids      BidService
	snapshots SnapshotService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		jobs:      deps.Jobs,
		bids:      deps.Bids,
		snapshots: deps.Snapshots,
	}
}

// SyncHandler handles offline sync requests
type SyncHandler struct {
	logger *slog.Logger
	sync   SyncService
}

// NewSyncHandler creates a new SyncHandler instance
func NewSyncHandler(deps *Dependencies) *SyncHandler {
	return &SyncHandler{
		logger: deps.Logger,
		sync:   deps.Sync,
	}
}

// RealtimeHandler upgrades realtime connections
type RealtimeHandler struct {
	logger   *slog.Logger
	realtime RealtimeService
}

// NewRealtimeHandler creates a new RealtimeHandler instance
func NewRealtimeHandler(deps *Dependencies) *RealtimeHandler {
	return &RealtimeHandler{
		logger:   deps.Logger,
		realtime: deps.Realtime,
	}
}
