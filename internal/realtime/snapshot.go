package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cuongbtq/jobmarket/internal/domain"
)

// SnapshotStore is the read side the snapshotter and propagator need
type SnapshotStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListBidsByJob(ctx context.Context, jobID string) ([]domain.Bid, error)
	GetEscrow(ctx context.Context, escrowID string) (*domain.EscrowTransaction, error)
	ListEscrowsByJob(ctx context.Context, jobID string) ([]domain.EscrowTransaction, error)
}

// Snapshot is the authoritative view of a job at one moment
type Snapshot struct {
	Job    domain.Job                `json:"job"`
	Bids   []domain.Bid              `json:"bids"`
	Escrow *domain.EscrowTransaction `json:"escrow,omitempty"`
}

// Snapshotter builds snapshots from the store
type Snapshotter struct {
	store SnapshotStore
}

// NewSnapshotter creates a snapshotter
func NewSnapshotter(store SnapshotStore) *Snapshotter {
	return &Snapshotter{store: store}
}

// Snapshot returns the job as actorID may see it: the bids actorID can read
// and the latest escrow when actorID is a party to it. A job actorID cannot
// read is reported as domain.ErrNotFound.
func (s *Snapshotter) Snapshot(ctx context.Context, jobID, actorID string) (*Snapshot, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	bids, err := s.store.ListBidsByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	if !job.VisibleTo(actorID, bids) {
		return nil, domain.ErrNotFound
	}
	escrows, err := s.store.ListEscrowsByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}

	snap := &Snapshot{Job: *job, Bids: domain.VisibleBids(job, bids, actorID)}
	if len(escrows) > 0 {
		latest := escrows[len(escrows)-1]
		if domain.EscrowVisibleTo(job, &latest, bids, actorID) {
			snap.Escrow = &latest
		}
	}
	return snap, nil
}

// SnapshotCache is a consumer-side view of jobs assembled from snapshots and
// pushed updates. Each entity only ever moves forward in version.
type SnapshotCache struct {
	mu      sync.RWMutex
	jobs    map[string]domain.Job
	bids    map[string]domain.Bid
	escrows map[string]domain.EscrowTransaction
}

// NewSnapshotCache creates an empty cache
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		jobs:    make(map[string]domain.Job),
		bids:    make(map[string]domain.Bid),
		escrows: make(map[string]domain.EscrowTransaction),
	}
}

// Merge applies a pushed update if it is newer than what the cache holds
func (c *SnapshotCache) Merge(u *Update) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch u.Table {
	case TableJobs:
		var job domain.Job
		if err := json.Unmarshal(u.Data, &job); err != nil {
			return false, fmt.Errorf("failed to decode job update: %w", err)
		}
		return c.mergeJob(job), nil
	case TableBids:
		var bid domain.Bid
		if err := json.Unmarshal(u.Data, &bid); err != nil {
			return false, fmt.Errorf("failed to decode bid update: %w", err)
		}
		return c.mergeBid(bid), nil
	case TableEscrows:
		var e domain.EscrowTransaction
		if err := json.Unmarshal(u.Data, &e); err != nil {
			return false, fmt.Errorf("failed to decode escrow update: %w", err)
		}
		return c.mergeEscrow(e), nil
	}
	return false, errors.New("unknown table " + u.Table)
}

// MergeSnapshot applies every entity of s that is newer than the cache.
// It reports whether anything changed.
func (c *SnapshotCache) MergeSnapshot(s *Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.mergeJob(s.Job)
	for _, b := range s.Bids {
		if c.mergeBid(b) {
			changed = true
		}
	}
	if s.Escrow != nil && c.mergeEscrow(*s.Escrow) {
		changed = true
	}
	return changed
}

// Get returns the cached view of a job
func (c *SnapshotCache) Get(jobID string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	job, ok := c.jobs[jobID]
	if !ok {
		return nil, false
	}
	snap := &Snapshot{Job: job, Bids: []domain.Bid{}}
	for _, b := range c.bids {
		if b.JobID == jobID {
			snap.Bids = append(snap.Bids, b)
		}
	}
	for _, e := range c.escrows {
		if e.JobID != jobID {
			continue
		}
		if snap.Escrow == nil || e.CreatedAt.After(snap.Escrow.CreatedAt) {
			latest := e
			snap.Escrow = &latest
		}
	}
	return snap, true
}

func (c *SnapshotCache) mergeJob(job domain.Job) bool {
	if cur, ok := c.jobs[job.JobID]; ok && cur.Version >= job.Version {
		return false
	}
	c.jobs[job.JobID] = job
	return true
}

func (c *SnapshotCache) mergeBid(bid domain.Bid) bool {
	if cur, ok := c.bids[bid.BidID]; ok && cur.Version >= bid.Version {
		return false
	}
	c.bids[bid.BidID] = bid
	return true
}

func (c *SnapshotCache) mergeEscrow(e domain.EscrowTransaction) bool {
	if cur, ok := c.escrows[e.EscrowID]; ok && cur.Version >= e.Version {
		return false
	}
	c.escrows[e.EscrowID] = e
	return true
}
