package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/cuongbtq/jobmarket/internal/domain"
)

// Update is the message pushed to subscribers for one changed row
type Update struct {
	Type    string          `json:"type"`
	Table   string          `json:"table"`
	Op      string          `json:"op"`
	ID      string          `json:"id"`
	JobID   string          `json:"job_id"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Sender delivers a message to the connections of a set of users
type Sender interface {
	SendTo(userIDs []string, msg []byte) int
}

// Listener is the notification source; *pq.Listener satisfies it
type Listener interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
}

// Propagator turns row changes into pushes to the job's audience
type Propagator struct {
	store    SnapshotStore
	versions VersionCache
	sender   Sender
	logger   *slog.Logger
}

// NewPropagator creates a propagator
func NewPropagator(store SnapshotStore, versions VersionCache, sender Sender, logger *slog.Logger) *Propagator {
	return &Propagator{
		store:    store,
		versions: versions,
		sender:   sender,
		logger:   logger,
	}
}

// Run consumes notifications until ctx is done
func (p *Propagator) Run(ctx context.Context, listener Listener) error {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	p.logger.Info("Realtime propagator started", slog.String("channel", Channel))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Realtime propagator stopped")
			return ctx.Err()

		case n := <-listener.NotificationChannel():
			if n == nil {
				// The listener reconnected; notifications sent meanwhile are lost
				// and clients catch up through snapshots.
				p.logger.Warn("Realtime change feed reconnected, changes may have been missed")
				continue
			}
			change, err := ParseChange(n.Extra)
			if err != nil {
				p.logger.Warn("Ignoring malformed change notification", slog.Any("error", err))
				continue
			}
			if err := p.Handle(ctx, change); err != nil {
				p.logger.Warn("Failed to propagate change",
					slog.String("table", change.Table),
					slog.String("id", change.ID),
					slog.Int64("version", change.Version),
					slog.Any("error", err),
				)
			}

		case <-ping.C:
			if err := listener.Ping(); err != nil {
				p.logger.Warn("Change feed ping failed", slog.Any("error", err))
			}
		}
	}
}

// Handle pushes one change to the users allowed to read the changed row. A
// change whose version was already propagated is skipped; the version is only
// recorded once the update has been handed to the sender.
func (p *Propagator) Handle(ctx context.Context, change *Change) error {
	job, err := p.store.GetJob(ctx, change.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	bids, err := p.store.ListBidsByJob(ctx, change.JobID)
	if err != nil {
		return fmt.Errorf("failed to list bids: %w", err)
	}

	data, audience, err := p.row(ctx, change, job, bids)
	if err != nil {
		return err
	}

	msg, err := json.Marshal(Update{
		Type:    "change",
		Table:   change.Table,
		Op:      change.Op,
		ID:      change.ID,
		JobID:   change.JobID,
		Version: change.Version,
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	fresh, err := p.versions.Advance(ctx, change.Key(), change.Version)
	if err != nil {
		// Pushing a duplicate is harmless; losing the update is not
		p.logger.Warn("Version cache unavailable", slog.Any("error", err))
		fresh = true
	}
	if !fresh {
		p.logger.Debug("Skipping already propagated change",
			slog.String("key", change.Key()),
			slog.Int64("version", change.Version),
		)
		return nil
	}

	queued := p.sender.SendTo(audience, msg)
	p.logger.Debug("Change propagated",
		slog.String("key", change.Key()),
		slog.Int64("version", change.Version),
		slog.Int("audience", len(audience)),
		slog.Int("connections", queued),
	)
	return nil
}

// Audience is the job owner plus every contractor who bid on the job. It is
// the set of users who may read the job row itself.
func Audience(job *domain.Job, bids []domain.Bid) []string {
	seen := map[string]bool{job.OwnerID: true}
	audience := []string{job.OwnerID}
	for _, b := range bids {
		if !seen[b.ContractorID] {
			seen[b.ContractorID] = true
			audience = append(audience, b.ContractorID)
		}
	}
	return audience
}

// pair is the owner and one contractor, without repeats
func pair(ownerID, contractorID string) []string {
	if contractorID == "" || contractorID == ownerID {
		return []string{ownerID}
	}
	return []string{ownerID, contractorID}
}

// row loads the changed row and the users allowed to read it. Bid rows go to
// the owner and the bidding contractor, escrow rows to the owner and the
// contractor whose bid is escrowed.
func (p *Propagator) row(ctx context.Context, change *Change, job *domain.Job, bids []domain.Bid) (json.RawMessage, []string, error) {
	var (
		v        interface{}
		audience []string
	)
	switch change.Table {
	case TableJobs:
		v = job
		audience = Audience(job, bids)
	case TableBids:
		bid := findBid(bids, change.ID)
		if bid == nil {
			return nil, nil, fmt.Errorf("bid %s: %w", change.ID, domain.ErrNotFound)
		}
		v = bid
		audience = pair(job.OwnerID, bid.ContractorID)
	case TableEscrows:
		e, err := p.store.GetEscrow(ctx, change.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load escrow: %w", err)
		}
		v = e
		audience = []string{job.OwnerID}
		if bid := findBid(bids, e.BidID); bid != nil {
			audience = pair(job.OwnerID, bid.ContractorID)
		}
	default:
		return nil, nil, errors.New("unexpected table " + change.Table)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal %s row: %w", change.Table, err)
	}
	return data, audience, nil
}

func findBid(bids []domain.Bid, bidID string) *domain.Bid {
	for i := range bids {
		if bids[i].BidID == bidID {
			return &bids[i]
		}
	}
	return nil
}
