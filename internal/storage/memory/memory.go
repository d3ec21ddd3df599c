// Package memory is an in-process implementation of storage.Store with the same
// conditional-update semantics as the Postgres store. It backs engine tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/storage"
)

// Store is a mutex-guarded map store
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	bids    map[string]*domain.Bid
	escrows map[string]*domain.EscrowTransaction
	ledger  []domain.LedgerEntry
	entries map[string]*domain.SyncQueueEntry
	bidSeq  int64
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		jobs:    make(map[string]*domain.Job),
		bids:    make(map[string]*domain.Bid),
		escrows: make(map[string]*domain.EscrowTransaction),
		entries: make(map[string]*domain.SyncQueueEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.JobID]; ok {
		return domain.ErrDuplicate
	}
	now := s.now()
	job.Version = 1
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *Store) ListJobs(_ context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, j := range s.jobs {
		if filter.OwnerID != "" && j.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && string(j.Status) != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if j.CreatedAt.After(c.CreatedAt) || (j.CreatedAt.Equal(c.CreatedAt) && j.JobID >= c.JobID) {
				continue
			}
		}
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].JobID > jobs[b].JobID
	})
	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (s *Store) TransitionJob(_ context.Context, jobID string, from []domain.JobStatus, to domain.JobStatus) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !job.Status.In(from...) {
		return nil, domain.ErrStateMismatch
	}
	job.Status = to
	s.touchJob(job)
	cp := *job
	return &cp, nil
}

func (s *Store) AwardJob(_ context.Context, jobID, bidID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	bid, ok := s.bids[bidID]
	if !ok || bid.JobID != jobID || bid.Status != domain.BidStatusSubmitted || !job.IsOpen() {
		return nil, domain.ErrStateMismatch
	}

	bid.Status = domain.BidStatusAccepted
	s.touchBid(bid)
	for _, other := range s.bids {
		if other.JobID == jobID && other.BidID != bidID && other.Status == domain.BidStatusSubmitted {
			other.Status = domain.BidStatusRejected
			s.touchBid(other)
		}
	}
	job.Status = domain.JobStatusAwarded
	awarded := bidID
	job.AwardedBidID = &awarded
	s.touchJob(job)
	cp := *job
	return &cp, nil
}

func (s *Store) RevertAward(_ context.Context, jobID, bidID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusAwarded || !job.IsAwardedTo(bidID) {
		return nil, domain.ErrStateMismatch
	}
	for _, b := range s.bids {
		if b.JobID != jobID {
			continue
		}
		if b.Status == domain.BidStatusAccepted || b.Status == domain.BidStatusRejected {
			b.Status = domain.BidStatusSubmitted
			s.touchBid(b)
		}
	}
	job.Status = domain.JobStatusPosted
	job.AwardedBidID = nil
	s.touchJob(job)
	cp := *job
	return &cp, nil
}

func (s *Store) CreateBid(_ context.Context, bid *domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[bid.JobID]
	if !ok {
		return domain.ErrNotFound
	}
	if !job.IsOpen() {
		return domain.ErrStateMismatch
	}
	for _, b := range s.bids {
		if b.JobID == bid.JobID && b.ContractorID == bid.ContractorID && b.Status != domain.BidStatusWithdrawn {
			return domain.ErrDuplicate
		}
	}
	s.bidSeq++
	now := s.now()
	bid.Seq = s.bidSeq
	bid.Status = domain.BidStatusSubmitted
	bid.Version = 1
	bid.SubmittedAt = now
	bid.UpdatedAt = now
	cp := *bid
	s.bids[bid.BidID] = &cp
	return nil
}

func (s *Store) GetBid(_ context.Context, bidID string) (*domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bid, ok := s.bids[bidID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *bid
	return &cp, nil
}

func (s *Store) ListBidsByJob(_ context.Context, jobID string) ([]domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bids []domain.Bid
	for _, b := range s.bids {
		if b.JobID == jobID {
			bids = append(bids, *b)
		}
	}
	sort.Slice(bids, func(a, b int) bool {
		if !bids[a].SubmittedAt.Equal(bids[b].SubmittedAt) {
			return bids[a].SubmittedAt.Before(bids[b].SubmittedAt)
		}
		return bids[a].Seq < bids[b].Seq
	})
	return bids, nil
}

func (s *Store) WithdrawBid(_ context.Context, bidID string) (*domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bid, ok := s.bids[bidID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if bid.Status != domain.BidStatusSubmitted {
		return nil, domain.ErrStateMismatch
	}
	bid.Status = domain.BidStatusWithdrawn
	s.touchBid(bid)
	cp := *bid
	return &cp, nil
}

func (s *Store) CreateEscrow(_ context.Context, escrow *domain.EscrowTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.escrows {
		if e.JobID == escrow.JobID && !e.State.Terminal() {
			return domain.ErrActiveEscrow
		}
	}
	now := s.now()
	escrow.Version = 1
	escrow.CreatedAt = now
	escrow.UpdatedAt = now
	cp := *escrow
	s.escrows[escrow.EscrowID] = &cp
	return nil
}

func (s *Store) GetEscrow(_ context.Context, escrowID string) (*domain.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[escrowID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) GetActiveEscrow(_ context.Context, jobID string) (*domain.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.escrows {
		if e.JobID == jobID && !e.State.Terminal() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListEscrowsByJob(_ context.Context, jobID string) ([]domain.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.EscrowTransaction
	for _, e := range s.escrows {
		if e.JobID == jobID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) TransitionEscrow(_ context.Context, escrowID string, from, to domain.EscrowState, patch domain.EscrowPatch) (*domain.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[escrowID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if e.State != from {
		return nil, domain.ErrStateMismatch
	}
	now := s.now()
	if patch.GatewayRef != nil {
		e.GatewayRef = patch.GatewayRef
	}
	if patch.ReleaseKey != nil {
		e.ReleaseKey = patch.ReleaseKey
	}
	if patch.RefundKey != nil {
		e.RefundKey = patch.RefundKey
	}
	if patch.FailureReason != nil {
		e.FailureReason = patch.FailureReason
	}
	if patch.ClearSettleKeys {
		e.ReleaseKey = nil
		e.RefundKey = nil
	}
	if from != to {
		e.State = to
		switch to {
		case domain.EscrowStateHeld:
			e.HeldAt = &now
		case domain.EscrowStateReleased:
			e.ReleasedAt = &now
		case domain.EscrowStateRefunded:
			e.RefundedAt = &now
		case domain.EscrowStateFailed:
			e.FailedAt = &now
		}
	}
	e.Version++
	e.UpdatedAt = now
	cp := *e
	return &cp, nil
}

func (s *Store) ListUnsettledEscrows(_ context.Context, olderThan time.Time, limit int) ([]domain.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.EscrowTransaction
	for _, e := range s.escrows {
		if !e.UpdatedAt.Before(olderThan) {
			continue
		}
		inFlight := e.State == domain.EscrowStateHeld && (e.ReleaseKey != nil || e.RefundKey != nil)
		if e.State == domain.EscrowStatePending || inFlight {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendLedger(_ context.Context, entry *domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.now()
	}
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *Store) ListLedger(_ context.Context, escrowID string) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.LedgerEntry
	for _, l := range s.ledger {
		if l.EscrowID == escrowID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) InsertSyncEntries(_ context.Context, entries []domain.SyncQueueEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for i := range entries {
		e := entries[i]
		if s.hasSeq(e.ClientID, e.Seq) {
			continue
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		s.entries[e.EntryID] = &e
		inserted++
	}
	return inserted, nil
}

func (s *Store) ListSyncEntries(_ context.Context, clientID string) ([]domain.SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.SyncQueueEntry
	for _, e := range s.entries {
		if e.ClientID == clientID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out, nil
}

func (s *Store) GetSyncEntry(_ context.Context, entryID string) (*domain.SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) UpdateSyncEntry(_ context.Context, entry *domain.SyncQueueEntry, from domain.SyncStatus, fromAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[entry.EntryID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status != from || current.Attempts != fromAttempts {
		return domain.ErrStateMismatch
	}
	cp := *entry
	s.entries[entry.EntryID] = &cp
	return nil
}

func (s *Store) hasSeq(clientID string, seq int64) bool {
	for _, e := range s.entries {
		if e.ClientID == clientID && e.Seq == seq {
			return true
		}
	}
	return false
}

func (s *Store) touchJob(job *domain.Job) {
	job.Version++
	job.UpdatedAt = s.now()
}

func (s *Store) touchBid(bid *domain.Bid) {
	bid.Version++
	bid.UpdatedAt = s.now()
}
