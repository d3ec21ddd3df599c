// Package storagetest holds behavior checks shared by every storage.Store
// implementation.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/storage"
)

// Run exercises the conditional-update rules every store must honor. IDs are
// random so a shared database can be reused between runs.
func Run(t *testing.T, store storage.Store) {
	t.Run("award serializes competing bids", func(t *testing.T) { testAward(t, store) })
	t.Run("bid rules", func(t *testing.T) { testBids(t, store) })
	t.Run("escrow transitions", func(t *testing.T) { testEscrow(t, store) })
	t.Run("sync entries dedup", func(t *testing.T) { testSyncEntries(t, store) })
}

func postedJob(t *testing.T, store storage.Store) *domain.Job {
	t.Helper()
	job := &domain.Job{
		JobID:     uuid.NewString(),
		OwnerID:   "owner-" + uuid.NewString()[:8],
		Title:     "Deck staining",
		Location:  "Portland",
		BudgetMin: 500,
		BudgetMax: 800,
		Status:    domain.JobStatusPosted,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	assert.Equal(t, int64(1), job.Version)
	return job
}

func bid(t *testing.T, store storage.Store, jobID string, amount int64) *domain.Bid {
	t.Helper()
	b := &domain.Bid{
		BidID:        uuid.NewString(),
		JobID:        jobID,
		ContractorID: "contractor-" + uuid.NewString()[:8],
		Amount:       amount,
	}
	require.NoError(t, store.CreateBid(context.Background(), b))
	return b
}

func testAward(t *testing.T, store storage.Store) {
	ctx := context.Background()
	job := postedJob(t, store)
	first := bid(t, store, job.JobID, 600)
	second := bid(t, store, job.JobID, 650)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, b := range []*domain.Bid{first, second} {
		wg.Add(1)
		go func(i int, bidID string) {
			defer wg.Done()
			_, errs[i] = store.AwardJob(ctx, job.JobID, bidID)
		}(i, b.BidID)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrStateMismatch)
	}
	require.Equal(t, 1, won)

	bids, err := store.ListBidsByJob(ctx, job.JobID)
	require.NoError(t, err)
	accepted := 0
	for _, b := range bids {
		if b.Status == domain.BidStatusAccepted {
			accepted++
		} else {
			assert.Equal(t, domain.BidStatusRejected, b.Status)
		}
	}
	assert.Equal(t, 1, accepted)

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusAwarded, got.Status)
	require.NotNil(t, got.AwardedBidID)

	reverted, err := store.RevertAward(ctx, job.JobID, *got.AwardedBidID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPosted, reverted.Status)
	assert.Nil(t, reverted.AwardedBidID)
	assert.Greater(t, reverted.Version, got.Version)

	bids, err = store.ListBidsByJob(ctx, job.JobID)
	require.NoError(t, err)
	for _, b := range bids {
		assert.Equal(t, domain.BidStatusSubmitted, b.Status)
	}
}

func testBids(t *testing.T, store storage.Store) {
	ctx := context.Background()
	job := postedJob(t, store)
	first := bid(t, store, job.JobID, 600)

	dup := &domain.Bid{BidID: uuid.NewString(), JobID: job.JobID, ContractorID: first.ContractorID, Amount: 700}
	assert.ErrorIs(t, store.CreateBid(ctx, dup), domain.ErrDuplicate)

	withdrawn, err := store.WithdrawBid(ctx, first.BidID)
	require.NoError(t, err)
	assert.Equal(t, domain.BidStatusWithdrawn, withdrawn.Status)

	_, err = store.WithdrawBid(ctx, first.BidID)
	assert.ErrorIs(t, err, domain.ErrStateMismatch)

	// A withdrawn bid frees the contractor to bid again
	require.NoError(t, store.CreateBid(ctx, dup))

	later := bid(t, store, job.JobID, 650)
	bids, err := store.ListBidsByJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, bids, 3)
	assert.Equal(t, later.BidID, bids[2].BidID)

	_, err = store.TransitionJob(ctx, job.JobID, []domain.JobStatus{domain.JobStatusPosted}, domain.JobStatusCancelled)
	require.NoError(t, err)

	closed := &domain.Bid{BidID: uuid.NewString(), JobID: job.JobID, ContractorID: "late", Amount: 500}
	assert.ErrorIs(t, store.CreateBid(ctx, closed), domain.ErrStateMismatch)

	missing := &domain.Bid{BidID: uuid.NewString(), JobID: uuid.NewString(), ContractorID: "x", Amount: 500}
	assert.ErrorIs(t, store.CreateBid(ctx, missing), domain.ErrNotFound)
}

func testEscrow(t *testing.T, store storage.Store) {
	ctx := context.Background()
	job := postedJob(t, store)
	b := bid(t, store, job.JobID, 600)

	e := &domain.EscrowTransaction{
		EscrowID: uuid.NewString(),
		JobID:    job.JobID,
		BidID:    b.BidID,
		State:    domain.EscrowStatePending,
		Amount:   600,
		HoldKey:  uuid.NewString(),
	}
	require.NoError(t, store.CreateEscrow(ctx, e))

	again := *e
	again.EscrowID = uuid.NewString()
	again.HoldKey = uuid.NewString()
	assert.ErrorIs(t, store.CreateEscrow(ctx, &again), domain.ErrActiveEscrow)

	unsettled, err := store.ListUnsettledEscrows(ctx, time.Now().Add(time.Hour), 10000)
	require.NoError(t, err)
	assert.True(t, containsEscrow(unsettled, e.EscrowID))

	ref := "pi_" + uuid.NewString()[:8]
	held, err := store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStatePending, domain.EscrowStateHeld, domain.EscrowPatch{GatewayRef: &ref})
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStateHeld, held.State)
	require.NotNil(t, held.GatewayRef)
	assert.Equal(t, ref, *held.GatewayRef)
	assert.NotNil(t, held.HeldAt)

	_, err = store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStatePending, domain.EscrowStateFailed, domain.EscrowPatch{})
	assert.ErrorIs(t, err, domain.ErrStateMismatch)

	active, err := store.GetActiveEscrow(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, e.EscrowID, active.EscrowID)

	require.NoError(t, store.AppendLedger(ctx, &domain.LedgerEntry{
		EntryID:        uuid.NewString(),
		EscrowID:       e.EscrowID,
		Action:         domain.LedgerCapture,
		IdempotencyKey: e.HoldKey,
		GatewayRef:     &ref,
		Outcome:        "succeeded",
	}))
	ledger, err := store.ListLedger(ctx, e.EscrowID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, domain.LedgerCapture, ledger[0].Action)

	releaseKey := uuid.NewString()
	keyed, err := store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStateHeld, domain.EscrowStateHeld, domain.EscrowPatch{ReleaseKey: &releaseKey})
	require.NoError(t, err)
	require.NotNil(t, keyed.ReleaseKey)

	cleared, err := store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStateHeld, domain.EscrowStateHeld, domain.EscrowPatch{ClearSettleKeys: true})
	require.NoError(t, err)
	assert.Nil(t, cleared.ReleaseKey)
	assert.Nil(t, cleared.RefundKey)
	assert.Equal(t, domain.EscrowStateHeld, cleared.State)

	refundKey := uuid.NewString()
	_, err = store.TransitionEscrow(ctx, e.EscrowID, domain.EscrowStateHeld, domain.EscrowStateRefunded, domain.EscrowPatch{RefundKey: &refundKey})
	require.NoError(t, err)

	_, err = store.GetActiveEscrow(ctx, job.JobID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A settled escrow no longer blocks a new one for the job
	require.NoError(t, store.CreateEscrow(ctx, &again))
}

func testSyncEntries(t *testing.T, store storage.Store) {
	ctx := context.Background()
	clientID := "client-" + uuid.NewString()[:8]
	job := postedJob(t, store)

	entry := func(seq int64) domain.SyncQueueEntry {
		return domain.SyncQueueEntry{
			EntryID:    uuid.NewString(),
			ClientID:   clientID,
			Seq:        seq,
			Op:         domain.SyncOpCancelJob,
			TargetKind: domain.TargetJob,
			TargetID:   job.JobID,
			JobID:      job.JobID,
			ActorID:    job.OwnerID,
			Status:     domain.SyncStatusPending,
		}
	}

	n, err := store.InsertSyncEntries(ctx, []domain.SyncQueueEntry{entry(2), entry(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.InsertSyncEntries(ctx, []domain.SyncQueueEntry{entry(1), entry(3)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := store.ListSyncEntries(ctx, clientID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	first := entries[0]
	msg := "job is no longer open"
	first.Status = domain.SyncStatusConflicted
	first.Attempts = 1
	first.LastError = &msg
	require.NoError(t, store.UpdateSyncEntry(ctx, &first, domain.SyncStatusPending, 0))

	// A second replay that loaded the entry while it was pending lost the race
	late := entries[0]
	late.Status = domain.SyncStatusApplied
	late.Attempts = 1
	assert.ErrorIs(t, store.UpdateSyncEntry(ctx, &late, domain.SyncStatusPending, 0), domain.ErrStateMismatch)

	missing := entries[1]
	missing.EntryID = uuid.NewString()
	assert.ErrorIs(t, store.UpdateSyncEntry(ctx, &missing, domain.SyncStatusPending, 0), domain.ErrNotFound)

	got, err := store.GetSyncEntry(ctx, first.EntryID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusConflicted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, msg, *got.LastError)

	_, err = store.GetSyncEntry(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func containsEscrow(escrows []domain.EscrowTransaction, escrowID string) bool {
	for _, e := range escrows {
		if e.EscrowID == escrowID {
			return true
		}
	}
	return false
}
