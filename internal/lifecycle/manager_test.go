package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobmarket/internal/bidding"
	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/escrow"
	"github.com/cuongbtq/jobmarket/internal/notify"
	"github.com/cuongbtq/jobmarket/internal/payment/paymenttest"
	"github.com/cuongbtq/jobmarket/internal/storage"
	"github.com/cuongbtq/jobmarket/internal/storage/memory"
)

const owner = "owner-1"

type testEnv struct {
	mgr     *Manager
	ledger  *bidding.Ledger
	store   *memory.Store
	gateway *paymenttest.Gateway
	events  *notify.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	gw := paymenttest.New()
	events := notify.NewRecorder()
	orch := escrow.NewOrchestrator(store, gw, escrow.Config{
		GatewayAttempts: 3,
		RetryBackoff:    time.Millisecond,
	}, logger)

	return &testEnv{
		mgr:     NewManager(store, orch, events, logger),
		ledger:  bidding.NewLedger(store, events, logger),
		store:   store,
		gateway: gw,
		events:  events,
	}
}

func (env *testEnv) postedJob(t *testing.T) *domain.Job {
	t.Helper()
	ctx := context.Background()
	draft, err := env.mgr.CreateDraft(ctx, DraftInput{
		OwnerID:          owner,
		Title:            "Kitchen remodel",
		Location:         "Portland",
		BudgetMin:        500,
		BudgetMax:        800,
		PaymentMethodRef: "pm_owner_default",
	})
	require.NoError(t, err)
	job, err := env.mgr.PostJob(ctx, draft.JobID, owner)
	require.NoError(t, err)
	return job
}

func (env *testEnv) bid(t *testing.T, jobID, contractor string, amount int64) *domain.Bid {
	t.Helper()
	bid, err := env.ledger.SubmitBid(context.Background(), jobID, contractor, amount)
	require.NoError(t, err)
	return bid
}

func (env *testEnv) awardedJob(t *testing.T) (*domain.Job, *domain.Bid) {
	t.Helper()
	job := env.postedJob(t)
	bid := env.bid(t, job.JobID, "contractor-1", 600)
	awarded, err := env.mgr.AcceptBid(context.Background(), AcceptBidInput{JobID: job.JobID, BidID: bid.BidID, ActorID: owner})
	require.NoError(t, err)
	return awarded, bid
}

func TestAcceptBid_AwardsAndHoldsFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := env.postedJob(t)
	assert.Equal(t, domain.JobStatusPosted, job.Status)

	low := env.bid(t, job.JobID, "contractor-1", 600)
	high := env.bid(t, job.JobID, "contractor-2", 650)

	awarded, err := env.mgr.AcceptBid(ctx, AcceptBidInput{JobID: job.JobID, BidID: low.BidID, ActorID: owner})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusAwarded, awarded.Status)
	assert.True(t, awarded.IsAwardedTo(low.BidID))

	bids, err := env.ledger.ListBids(ctx, job.JobID)
	require.NoError(t, err)
	statuses := map[string]domain.BidStatus{}
	for _, b := range bids {
		statuses[b.BidID] = b.Status
	}
	assert.Equal(t, domain.BidStatusAccepted, statuses[low.BidID])
	assert.Equal(t, domain.BidStatusRejected, statuses[high.BidID])

	held, err := env.store.GetActiveEscrow(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStateHeld, held.State)
	assert.Equal(t, int64(600), held.Amount)
	assert.Equal(t, "pm_owner_default", held.PaymentMethodRef)
	assert.Equal(t, 1, env.gateway.Charges())

	assert.Equal(t, []domain.EventKind{
		domain.EventBidSubmitted,
		domain.EventBidSubmitted,
		domain.EventJobAwarded,
	}, env.events.Kinds())
}

func TestAcceptBid_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	awarded, bid := env.awardedJob(t)

	again, err := env.mgr.AcceptBid(ctx, AcceptBidInput{JobID: awarded.JobID, BidID: bid.BidID, ActorID: owner})
	require.NoError(t, err)

	assert.Equal(t, awarded.Version, again.Version)
	assert.Equal(t, domain.JobStatusAwarded, again.Status)
	assert.Equal(t, 1, env.gateway.Charges())
}

func TestAcceptBid_ConcurrentDifferentBids(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.postedJob(t)
	a := env.bid(t, job.JobID, "contractor-1", 600)
	b := env.bid(t, job.JobID, "contractor-2", 650)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, bidID := range []string{a.BidID, b.BidID} {
		wg.Add(1)
		go func(i int, bidID string) {
			defer wg.Done()
			_, errs[i] = env.mgr.AcceptBid(ctx, AcceptBidInput{JobID: job.JobID, BidID: bidID, ActorID: owner})
		}(i, bidID)
	}
	wg.Wait()

	succeeded, invalid := 0, 0
	for _, err := range errs {
		var stateErr *domain.InvalidStateError
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorAs(t, err, &stateErr):
			invalid++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, invalid)

	bids, err := env.store.ListBidsByJob(ctx, job.JobID)
	require.NoError(t, err)
	accepted := 0
	for _, bid := range bids {
		if bid.Status == domain.BidStatusAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, env.gateway.Charges())
}

func TestAcceptBid_HoldDeclinedRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.postedJob(t)
	a := env.bid(t, job.JobID, "contractor-1", 600)
	b := env.bid(t, job.JobID, "contractor-2", 650)
	env.gateway.Decline("pm_expired", "card expired")

	_, err := env.mgr.AcceptBid(ctx, AcceptBidInput{JobID: job.JobID, BidID: a.BidID, ActorID: owner, PaymentMethodRef: "pm_expired"})
	var declined *domain.PaymentDeclinedError
	require.ErrorAs(t, err, &declined)

	current, err := env.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPosted, current.Status)
	assert.Nil(t, current.AwardedBidID)

	for _, id := range []string{a.BidID, b.BidID} {
		bid, err := env.store.GetBid(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.BidStatusSubmitted, bid.Status)
	}
	_, err = env.store.GetActiveEscrow(ctx, job.JobID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The job can still be awarded with a working payment method
	awarded, err := env.mgr.AcceptBid(ctx, AcceptBidInput{JobID: job.JobID, BidID: b.BidID, ActorID: owner})
	require.NoError(t, err)
	assert.True(t, awarded.IsAwardedTo(b.BidID))

	awards := 0
	for _, kind := range env.events.Kinds() {
		if kind == domain.EventJobAwarded {
			awards++
		}
	}
	assert.Equal(t, 1, awards)
}

func TestAcceptBid_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.postedJob(t)
	bid := env.bid(t, job.JobID, "contractor-1", 600)

	other := env.postedJob(t)
	foreign := env.bid(t, other.JobID, "contractor-2", 700)

	_, err := env.mgr.AcceptBid(ctx, AcceptBidInput{JobID: job.JobID, BidID: bid.BidID, ActorID: "intruder"})
	var permErr *domain.PermissionError
	assert.ErrorAs(t, err, &permErr)

	_, err = env.mgr.AcceptBid(ctx, AcceptBidInput{JobID: job.JobID, BidID: foreign.BidID, ActorID: owner})
	var valErr *domain.ValidationError
	assert.ErrorAs(t, err, &valErr)

	_, err = env.mgr.AcceptBid(ctx, AcceptBidInput{JobID: job.JobID, BidID: "missing", ActorID: owner})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.ledger.WithdrawBid(ctx, bid.BidID, "contractor-1")
	require.NoError(t, err)
	_, err = env.mgr.AcceptBid(ctx, AcceptBidInput{JobID: job.JobID, BidID: bid.BidID, ActorID: owner})
	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "bid", stateErr.Entity)
	assert.Zero(t, env.gateway.Charges())
}

func TestAcceptBid_RequiresPaymentMethod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	draft, err := env.mgr.CreateDraft(ctx, DraftInput{OwnerID: owner, Title: "Deck", Location: "Reno", BudgetMin: 100, BudgetMax: 200})
	require.NoError(t, err)
	_, err = env.mgr.PostJob(ctx, draft.JobID, owner)
	require.NoError(t, err)
	bid := env.bid(t, draft.JobID, "contractor-1", 150)

	_, err = env.mgr.AcceptBid(ctx, AcceptBidInput{JobID: draft.JobID, BidID: bid.BidID, ActorID: owner})

	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields, "payment_method_ref")
}

func TestPostJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	incomplete, err := env.mgr.CreateDraft(ctx, DraftInput{OwnerID: owner, BudgetMin: 900, BudgetMax: 100})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDraft, incomplete.Status)

	_, err = env.mgr.PostJob(ctx, incomplete.JobID, owner)
	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields, "title")
	assert.Contains(t, valErr.Fields, "location")
	assert.Contains(t, valErr.Fields, "budget_max")

	job := env.postedJob(t)
	_, err = env.mgr.PostJob(ctx, job.JobID, "someone-else")
	var permErr *domain.PermissionError
	assert.ErrorAs(t, err, &permErr)

	again, err := env.mgr.PostJob(ctx, job.JobID, owner)
	require.NoError(t, err)
	assert.Equal(t, job.Version, again.Version)
}

func TestFullLifecycle_ReleasesOnCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, _ := env.awardedJob(t)

	_, err := env.mgr.MarkInProgress(ctx, job.JobID, "stranger")
	var permErr *domain.PermissionError
	require.ErrorAs(t, err, &permErr)

	started, err := env.mgr.MarkInProgress(ctx, job.JobID, "contractor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, started.Status)

	_, err = env.mgr.MarkCompleted(ctx, job.JobID, "contractor-1")
	require.ErrorAs(t, err, &permErr)

	completed, err := env.mgr.MarkCompleted(ctx, job.JobID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, completed.Status)

	again, err := env.mgr.MarkCompleted(ctx, job.JobID, owner)
	require.NoError(t, err)
	assert.Equal(t, completed.Version, again.Version)
	assert.Equal(t, 1, env.gateway.Calls(paymenttest.OpRelease))

	escrows, err := env.store.ListEscrowsByJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	assert.Equal(t, domain.EscrowStateReleased, escrows[0].State)

	closed, err := env.mgr.CloseJob(ctx, job.JobID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusClosed, closed.Status)

	_, err = env.mgr.CancelJob(ctx, job.JobID, owner, "too late")
	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, string(domain.JobStatusClosed), stateErr.Current)

	assert.Contains(t, env.events.Kinds(), domain.EventEscrowReleased)
}

func TestMarkCompleted_ReleaseFailureRevertsToInProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, _ := env.awardedJob(t)
	_, err := env.mgr.MarkInProgress(ctx, job.JobID, owner)
	require.NoError(t, err)

	env.gateway.FailNext(paymenttest.OpRelease, paymenttest.TimeoutBefore, 3)

	_, err = env.mgr.MarkCompleted(ctx, job.JobID, owner)
	var unavailable *domain.GatewayUnavailableError
	require.ErrorAs(t, err, &unavailable)

	current, err := env.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, current.Status)

	// A later retry reuses the persisted release key
	completed, err := env.mgr.MarkCompleted(ctx, job.JobID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, completed.Status)
}

func TestCancelJob_RefundsHeldEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, _ := env.awardedJob(t)

	cancelled, err := env.mgr.CancelJob(ctx, job.JobID, owner, "found someone else")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)

	escrows, err := env.store.ListEscrowsByJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	assert.Equal(t, domain.EscrowStateRefunded, escrows[0].State)
	assert.Zero(t, env.gateway.Calls(paymenttest.OpRelease))

	kinds := env.events.Kinds()
	assert.Equal(t, domain.EventEscrowRefunded, kinds[len(kinds)-2])
	assert.Equal(t, domain.EventJobCancelled, kinds[len(kinds)-1])

	again, err := env.mgr.CancelJob(ctx, job.JobID, owner, "again")
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)
	assert.Equal(t, 1, env.gateway.Calls(paymenttest.OpReverse))
}

func TestCancelJob_AfterDeclinedRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, _ := env.awardedJob(t)
	_, err := env.mgr.MarkInProgress(ctx, job.JobID, owner)
	require.NoError(t, err)

	env.gateway.FailNext(paymenttest.OpRelease, paymenttest.Refuse, 1)
	_, err = env.mgr.MarkCompleted(ctx, job.JobID, owner)
	var declined *domain.PaymentDeclinedError
	require.ErrorAs(t, err, &declined)

	current, err := env.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, current.Status)

	cancelled, err := env.mgr.CancelJob(ctx, job.JobID, owner, "contractor never finished")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)

	escrows, err := env.store.ListEscrowsByJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	assert.Equal(t, domain.EscrowStateRefunded, escrows[0].State)
	assert.Nil(t, escrows[0].ReleaseKey)
	assert.Equal(t, 1, env.gateway.Calls(paymenttest.OpReverse))
}

func TestCancelJob_RefundFailureRestoresStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, _ := env.awardedJob(t)
	env.gateway.FailNext(paymenttest.OpReverse, paymenttest.TimeoutBefore, 3)

	_, err := env.mgr.CancelJob(ctx, job.JobID, owner, "changed plans")
	var unavailable *domain.GatewayUnavailableError
	require.ErrorAs(t, err, &unavailable)

	current, err := env.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusAwarded, current.Status)

	held, err := env.store.GetActiveEscrow(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStateHeld, held.State)
	assert.NotContains(t, env.events.Kinds(), domain.EventJobCancelled)
}

func TestCancelJob_WithoutEscrow(t *testing.T) {
	env := newTestEnv(t)
	job := env.postedJob(t)

	cancelled, err := env.mgr.CancelJob(context.Background(), job.JobID, owner, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)
	assert.Zero(t, env.gateway.Calls(paymenttest.OpLookup))

	_, err = env.ledger.SubmitBid(context.Background(), job.JobID, "contractor-1", 600)
	var stateErr *domain.InvalidStateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestListJobs_Pagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	env.store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	for i := 0; i < 3; i++ {
		_, err := env.mgr.CreateDraft(ctx, DraftInput{OwnerID: owner, Title: "job"})
		require.NoError(t, err)
	}

	first, err := env.mgr.ListJobs(ctx, storage.JobFilter{OwnerID: owner, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Jobs, 2)
	require.NotNil(t, first.Next)
	assert.True(t, first.Jobs[0].CreatedAt.After(first.Jobs[1].CreatedAt))

	second, err := env.mgr.ListJobs(ctx, storage.JobFilter{OwnerID: owner, PageSize: 2, Cursor: first.Next})
	require.NoError(t, err)
	require.Len(t, second.Jobs, 1)
	assert.Nil(t, second.Next)
}
