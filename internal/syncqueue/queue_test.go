package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/cuongbtq/jobmarket/internal/lifecycle"
	"github.com/cuongbtq/jobmarket/internal/notify"
	"github.com/cuongbtq/jobmarket/internal/payment/paymenttest"
	"github.com/cuongbtq/jobmarket/internal/storage/memory"
)

const owner = "owner-1"

type scheduled struct {
	clientID string
	delay    time.Duration
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (s *recordingScheduler) ScheduleReplay(_ context.Context, clientID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{clientID: clientID, delay: delay})
	return nil
}

// flakyJobs fails MarkInProgress a number of times before delegating
type flakyJobs struct {
	Lifecycle
	failures int
	err      error
}

func (f *flakyJobs) MarkInProgress(ctx context.Context, jobID, actorID string) (*domain.Job, error) {
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	return f.Lifecycle.MarkInProgress(ctx, jobID, actorID)
}

// racingBids runs hook on the first SubmitBid before delegating, letting a
// second replay of the same client finish in between
type racingBids struct {
	Bidding
	hook func()
}

func (r *racingBids) SubmitBid(ctx context.Context, jobID, contractorID string, amount int64) (*domain.Bid, error) {
	if hook := r.hook; hook != nil {
		r.hook = nil
		hook()
	}
	return r.Bidding.SubmitBid(ctx, jobID, contractorID, amount)
}

// staleSyncStore serves one outdated read of a sync entry
type staleSyncStore struct {
	*memory.Store
	stale *domain.SyncQueueEntry
}

func (s *staleSyncStore) GetSyncEntry(ctx context.Context, entryID string) (*domain.SyncQueueEntry, error) {
	if e := s.stale; e != nil && e.EntryID == entryID {
		s.stale = nil
		return e, nil
	}
	return s.Store.GetSyncEntry(ctx, entryID)
}

type testEnv struct {
	queue     *Queue
	mgr       *lifecycle.Manager
	ledger    *bidding.Ledger
	store     *memory.Store
	gateway   *paymenttest.Gateway
	scheduler *recordingScheduler
	now       time.Time
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	gw := paymenttest.New()
	events := notify.NewRecorder()
	orch := escrow.NewOrchestrator(store, gw, escrow.Config{GatewayAttempts: 3, RetryBackoff: time.Millisecond}, logger)

	env := &testEnv{
		mgr:       lifecycle.NewManager(store, orch, events, logger),
		ledger:    bidding.NewLedger(store, events, logger),
		store:     store,
		gateway:   gw,
		scheduler: &recordingScheduler{},
		now:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	env.queue = NewQueue(store, env.mgr, env.ledger, env.scheduler, cfg, logger)
	env.queue.now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) draftJob(t *testing.T) *domain.Job {
	t.Helper()
	job, err := env.mgr.CreateDraft(context.Background(), lifecycle.DraftInput{
		OwnerID:          owner,
		Title:            "Fence repair",
		Location:         "Austin",
		BudgetMin:        500,
		BudgetMax:        800,
		PaymentMethodRef: "pm_owner",
	})
	require.NoError(t, err)
	return job
}

func (env *testEnv) openJob(t *testing.T) *domain.Job {
	t.Helper()
	job := env.draftJob(t)
	posted, err := env.mgr.PostJob(context.Background(), job.JobID, owner)
	require.NoError(t, err)
	return posted
}

func (env *testEnv) awardedJob(t *testing.T) (*domain.Job, *domain.Bid) {
	t.Helper()
	ctx := context.Background()
	job := env.openJob(t)
	bid, err := env.ledger.SubmitBid(ctx, job.JobID, "contractor-1", 600)
	require.NoError(t, err)
	awarded, err := env.mgr.AcceptBid(ctx, lifecycle.AcceptBidInput{JobID: job.JobID, BidID: bid.BidID, ActorID: owner})
	require.NoError(t, err)
	return awarded, bid
}

func input(t *testing.T, seq int64, op domain.SyncOp, kind domain.TargetKind, targetID, jobID, actorID string, payload interface{}) EntryInput {
	t.Helper()
	in := EntryInput{
		Seq:        seq,
		Op:         op,
		TargetKind: kind,
		TargetID:   targetID,
		JobID:      jobID,
		ActorID:    actorID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		in.Payload = raw
	}
	return in
}

func statusOf(t *testing.T, env *testEnv, clientID string) map[int64]domain.SyncStatus {
	t.Helper()
	entries, err := env.queue.List(context.Background(), clientID)
	require.NoError(t, err)
	out := make(map[int64]domain.SyncStatus, len(entries))
	for _, e := range entries {
		out[e.Seq] = e.Status
	}
	return out
}

func TestEnqueue(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	job := env.openJob(t)

	batch := []EntryInput{
		input(t, 1, domain.SyncOpSubmitBid, domain.TargetJob, job.JobID, job.JobID, "contractor-1", domain.SubmitBidPayload{Amount: 600}),
		input(t, 2, domain.SyncOpWithdrawBid, domain.TargetBid, "bid-1", job.JobID, "contractor-1", nil),
	}

	inserted, err := env.queue.Enqueue(ctx, "device-1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = env.queue.Enqueue(ctx, "device-1", batch)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	entries, err := env.queue.List(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.SyncStatusPending, entries[0].Status)
	assert.JSONEq(t, `{}`, string(entries[1].Payload))
}

func TestEnqueue_Validation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		inputs   []EntryInput
		field    string
	}{
		{
			name:     "missing client",
			clientID: "",
			inputs:   []EntryInput{input(t, 1, domain.SyncOpPostJob, domain.TargetJob, "j", "j", owner, nil)},
			field:    "client_id",
		},
		{
			name:     "unknown op",
			clientID: "device-1",
			inputs:   []EntryInput{input(t, 1, "delete_job", domain.TargetJob, "j", "j", owner, nil)},
			field:    "entries[0].op",
		},
		{
			name:     "zero seq",
			clientID: "device-1",
			inputs:   []EntryInput{input(t, 0, domain.SyncOpPostJob, domain.TargetJob, "j", "j", owner, nil)},
			field:    "entries[0].seq",
		},
		{
			name:     "repeated seq",
			clientID: "device-1",
			inputs: []EntryInput{
				input(t, 4, domain.SyncOpPostJob, domain.TargetJob, "j", "j", owner, nil),
				input(t, 4, domain.SyncOpCancelJob, domain.TargetJob, "j", "j", owner, nil),
			},
			field: "entries[1].seq",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.queue.Enqueue(ctx, tt.clientID, tt.inputs)
			var valErr *domain.ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Contains(t, valErr.Fields, tt.field)
		})
	}
}

func TestReplay_AppliesInOrder(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	job := env.draftJob(t)

	_, err := env.queue.Enqueue(ctx, "owner-phone", []EntryInput{
		input(t, 1, domain.SyncOpPostJob, domain.TargetJob, job.JobID, job.JobID, owner, nil),
	})
	require.NoError(t, err)
	_, err = env.queue.Enqueue(ctx, "contractor-phone", []EntryInput{
		input(t, 1, domain.SyncOpSubmitBid, domain.TargetJob, job.JobID, job.JobID, "contractor-1", domain.SubmitBidPayload{Amount: 650}),
	})
	require.NoError(t, err)

	report, err := env.queue.Replay(ctx, "owner-phone")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	report, err = env.queue.Replay(ctx, "contractor-phone")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Empty(t, report.Failures)

	bids, err := env.ledger.ListBids(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, int64(650), bids[0].Amount)

	// Replaying again changes nothing
	report, err = env.queue.Replay(ctx, "contractor-phone")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	bids, err = env.ledger.ListBids(ctx, job.JobID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}

func TestReplay_SubmitBidOnAwardedJobConflicts(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	awarded, _ := env.awardedJob(t)
	open := env.openJob(t)

	_, err := env.queue.Enqueue(ctx, "device-2", []EntryInput{
		input(t, 1, domain.SyncOpSubmitBid, domain.TargetJob, awarded.JobID, awarded.JobID, "contractor-2", domain.SubmitBidPayload{Amount: 700}),
		input(t, 2, domain.SyncOpWithdrawBid, domain.TargetBid, "bid-offline", awarded.JobID, "contractor-2", nil),
		input(t, 3, domain.SyncOpSubmitBid, domain.TargetJob, open.JobID, open.JobID, "contractor-2", domain.SubmitBidPayload{Amount: 550}),
	})
	require.NoError(t, err)

	report, err := env.queue.Replay(ctx, "device-2")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Conflicted)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 1, report.Applied)
	require.Len(t, report.Failures, 1)
	var conflictErr *domain.ConflictError
	require.ErrorAs(t, report.Failures[0], &conflictErr)
	assert.Contains(t, conflictErr.Reason, "awarded")

	assert.Equal(t, map[int64]domain.SyncStatus{
		1: domain.SyncStatusConflicted,
		2: domain.SyncStatusPending,
		3: domain.SyncStatusApplied,
	}, statusOf(t, env, "device-2"))

	bids, err := env.ledger.ListBids(ctx, awarded.JobID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}

func TestReplay_SubmitBidMatchesOnlyLiveBid(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	t.Run("rejected bid does not count as applied", func(t *testing.T) {
		job := env.openJob(t)
		_, err := env.ledger.SubmitBid(ctx, job.JobID, "contractor-a", 600)
		require.NoError(t, err)
		winner, err := env.ledger.SubmitBid(ctx, job.JobID, "contractor-b", 650)
		require.NoError(t, err)
		_, err = env.mgr.AcceptBid(ctx, lifecycle.AcceptBidInput{JobID: job.JobID, BidID: winner.BidID, ActorID: owner})
		require.NoError(t, err)

		_, err = env.queue.Enqueue(ctx, "phone-a", []EntryInput{
			input(t, 1, domain.SyncOpSubmitBid, domain.TargetJob, job.JobID, job.JobID, "contractor-a", domain.SubmitBidPayload{Amount: 550}),
		})
		require.NoError(t, err)

		report, err := env.queue.Replay(ctx, "phone-a")
		require.NoError(t, err)
		assert.Equal(t, 1, report.Conflicted)
		assert.Zero(t, report.Applied)

		bids, err := env.ledger.ListBids(ctx, job.JobID)
		require.NoError(t, err)
		for _, b := range bids {
			assert.NotEqual(t, int64(550), b.Amount)
		}
	})

	t.Run("live bid with the same amount is applied", func(t *testing.T) {
		job := env.openJob(t)
		_, err := env.ledger.SubmitBid(ctx, job.JobID, "contractor-c", 600)
		require.NoError(t, err)

		_, err = env.queue.Enqueue(ctx, "phone-c", []EntryInput{
			input(t, 1, domain.SyncOpSubmitBid, domain.TargetJob, job.JobID, job.JobID, "contractor-c", domain.SubmitBidPayload{Amount: 600}),
		})
		require.NoError(t, err)

		report, err := env.queue.Replay(ctx, "phone-c")
		require.NoError(t, err)
		assert.Equal(t, 1, report.Applied)
	})

	t.Run("live bid with another amount conflicts", func(t *testing.T) {
		job := env.openJob(t)
		_, err := env.ledger.SubmitBid(ctx, job.JobID, "contractor-d", 600)
		require.NoError(t, err)

		_, err = env.queue.Enqueue(ctx, "phone-d", []EntryInput{
			input(t, 1, domain.SyncOpSubmitBid, domain.TargetJob, job.JobID, job.JobID, "contractor-d", domain.SubmitBidPayload{Amount: 550}),
		})
		require.NoError(t, err)

		report, err := env.queue.Replay(ctx, "phone-d")
		require.NoError(t, err)
		assert.Equal(t, 1, report.Conflicted)

		bids, err := env.ledger.ListBids(ctx, job.JobID)
		require.NoError(t, err)
		require.Len(t, bids, 1)
		assert.Equal(t, int64(600), bids[0].Amount)
	})
}

func TestReplay_ConcurrentReplayKeepsFirstOutcome(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	job := env.openJob(t)

	_, err := env.queue.Enqueue(ctx, "contractor-phone", []EntryInput{
		input(t, 1, domain.SyncOpSubmitBid, domain.TargetJob, job.JobID, job.JobID, "contractor-1", domain.SubmitBidPayload{Amount: 650}),
	})
	require.NoError(t, err)

	var inner *Report
	racing := &racingBids{Bidding: env.ledger}
	racing.hook = func() {
		var err error
		inner, err = env.queue.Replay(ctx, "contractor-phone")
		require.NoError(t, err)
	}
	env.queue.bids = racing

	outer, err := env.queue.Replay(ctx, "contractor-phone")
	require.NoError(t, err)

	require.NotNil(t, inner)
	assert.Equal(t, 1, inner.Applied)
	assert.Equal(t, 1, outer.Applied)
	assert.Zero(t, outer.Conflicted)
	assert.Empty(t, outer.Failures)

	entries, err := env.queue.List(ctx, "contractor-phone")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SyncStatusApplied, entries[0].Status)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Nil(t, entries[0].LastError)

	bids, err := env.ledger.ListBids(ctx, job.JobID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}

func TestResolve_LosesToConcurrentRetry(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	awarded, _ := env.awardedJob(t)

	_, err := env.queue.Enqueue(ctx, "device-2", []EntryInput{
		input(t, 1, domain.SyncOpSubmitBid, domain.TargetJob, awarded.JobID, awarded.JobID, "contractor-2", domain.SubmitBidPayload{Amount: 700}),
	})
	require.NoError(t, err)
	_, err = env.queue.Replay(ctx, "device-2")
	require.NoError(t, err)

	entries, err := env.queue.List(ctx, "device-2")
	require.NoError(t, err)
	stale := entries[0]
	require.Equal(t, domain.SyncStatusConflicted, stale.Status)

	// Another session retries the entry after this one has read it
	_, err = env.queue.Resolve(ctx, "device-2", stale.EntryID, ActionRetry)
	require.NoError(t, err)
	env.queue.store = &staleSyncStore{Store: env.store, stale: &stale}

	_, err = env.queue.Resolve(ctx, "device-2", stale.EntryID, ActionDiscard)
	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	current, err := env.store.GetSyncEntry(ctx, stale.EntryID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusPending, current.Status)
}

func TestReplay_AcceptBidAlreadyApplied(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	job, bid := env.awardedJob(t)
	posted := string(domain.JobStatusPosted)

	in := input(t, 1, domain.SyncOpAcceptBid, domain.TargetBid, bid.BidID, job.JobID, owner, domain.AcceptBidPayload{BidID: bid.BidID})
	in.ExpectedStatus = &posted
	_, err := env.queue.Enqueue(ctx, "owner-phone", []EntryInput{in})
	require.NoError(t, err)

	report, err := env.queue.Replay(ctx, "owner-phone")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, env.gateway.Charges())
}

func TestReplay_CancelAfterJobMovedConflicts(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	job, _ := env.awardedJob(t)
	_, err := env.mgr.MarkInProgress(ctx, job.JobID, "contractor-1")
	require.NoError(t, err)

	awarded := string(domain.JobStatusAwarded)
	in := input(t, 1, domain.SyncOpCancelJob, domain.TargetJob, job.JobID, job.JobID, owner, domain.CancelJobPayload{Reason: "offline change of mind"})
	in.ExpectedStatus = &awarded
	_, err = env.queue.Enqueue(ctx, "owner-phone", []EntryInput{in})
	require.NoError(t, err)

	report, err := env.queue.Replay(ctx, "owner-phone")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicted)

	current, err := env.mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, current.Status)
	assert.Zero(t, env.gateway.Calls(paymenttest.OpReverse))
}

func TestReplay_TransientFailureBacksOff(t *testing.T) {
	env := newTestEnv(t, Config{BaseBackoff: time.Second, MaxAttempts: 5})
	ctx := context.Background()
	job, _ := env.awardedJob(t)

	flaky := &flakyJobs{
		Lifecycle: env.mgr,
		failures:  1,
		err:       &domain.GatewayUnavailableError{Op: "test", Err: errors.New("connection reset")},
	}
	env.queue.jobs = flaky

	_, err := env.queue.Enqueue(ctx, "owner-phone", []EntryInput{
		input(t, 1, domain.SyncOpMarkInProgress, domain.TargetJob, job.JobID, job.JobID, owner, nil),
		input(t, 2, domain.SyncOpMarkCompleted, domain.TargetJob, job.JobID, job.JobID, owner, nil),
	})
	require.NoError(t, err)

	report, err := env.queue.Replay(ctx, "owner-phone")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pending)
	assert.Empty(t, report.Failures)

	entries, err := env.queue.List(ctx, "owner-phone")
	require.NoError(t, err)
	assert.Equal(t, 1, entries[0].Attempts)
	require.NotNil(t, entries[0].NextAttemptAt)
	assert.Equal(t, env.now.Add(time.Second), *entries[0].NextAttemptAt)
	assert.Zero(t, entries[1].Attempts)

	require.Len(t, env.scheduler.calls, 1)
	assert.Equal(t, scheduled{clientID: "owner-phone", delay: time.Second}, env.scheduler.calls[0])

	// Still inside the backoff window
	report, err = env.queue.Replay(ctx, "owner-phone")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pending)

	env.now = env.now.Add(2 * time.Second)
	report, err = env.queue.Replay(ctx, "owner-phone")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)

	current, err := env.mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, current.Status)
}

func TestReplay_DiscardsAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, Config{BaseBackoff: time.Second, MaxAttempts: 2})
	ctx := context.Background()
	job, _ := env.awardedJob(t)

	env.queue.jobs = &flakyJobs{
		Lifecycle: env.mgr,
		failures:  10,
		err:       domain.NewRetryableError(errors.New("database is restarting")),
	}

	_, err := env.queue.Enqueue(ctx, "owner-phone", []EntryInput{
		input(t, 1, domain.SyncOpMarkInProgress, domain.TargetJob, job.JobID, job.JobID, owner, nil),
	})
	require.NoError(t, err)

	_, err = env.queue.Replay(ctx, "owner-phone")
	require.NoError(t, err)

	env.now = env.now.Add(time.Minute)
	report, err := env.queue.Replay(ctx, "owner-phone")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Discarded)
	require.Len(t, report.Failures, 1)
	var failed *domain.SyncFailedError
	require.ErrorAs(t, report.Failures[0], &failed)
	assert.Equal(t, 2, failed.Attempts)
	assert.Contains(t, report.Results[0].Error, "database is restarting")
}

func TestReplay_GatewayOutageDuringAcceptRetriesWithoutDoubleCharge(t *testing.T) {
	env := newTestEnv(t, Config{BaseBackoff: time.Second})
	ctx := context.Background()
	job := env.openJob(t)
	bid, err := env.ledger.SubmitBid(ctx, job.JobID, "contractor-1", 600)
	require.NoError(t, err)

	env.gateway.FailNext(paymenttest.OpCreate, paymenttest.TimeoutBefore, 3)

	_, err = env.queue.Enqueue(ctx, "owner-phone", []EntryInput{
		input(t, 1, domain.SyncOpAcceptBid, domain.TargetBid, bid.BidID, job.JobID, owner, domain.AcceptBidPayload{BidID: bid.BidID}),
	})
	require.NoError(t, err)

	report, err := env.queue.Replay(ctx, "owner-phone")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)

	current, err := env.mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, current.IsOpen())

	env.now = env.now.Add(5 * time.Second)
	report, err = env.queue.Replay(ctx, "owner-phone")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	current, err = env.mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, current.IsAwardedTo(bid.BidID))
	assert.Equal(t, 1, env.gateway.Charges())
}

func TestReplay_CancelledContext(t *testing.T) {
	env := newTestEnv(t, Config{})
	job := env.draftJob(t)

	_, err := env.queue.Enqueue(context.Background(), "owner-phone", []EntryInput{
		input(t, 1, domain.SyncOpPostJob, domain.TargetJob, job.JobID, job.JobID, owner, nil),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := env.queue.Replay(ctx, "owner-phone")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, map[int64]domain.SyncStatus{1: domain.SyncStatusPending}, statusOf(t, env, "owner-phone"))
}

func TestResolve(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	awarded, _ := env.awardedJob(t)

	_, err := env.queue.Enqueue(ctx, "device-2", []EntryInput{
		input(t, 1, domain.SyncOpSubmitBid, domain.TargetJob, awarded.JobID, awarded.JobID, "contractor-2", domain.SubmitBidPayload{Amount: 700}),
		input(t, 2, domain.SyncOpSubmitBid, domain.TargetJob, awarded.JobID, awarded.JobID, "contractor-2", domain.SubmitBidPayload{Amount: 710}),
	})
	require.NoError(t, err)
	_, err = env.queue.Replay(ctx, "device-2")
	require.NoError(t, err)

	entries, err := env.queue.List(ctx, "device-2")
	require.NoError(t, err)
	first, second := entries[0], entries[1]
	require.Equal(t, domain.SyncStatusConflicted, first.Status)
	require.Equal(t, domain.SyncStatusPending, second.Status)

	_, err = env.queue.Resolve(ctx, "other-device", first.EntryID, ActionDiscard)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.queue.Resolve(ctx, "device-2", first.EntryID, "ignore")
	var valErr *domain.ValidationError
	assert.ErrorAs(t, err, &valErr)

	_, err = env.queue.Resolve(ctx, "device-2", second.EntryID, ActionDiscard)
	var stateErr *domain.InvalidStateError
	assert.ErrorAs(t, err, &stateErr)

	retried, err := env.queue.Resolve(ctx, "device-2", first.EntryID, ActionRetry)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusPending, retried.Status)
	assert.Zero(t, retried.Attempts)
	assert.Nil(t, retried.LastError)

	// The job is still awarded, so the retried entry conflicts again
	report, err := env.queue.Replay(ctx, "device-2")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicted)

	discarded, err := env.queue.Resolve(ctx, "device-2", first.EntryID, ActionDiscard)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusDiscarded, discarded.Status)

	// With the blocker gone the next entry is replayed and conflicts on its own
	report, err = env.queue.Replay(ctx, "device-2")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Discarded)
	assert.Equal(t, 1, report.Conflicted)
}
