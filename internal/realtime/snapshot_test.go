package realtime

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobmarket/internal/domain"
)

func jobUpdate(t *testing.T, job domain.Job) *Update {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return &Update{Type: "change", Table: TableJobs, ID: job.JobID, JobID: job.JobID, Version: job.Version, Data: data}
}

func TestSnapshotter(t *testing.T) {
	store := seedJob(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEscrow(ctx, &domain.EscrowTransaction{
		EscrowID: "escrow-1",
		JobID:    "job-1",
		BidID:    "bid-1",
		State:    domain.EscrowStatePending,
		Amount:   600,
		HoldKey:  "hold-1",
	}))
	snapshotter := NewSnapshotter(store)

	tests := []struct {
		name       string
		actorID    string
		wantBids   []string
		wantEscrow bool
	}{
		{name: "owner", actorID: "owner-1", wantBids: []string{"bid-1", "bid-2"}, wantEscrow: true},
		{name: "escrowed contractor", actorID: "contractor-1", wantBids: []string{"bid-1"}, wantEscrow: true},
		{name: "other bidder", actorID: "contractor-2", wantBids: []string{"bid-2"}},
		{name: "visitor on open job", actorID: "visitor", wantBids: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := snapshotter.Snapshot(ctx, "job-1", tt.actorID)
			require.NoError(t, err)
			assert.Equal(t, "job-1", snap.Job.JobID)

			ids := []string{}
			for _, b := range snap.Bids {
				ids = append(ids, b.BidID)
			}
			assert.ElementsMatch(t, tt.wantBids, ids)

			if tt.wantEscrow {
				require.NotNil(t, snap.Escrow)
				assert.Equal(t, "escrow-1", snap.Escrow.EscrowID)
			} else {
				assert.Nil(t, snap.Escrow)
			}
		})
	}

	_, err := snapshotter.Snapshot(ctx, "missing", "owner-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshotter_HidesClosedJobFromOutsiders(t *testing.T) {
	store := seedJob(t)
	ctx := context.Background()
	_, err := store.AwardJob(ctx, "job-1", "bid-1")
	require.NoError(t, err)
	snapshotter := NewSnapshotter(store)

	_, err = snapshotter.Snapshot(ctx, "job-1", "visitor")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	snap, err := snapshotter.Snapshot(ctx, "job-1", "contractor-2")
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, "bid-2", snap.Bids[0].BidID)
}

func TestSnapshotCache_MergeAppliesOnlyNewer(t *testing.T) {
	cache := NewSnapshotCache()
	job := domain.Job{JobID: "job-1", OwnerID: "owner-1", Status: domain.JobStatusPosted, Version: 2}

	applied, err := cache.Merge(jobUpdate(t, job))
	require.NoError(t, err)
	assert.True(t, applied)

	stale := job
	stale.Status = domain.JobStatusDraft
	stale.Version = 1
	applied, err = cache.Merge(jobUpdate(t, stale))
	require.NoError(t, err)
	assert.False(t, applied)

	newer := job
	newer.Status = domain.JobStatusAwarded
	newer.Version = 3
	applied, err = cache.Merge(jobUpdate(t, newer))
	require.NoError(t, err)
	assert.True(t, applied)

	got, ok := cache.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusAwarded, got.Job.Status)

	_, err = cache.Merge(&Update{Table: "users", Data: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestSnapshotCache_MergeSnapshot(t *testing.T) {
	cache := NewSnapshotCache()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := &Snapshot{
		Job:  domain.Job{JobID: "job-1", Status: domain.JobStatusAwarded, Version: 3},
		Bids: []domain.Bid{{BidID: "bid-1", JobID: "job-1", Status: domain.BidStatusAccepted, Version: 2}},
		Escrow: &domain.EscrowTransaction{
			EscrowID: "escrow-1", JobID: "job-1", State: domain.EscrowStateHeld, Version: 2, CreatedAt: base,
		},
	}
	assert.True(t, cache.MergeSnapshot(first))
	assert.False(t, cache.MergeSnapshot(first))

	// A late push of an older bid version does not undo the snapshot
	data, err := json.Marshal(domain.Bid{BidID: "bid-1", JobID: "job-1", Status: domain.BidStatusSubmitted, Version: 1})
	require.NoError(t, err)
	applied, err := cache.Merge(&Update{Table: TableBids, ID: "bid-1", JobID: "job-1", Version: 1, Data: data})
	require.NoError(t, err)
	assert.False(t, applied)

	got, ok := cache.Get("job-1")
	require.True(t, ok)
	require.Len(t, got.Bids, 1)
	assert.Equal(t, domain.BidStatusAccepted, got.Bids[0].Status)
	require.NotNil(t, got.Escrow)
	assert.Equal(t, domain.EscrowStateHeld, got.Escrow.State)

	_, ok = cache.Get("job-2")
	assert.False(t, ok)
}

func TestMemoryVersions(t *testing.T) {
	v := NewMemoryVersions()
	ctx := context.Background()

	for _, tt := range []struct {
		version int64
		want    bool
	}{
		{1, true},
		{1, false},
		{3, true},
		{2, false},
		{4, true},
	} {
		got, err := v.Advance(ctx, "jobs:job-1", tt.version)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "version %d", tt.version)
	}
}

func TestRedisVersions(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	prefix := "test:versions:" + time.Now().Format("150405.000000") + ":"
	v := NewRedisVersions(client, prefix, time.Minute)

	fresh, err := v.Advance(ctx, "jobs:job-1", 2)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = v.Advance(ctx, "jobs:job-1", 2)
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = v.Advance(ctx, "jobs:job-1", 5)
	require.NoError(t, err)
	assert.True(t, fresh)
}
