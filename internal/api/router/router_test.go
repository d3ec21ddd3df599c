package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobmarket/internal/api/dto"
	"github.com/cuongbtq/jobmarket/internal/api/handler"
	"github.com/cuongbtq/jobmarket/internal/bidding"
	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/escrow"
	"github.com/cuongbtq/jobmarket/internal/lifecycle"
	"github.com/cuongbtq/jobmarket/internal/notify"
	"github.com/cuongbtq/jobmarket/internal/payment/paymenttest"
	"github.com/cuongbtq/jobmarket/internal/realtime"
	"github.com/cuongbtq/jobmarket/internal/storage/memory"
	"github.com/cuongbtq/jobmarket/internal/syncqueue"
)

const (
	owner      = "owner-1"
	contractor = "contractor-1"
)

type noopScheduler struct{}

func (noopScheduler) ScheduleReplay(context.Context, string, time.Duration) error { return nil }

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type testServer struct {
	engine  *gin.Engine
	store   *memory.Store
	gateway *paymenttest.Gateway
}

func newTestServer(t *testing.T, checks map[string]handler.HealthChecker) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	gw := paymenttest.New()
	events := notify.NewRecorder()
	orch := escrow.NewOrchestrator(store, gw, escrow.Config{GatewayAttempts: 2, RetryBackoff: time.Millisecond}, logger)
	mgr := lifecycle.NewManager(store, orch, events, logger)
	ledger := bidding.NewLedger(store, events, logger)

	deps := &handler.Dependencies{
		Logger:    logger,
		Jobs:      mgr,
		Bids:      ledger,
		Sync:      syncqueue.NewQueue(store, mgr, ledger, noopScheduler{}, syncqueue.Config{}, logger),
		Snapshots: realtime.NewSnapshotter(store),
		Realtime:  realtime.NewHub(nil, logger),
		Checks:    checks,
	}
	return &testServer{engine: SetupRouter(deps), store: store, gateway: gw}
}

func (s *testServer) do(t *testing.T, method, path, actorID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actorID != "" {
		req.Header.Set(handler.ActorHeader, actorID)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) postedJob(t *testing.T) domain.Job {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/jobs", owner, dto.CreateJobRequest{
		Title:            "Fence repair",
		Location:         "Austin",
		BudgetMin:        500,
		BudgetMax:        800,
		PaymentMethodRef: "pm_owner_default",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	draft := decode[domain.Job](t, w)
	assert.Equal(t, domain.JobStatusDraft, draft.Status)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+draft.JobID+"/post", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[domain.Job](t, w)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]handler.HealthChecker
		wantStatus int
	}{
		{name: "no checks", wantStatus: http.StatusOK},
		{
			name:       "healthy",
			checks:     map[string]handler.HealthChecker{"postgres": checkFunc(func(context.Context) error { return nil })},
			wantStatus: http.StatusOK,
		},
		{
			name: "unhealthy",
			checks: map[string]handler.HealthChecker{
				"postgres": checkFunc(func(context.Context) error { return nil }),
				"redis":    checkFunc(func(context.Context) error { return errors.New("connection refused") }),
			},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.checks)
			w := s.do(t, http.MethodGet, "/health", "", nil)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRequireActor(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, dto.CodeUnauthenticated, decode[dto.ErrorResponse](t, w).Code)
}

func TestJobFlow_AcceptCompleteRelease(t *testing.T) {
	s := newTestServer(t, nil)
	job := s.postedJob(t)
	assert.Equal(t, domain.JobStatusPosted, job.Status)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/bids", contractor, dto.SubmitBidRequest{Amount: 600})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bid := decode[domain.Bid](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/bids", contractor, dto.SubmitBidRequest{Amount: 550})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, dto.CodeDuplicateBid, decode[dto.ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/accept", contractor, dto.AcceptBidRequest{BidID: bid.BidID})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/accept", owner, dto.AcceptBidRequest{BidID: bid.BidID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.JobStatusAwarded, decode[domain.Job](t, w).Status)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID+"/snapshot", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[realtime.Snapshot](t, w)
	require.NotNil(t, snap.Escrow)
	assert.Equal(t, domain.EscrowStateHeld, snap.Escrow.State)
	assert.Len(t, snap.Bids, 1)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/start", contractor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/complete", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.JobStatusCompleted, decode[domain.Job](t, w).Status)

	esc, err := s.store.ListEscrowsByJob(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Len(t, esc, 1)
	assert.Equal(t, domain.EscrowStateReleased, esc[0].State)
}

func TestAcceptBid_Errors(t *testing.T) {
	tests := []struct {
		name       string
		declined   bool
		bidID      string
		wantStatus int
		wantCode   string
	}{
		{name: "missing bid id", wantStatus: http.StatusBadRequest, wantCode: dto.CodeValidation},
		{name: "unknown bid", bidID: "nope", wantStatus: http.StatusNotFound, wantCode: dto.CodeNotFound},
		{name: "payment declined", declined: true, wantStatus: http.StatusPaymentRequired, wantCode: dto.CodePaymentDeclined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			job := s.postedJob(t)

			w := s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/bids", contractor, dto.SubmitBidRequest{Amount: 600})
			require.Equal(t, http.StatusCreated, w.Code)
			bid := decode[domain.Bid](t, w)

			bidID := tt.bidID
			if tt.declined {
				s.gateway.Decline("pm_owner_default", "insufficient funds")
				bidID = bid.BidID
			}

			w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/accept", owner, map[string]string{"bid_id": bidID})
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, decode[dto.ErrorResponse](t, w).Code)
		})
	}
}

func TestCancelJob_InvalidState(t *testing.T) {
	s := newTestServer(t, nil)
	job := s.postedJob(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/cancel", owner, dto.CancelJobRequest{Reason: "changed plans"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.JobStatusCancelled, decode[domain.Job](t, w).Status)

	// Cancelling again is a no-op
	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/cancel", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/start", owner, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode[dto.ErrorResponse](t, w)
	assert.Equal(t, dto.CodeInvalidState, body.Code)
	assert.Equal(t, string(domain.JobStatusCancelled), body.Current)
}

func TestListJobs_Pagination(t *testing.T) {
	s := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		s.postedJob(t)
	}

	seen := map[string]bool{}
	cursor := ""
	for page := 0; page < 3; page++ {
		path := "/api/v1/jobs?page_size=2&owner_id=" + owner
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		w := s.do(t, http.MethodGet, path, owner, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[dto.ListJobsResponse](t, w)
		for _, j := range resp.Jobs {
			seen[j.JobID] = true
		}
		cursor = resp.NextCursor
		if cursor == "" {
			break
		}
	}
	assert.Len(t, seen, 3)

	w := s.do(t, http.MethodGet, "/api/v1/jobs?cursor=%21%21", owner, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWithdrawBid(t *testing.T) {
	s := newTestServer(t, nil)
	job := s.postedJob(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/bids", contractor, dto.SubmitBidRequest{Amount: 700})
	require.Equal(t, http.StatusCreated, w.Code)
	bid := decode[domain.Bid](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/bids/"+bid.BidID+"/withdraw", "contractor-2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/bids/"+bid.BidID+"/withdraw", contractor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.BidStatusWithdrawn, decode[domain.Bid](t, w).Status)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID+"/bids", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dto.ListBidsResponse](t, w).Bids, 1)
}

func TestBidVisibility(t *testing.T) {
	s := newTestServer(t, nil)
	job := s.postedJob(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/bids", contractor, dto.SubmitBidRequest{Amount: 600})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/bids", "contractor-2", dto.SubmitBidRequest{Amount: 650})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rival := decode[domain.Bid](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/accept", owner, dto.AcceptBidRequest{BidID: rival.BidID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tests := []struct {
		name       string
		actorID    string
		wantStatus int
		wantBids   int
		wantEscrow bool
	}{
		{name: "owner", actorID: owner, wantStatus: http.StatusOK, wantBids: 2, wantEscrow: true},
		{name: "awarded contractor", actorID: "contractor-2", wantStatus: http.StatusOK, wantBids: 1, wantEscrow: true},
		{name: "losing contractor", actorID: contractor, wantStatus: http.StatusOK, wantBids: 1},
		{name: "outsider", actorID: "stranger", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID+"/bids", tt.actorID, nil)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusOK {
				bids := decode[dto.ListBidsResponse](t, w).Bids
				assert.Len(t, bids, tt.wantBids)
				for _, b := range bids {
					if tt.actorID != owner {
						assert.Equal(t, tt.actorID, b.ContractorID)
					}
				}
			}

			w = s.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID+"/snapshot", tt.actorID, nil)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusOK {
				snap := decode[realtime.Snapshot](t, w)
				assert.Len(t, snap.Bids, tt.wantBids)
				assert.Equal(t, tt.wantEscrow, snap.Escrow != nil)
			}
		})
	}
}

func TestSync_UploadReplayResolve(t *testing.T) {
	s := newTestServer(t, nil)
	job := s.postedJob(t)
	base := "/api/v1/sync/device-1"

	entries := []map[string]interface{}{
		{"seq": 1, "op": "submit_bid", "target_kind": "job", "target_id": job.JobID, "job_id": job.JobID, "payload": map[string]int64{"amount": 620}},
	}
	w := s.do(t, http.MethodPost, base+"/entries", contractor, map[string]interface{}{"entries": entries})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[dto.SyncUploadResponse](t, w).Inserted)

	// Re-uploading the same sequence is ignored
	w = s.do(t, http.MethodPost, base+"/entries", contractor, map[string]interface{}{"entries": entries})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[dto.SyncUploadResponse](t, w).Inserted)

	w = s.do(t, http.MethodPost, base+"/replay", contractor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[syncqueue.Report](t, w)
	assert.Equal(t, 1, report.Applied)

	// A second offline bid on a job that was cancelled in the meantime conflicts
	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/cancel", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/sync/device-2/entries", "contractor-2", map[string]interface{}{"entries": []map[string]interface{}{
		{"seq": 1, "op": "submit_bid", "target_kind": "job", "target_id": job.JobID, "job_id": job.JobID, "payload": map[string]int64{"amount": 640}},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/sync/device-2/replay", "contractor-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report = decode[syncqueue.Report](t, w)
	require.Equal(t, 1, report.Conflicted)
	entryID := report.Results[0].EntryID

	w = s.do(t, http.MethodPost, "/api/v1/sync/device-2/entries/"+entryID+"/resolve", "contractor-2", dto.ResolveSyncEntryRequest{Action: "shelve"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/sync/device-2/entries/"+entryID+"/resolve", "contractor-2", dto.ResolveSyncEntryRequest{Action: syncqueue.ActionDiscard})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.SyncStatusDiscarded, decode[domain.SyncQueueEntry](t, w).Status)

	w = s.do(t, http.MethodGet, "/api/v1/sync/device-2/entries", "contractor-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dto.SyncEntriesResponse](t, w).Entries, 1)
}

func TestSync_UploadValidation(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/v1/sync/device-1/entries", contractor, map[string]interface{}{"entries": []map[string]interface{}{
		{"seq": 0, "op": "launch_rocket", "target_kind": "job", "target_id": "j", "job_id": "j"},
	}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[dto.ErrorResponse](t, w)
	assert.Equal(t, dto.CodeValidation, body.Code)
	assert.Contains(t, body.Fields, "entries[0].op")
}
