package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobmarket/internal/api/dto"
	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/lifecycle"
	"github.com/cuongbtq/jobmarket/internal/storage"
)

// CreateJob handles POST /api/v1/jobs
// Stores a draft job owned by the caller
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	job, err := h.jobs.CreateDraft(c.Request.Context(), lifecycle.DraftInput{
		OwnerID:          actor(c),
		Title:            req.Title,
		Description:      req.Description,
		Location:         req.Location,
		BudgetMin:        req.BudgetMin,
		BudgetMax:        req.BudgetMax,
		PaymentMethodRef: req.PaymentMethodRef,
	})
	if err != nil {
		respondError(c, h.logger, "create job", err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, h.logger, "get job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, h.logger, "Invalid query parameters", err)
		return
	}

	filter := storage.JobFilter{
		OwnerID:  req.OwnerID,
		Status:   req.Status,
		PageSize: req.PageSize,
	}
	cursor, err := DecodeJobCursor(req.Cursor, filter)
	if err != nil {
		badRequest(c, h.logger, "Invalid cursor", err)
		return
	}
	filter.Cursor = cursor

	page, err := h.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, "list jobs", err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: page.Jobs}
	if resp.Jobs == nil {
		resp.Jobs = []domain.Job{}
	}
	if page.Next != nil {
		resp.NextCursor = EncodeJobCursor(page.Next, filter)
	}
	c.JSON(http.StatusOK, resp)
}

// PostJob handles POST /api/v1/jobs/:job_id/post
// Opens a draft for bidding
func (h *JobHandler) PostJob(c *gin.Context) {
	job, err := h.jobs.PostJob(c.Request.Context(), c.Param("job_id"), actor(c))
	if err != nil {
		respondError(c, h.logger, "post job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// AcceptBid handles POST /api/v1/jobs/:job_id/accept
// Awards the job and holds the bid amount in escrow
func (h *JobHandler) AcceptBid(c *gin.Context) {
	var req dto.AcceptBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	h.logger.Info("AcceptBid called",
		slog.String("job_id", c.Param("job_id")),
		slog.String("bid_id", req.BidID),
		slog.String("actor_id", actor(c)),
	)

	job, err := h.jobs.AcceptBid(c.Request.Context(), lifecycle.AcceptBidInput{
		JobID:            c.Param("job_id"),
		BidID:            req.BidID,
		ActorID:          actor(c),
		PaymentMethodRef: req.PaymentMethodRef,
	})
	if err != nil {
		respondError(c, h.logger, "accept bid", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// StartJob handles POST /api/v1/jobs/:job_id/start
func (h *JobHandler) StartJob(c *gin.Context) {
	job, err := h.jobs.MarkInProgress(c.Request.Context(), c.Param("job_id"), actor(c))
	if err != nil {
		respondError(c, h.logger, "mark in progress", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CompleteJob handles POST /api/v1/jobs/:job_id/complete
// Completes the job and releases the escrow to the contractor
func (h *JobHandler) CompleteJob(c *gin.Context) {
	job, err := h.jobs.MarkCompleted(c.Request.Context(), c.Param("job_id"), actor(c))
	if err != nil {
		respondError(c, h.logger, "mark completed", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels the job and refunds any held escrow
func (h *JobHandler) CancelJob(c *gin.Context) {
	var req dto.CancelJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, h.logger, "Invalid request body", err)
			return
		}
	}

	job, err := h.jobs.CancelJob(c.Request.Context(), c.Param("job_id"), actor(c), req.Reason)
	if err != nil {
		respondError(c, h.logger, "cancel job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CloseJob handles POST /api/v1/jobs/:job_id/close
func (h *JobHandler) CloseJob(c *gin.Context) {
	job, err := h.jobs.CloseJob(c.Request.Context(), c.Param("job_id"), actor(c))
	if err != nil {
		respondError(c, h.logger, "close job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Snapshot handles GET /api/v1/jobs/:job_id/snapshot
// Returns the job with the bids and escrow the caller may read
func (h *JobHandler) Snapshot(c *gin.Context) {
	snap, err := h.snapshots.Snapshot(c.Request.Context(), c.Param("job_id"), actor(c))
	if err != nil {
		respondError(c, h.logger, "snapshot", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
