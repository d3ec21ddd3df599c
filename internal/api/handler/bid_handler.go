package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobmarket/internal/api/dto"
	"github.com/cuongbtq/jobmarket/internal/domain"
)

// SubmitBid handles POST /api/v1/jobs/:job_id/bids
func (h *JobHandler) SubmitBid(c *gin.Context) {
	var req dto.SubmitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	bid, err := h.bids.SubmitBid(c.Request.Context(), c.Param("job_id"), actor(c), req.Amount)
	if err != nil {
		respondError(c, h.logger, "submit bid", err)
		return
	}
	c.JSON(http.StatusCreated, bid)
}

// ListBids handles GET /api/v1/jobs/:job_id/bids
// The owner sees every bid, a contractor only their own
func (h *JobHandler) ListBids(c *gin.Context) {
	bids, err := h.bids.ListVisibleBids(c.Request.Context(), c.Param("job_id"), actor(c))
	if err != nil {
		respondError(c, h.logger, "list bids", err)
		return
	}
	if bids == nil {
		bids = []domain.Bid{}
	}
	c.JSON(http.StatusOK, dto.ListBidsResponse{Bids: bids})
}

// WithdrawBid handles POST /api/v1/bids/:bid_id/withdraw
func (h *JobHandler) WithdrawBid(c *gin.Context) {
	bid, err := h.bids.WithdrawBid(c.Request.Context(), c.Param("bid_id"), actor(c))
	if err != nil {
		respondError(c, h.logger, "withdraw bid", err)
		return
	}
	c.JSON(http.StatusOK, bid)
}
