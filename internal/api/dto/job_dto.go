package dto

import "github.com/cuongbtq/jobmarket/internal/domain"

type CreateJobRequest struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	Location         string `json:"location"`
	BudgetMin        int64  `json:"budget_min"`
	BudgetMax        int64  `json:"budget_max"`
	PaymentMethodRef string `json:"payment_method_ref"`
}

type ListJobsRequest struct {
	OwnerID  string `form:"owner_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []domain.Job `json:"jobs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type AcceptBidRequest struct {
	BidID            string `json:"bid_id" binding:"required"`
	PaymentMethodRef string `json:"payment_method_ref"`
}

type CancelJobRequest struct {
	Reason string `json:"reason"`
}

type SubmitBidRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

type ListBidsResponse struct {
	Bids []domain.Bid `json:"bids"`
}
