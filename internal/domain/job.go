package domain

import "time"

// Job is a homeowner's posted piece of work
type Job struct {
	JobID            string    `db:"job_id" json:"job_id"`
	OwnerID          string    `db:"owner_id" json:"owner_id"`
	Title            string    `db:"title" json:"title" validate:"required,max=200"`
	Description      string    `db:"description" json:"description"`
	Location         string    `db:"location" json:"location" validate:"required"`
	BudgetMin        int64     `db:"budget_min" json:"budget_min" validate:"gt=0"`
	BudgetMax        int64     `db:"budget_max" json:"budget_max" validate:"gtefield=BudgetMin"`
	Status           JobStatus `db:"status" json:"status"`
	AwardedBidID     *string   `db:"awarded_bid_id" json:"awarded_bid_id,omitempty"`
	PaymentMethodRef *string   `db:"payment_method_ref" json:"payment_method_ref,omitempty"`
	Version          int64     `db:"version" json:"version"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// OpenStatuses are the states in which a job accepts bids and awards.
// posted and bidding_open are one observable state.
var OpenStatuses = []JobStatus{JobStatusPosted, JobStatusBiddingOpen}

// CancellableStatuses are the states a job may be cancelled from
var CancellableStatuses = []JobStatus{
	JobStatusDraft,
	JobStatusPosted,
	JobStatusBiddingOpen,
	JobStatusAwarded,
	JobStatusInProgress,
}

// IsOpen reports whether the job currently accepts bids
func (j *Job) IsOpen() bool {
	return j.Status.In(OpenStatuses...)
}

// IsAwardedTo reports whether the job was awarded to bidID
func (j *Job) IsAwardedTo(bidID string) bool {
	return j.AwardedBidID != nil && *j.AwardedBidID == bidID
}

// VisibleTo reports whether actorID may read the job: its owner always,
// anyone while it is open, and otherwise only contractors who bid on it
func (j *Job) VisibleTo(actorID string, bids []Bid) bool {
	if actorID == j.OwnerID || j.IsOpen() {
		return true
	}
	for i := range bids {
		if bids[i].ContractorID == actorID {
			return true
		}
	}
	return false
}

// In reports whether s is one of statuses
func (s JobStatus) In(statuses ...JobStatus) bool {
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no further lifecycle transition is possible
func (s JobStatus) Terminal() bool {
	return s == JobStatusClosed || s == JobStatusCancelled
}

// rank orders the linear part of the lifecycle; cancelled is off the line
var jobRank = map[JobStatus]int{
	JobStatusDraft:       0,
	JobStatusPosted:      1,
	JobStatusBiddingOpen: 1,
	JobStatusAwarded:     2,
	JobStatusInProgress:  3,
	JobStatusCompleted:   4,
	JobStatusClosed:      5,
}

// AtLeast reports whether s is at or past other on the linear lifecycle.
// Cancelled is never at least anything.
func (s JobStatus) AtLeast(other JobStatus) bool {
	r, ok := jobRank[s]
	if !ok {
		return false
	}
	o, ok := jobRank[other]
	if !ok {
		return false
	}
	return r >= o
}
