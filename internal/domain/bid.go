package domain

import "time"

// Bid is a contractor's offer on a job
type Bid struct {
	BidID        string    `db:"bid_id" json:"bid_id"`
	JobID        string    `db:"job_id" json:"job_id"`
	ContractorID string    `db:"contractor_id" json:"contractor_id"`
	Amount       int64     `db:"amount" json:"amount"`
	Status       BidStatus `db:"status" json:"status"`
	Seq          int64     `db:"seq" json:"-"`
	Version      int64     `db:"version" json:"version"`
	SubmittedAt  time.Time `db:"submitted_at" json:"submitted_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Final reports whether the bid can no longer change
func (s BidStatus) Final() bool {
	return s == BidStatusAccepted || s == BidStatusRejected || s == BidStatusWithdrawn
}

// BidVisibleTo reports whether actorID may read bid b of job j. Only the job
// owner and the contractor who placed the bid can.
func BidVisibleTo(j *Job, b *Bid, actorID string) bool {
	return actorID != "" && (actorID == j.OwnerID || actorID == b.ContractorID)
}

// VisibleBids keeps the bids of job j that actorID may read
func VisibleBids(j *Job, bids []Bid, actorID string) []Bid {
	out := make([]Bid, 0, len(bids))
	for i := range bids {
		if BidVisibleTo(j, &bids[i], actorID) {
			out = append(out, bids[i])
		}
	}
	return out
}

// EscrowVisibleTo reports whether actorID may read escrow e of job j: the
// owner, or the contractor whose bid the escrow holds money for
func EscrowVisibleTo(j *Job, e *EscrowTransaction, bids []Bid, actorID string) bool {
	if actorID == "" {
		return false
	}
	if actorID == j.OwnerID {
		return true
	}
	for i := range bids {
		if bids[i].BidID == e.BidID {
			return bids[i].ContractorID == actorID
		}
	}
	return false
}
