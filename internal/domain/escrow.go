package domain

import "time"

// EscrowTransaction tracks the money held for an awarded job
type EscrowTransaction struct {
	EscrowID         string      `db:"escrow_id" json:"escrow_id"`
	JobID            string      `db:"job_id" json:"job_id"`
	BidID            string      `db:"bid_id" json:"bid_id"`
	State            EscrowState `db:"state" json:"state"`
	Amount           int64       `db:"amount" json:"amount"`
	PaymentMethodRef string      `db:"payment_method_ref" json:"-"`
	GatewayRef       *string     `db:"gateway_ref" json:"gateway_ref,omitempty"`
	HoldKey          string      `db:"hold_key" json:"-"`
	ReleaseKey       *string     `db:"release_key" json:"-"`
	RefundKey        *string     `db:"refund_key" json:"-"`
	FailureReason    *string     `db:"failure_reason" json:"failure_reason,omitempty"`
	Version          int64       `db:"version" json:"version"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
	HeldAt           *time.Time  `db:"held_at" json:"held_at,omitempty"`
	ReleasedAt       *time.Time  `db:"released_at" json:"released_at,omitempty"`
	RefundedAt       *time.Time  `db:"refunded_at" json:"refunded_at,omitempty"`
	FailedAt         *time.Time  `db:"failed_at" json:"failed_at,omitempty"`
}

// escrowNext lists the legal single-step moves of the escrow state machine
var escrowNext = map[EscrowState][]EscrowState{
	EscrowStatePending: {EscrowStateHeld, EscrowStateFailed},
	EscrowStateHeld:    {EscrowStateReleased, EscrowStateRefunded},
}

// CanMoveTo reports whether to is a legal next state. Staying put is allowed
// for bookkeeping updates on non-terminal states.
func (s EscrowState) CanMoveTo(to EscrowState) bool {
	if s == to {
		return !s.Terminal()
	}
	for _, n := range escrowNext[s] {
		if n == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the escrow is settled
func (s EscrowState) Terminal() bool {
	return s == EscrowStateReleased || s == EscrowStateRefunded || s == EscrowStateFailed
}

// EscrowPatch carries the optional fields written alongside a state change
type EscrowPatch struct {
	GatewayRef    *string
	ReleaseKey    *string
	RefundKey     *string
	FailureReason *string

	// ClearSettleKeys drops release and refund keys after a declined settlement
	ClearSettleKeys bool
}

// LedgerAction names a money movement recorded against an escrow
type LedgerAction string

const (
	LedgerCreateIntent LedgerAction = "create_intent"
	LedgerCapture      LedgerAction = "capture"
	LedgerRelease      LedgerAction = "release"
	LedgerReverse      LedgerAction = "reverse"
	LedgerLookup       LedgerAction = "lookup"
)

// LedgerEntry is an append-only record of a gateway interaction. It is written
// before local escrow state advances so a crash in between is detectable.
type LedgerEntry struct {
	EntryID        string       `db:"entry_id" json:"entry_id"`
	EscrowID       string       `db:"escrow_id" json:"escrow_id"`
	Action         LedgerAction `db:"action" json:"action"`
	IdempotencyKey string       `db:"idempotency_key" json:"idempotency_key"`
	GatewayRef     *string      `db:"gateway_ref" json:"gateway_ref,omitempty"`
	Outcome        string       `db:"outcome" json:"outcome"`
	RecordedAt     time.Time    `db:"recorded_at" json:"recorded_at"`
}
