// Package payment is the port to the external payment gateway. Every call
// carries a client-generated idempotency key; repeating a call with the same
// key never moves money twice.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// IntentStatus is the gateway-side state of a payment intent
type IntentStatus string

// Intent status constants
const (
	StatusRequiresCapture IntentStatus = "requires_capture"
	StatusSucceeded       IntentStatus = "succeeded"
	StatusReleased        IntentStatus = "released"
	StatusReversed        IntentStatus = "reversed"
	StatusDeclined        IntentStatus = "declined"
)

// Intent is the gateway's view of a payment
type Intent struct {
	ID            string       `json:"id"`
	Amount        int64        `json:"amount"`
	Status        IntentStatus `json:"status"`
	DeclineReason string       `json:"decline_reason,omitempty"`
}

// ErrIntentNotFound is returned by LookupIntent when no call with the key ever
// reached the gateway
var ErrIntentNotFound = errors.New("payment intent not found")

// DeclinedError is a definitive refusal by the gateway. Any other error from a
// Gateway is ambiguous: the call may or may not have been applied.
type DeclinedError struct {
	IntentID string
	Reason   string
}

func (e *DeclinedError) Error() string {
	if e.IntentID == "" {
		return "declined: " + e.Reason
	}
	return fmt.Sprintf("intent %s declined: %s", e.IntentID, e.Reason)
}

// IsDeclined reports whether err is a definitive gateway refusal
func IsDeclined(err error) bool {
	var d *DeclinedError
	return errors.As(err, &d)
}

// Gateway is the external payment processor
type Gateway interface {
	// CreatePaymentIntent authorizes amount against paymentMethodRef
	CreatePaymentIntent(ctx context.Context, amount int64, paymentMethodRef, key string) (*Intent, error)

	// CaptureIntent moves an authorized intent into the held (succeeded) state
	CaptureIntent(ctx context.Context, intentID, key string) (*Intent, error)

	// ReleaseIntent pays a held intent out to the payee
	ReleaseIntent(ctx context.Context, intentID, key string) (*Intent, error)

	// ReverseIntent returns a held intent to the payer
	ReverseIntent(ctx context.Context, intentID, key string) (*Intent, error)

	// LookupIntent returns the current state of the intent touched by a call
	// carrying key, or ErrIntentNotFound.
	LookupIntent(ctx context.Context, key string) (*Intent, error)
}
