// Package paymenttest provides an in-memory payment.Gateway with scriptable faults
package paymenttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuongbtq/jobmarket/internal/payment"
)

// Op names a gateway call
type Op string

const (
	OpCreate  Op = "create"
	OpCapture Op = "capture"
	OpRelease Op = "release"
	OpReverse Op = "reverse"
	OpLookup  Op = "lookup"
)

// Fault is a scripted failure of one call
type Fault int

const (
	// TimeoutBefore fails the call without applying it
	TimeoutBefore Fault = iota
	// TimeoutAfter applies the call and then reports a timeout
	TimeoutAfter
	// Refuse declines the call without applying it
	Refuse
)

// ErrTimeout is the ambiguous error returned by scripted faults
var ErrTimeout = fmt.Errorf("gateway timeout: %w", context.DeadlineExceeded)

// Gateway is a fake processor
type Gateway struct {
	mu       sync.Mutex
	intents  map[string]*payment.Intent
	keys     map[string]string
	declines map[string]string
	faults   map[Op][]Fault
	calls    map[Op]int
	charges  int
	seq      int
}

var _ payment.Gateway = (*Gateway)(nil)

// New creates an empty fake gateway
func New() *Gateway {
	return &Gateway{
		intents:  make(map[string]*payment.Intent),
		keys:     make(map[string]string),
		declines: make(map[string]string),
		faults:   make(map[Op][]Fault),
		calls:    make(map[Op]int),
	}
}

// Decline makes every intent created for paymentMethodRef fail
func (g *Gateway) Decline(paymentMethodRef, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declines[paymentMethodRef] = reason
}

// FailNext queues n faults for op, consumed one per call
func (g *Gateway) FailNext(op Op, fault Fault, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < n; i++ {
		g.faults[op] = append(g.faults[op], fault)
	}
}

// Charges returns how many intents were captured
func (g *Gateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges
}

// Calls returns how many times op was invoked, faults included
func (g *Gateway) Calls(op Op) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// IntentByKey returns a copy of the intent touched with key
func (g *Gateway) IntentByKey(key string) (*payment.Intent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.keys[key]
	if !ok {
		return nil, false
	}
	cp := *g.intents[id]
	return &cp, true
}

func (g *Gateway) CreatePaymentIntent(ctx context.Context, amount int64, paymentMethodRef, key string) (*payment.Intent, error) {
	return g.run(ctx, OpCreate, func() (*payment.Intent, error) {
		if id, ok := g.keys[key]; ok {
			return g.result(g.intents[id])
		}
		g.seq++
		intent := &payment.Intent{
			ID:     fmt.Sprintf("pi_%d", g.seq),
			Amount: amount,
			Status: payment.StatusRequiresCapture,
		}
		if reason, ok := g.declines[paymentMethodRef]; ok {
			intent.Status = payment.StatusDeclined
			intent.DeclineReason = reason
		}
		g.intents[intent.ID] = intent
		g.keys[key] = intent.ID
		return g.result(intent)
	})
}

func (g *Gateway) CaptureIntent(ctx context.Context, intentID, key string) (*payment.Intent, error) {
	return g.run(ctx, OpCapture, func() (*payment.Intent, error) {
		intent, ok := g.intents[intentID]
		if !ok {
			return nil, payment.ErrIntentNotFound
		}
		g.keys[key] = intentID
		if intent.Status == payment.StatusRequiresCapture {
			intent.Status = payment.StatusSucceeded
			g.charges++
		}
		if intent.Status != payment.StatusSucceeded {
			return g.refuse(intent, "intent is not capturable")
		}
		return g.result(intent)
	})
}

func (g *Gateway) ReleaseIntent(ctx context.Context, intentID, key string) (*payment.Intent, error) {
	return g.settle(ctx, OpRelease, intentID, key, payment.StatusReleased)
}

func (g *Gateway) ReverseIntent(ctx context.Context, intentID, key string) (*payment.Intent, error) {
	return g.settle(ctx, OpReverse, intentID, key, payment.StatusReversed)
}

func (g *Gateway) LookupIntent(ctx context.Context, key string) (*payment.Intent, error) {
	return g.run(ctx, OpLookup, func() (*payment.Intent, error) {
		id, ok := g.keys[key]
		if !ok {
			return nil, payment.ErrIntentNotFound
		}
		cp := *g.intents[id]
		return &cp, nil
	})
}

func (g *Gateway) settle(ctx context.Context, op Op, intentID, key string, target payment.IntentStatus) (*payment.Intent, error) {
	return g.run(ctx, op, func() (*payment.Intent, error) {
		intent, ok := g.intents[intentID]
		if !ok {
			return nil, payment.ErrIntentNotFound
		}
		if intent.Status == payment.StatusSucceeded {
			intent.Status = target
		}
		if intent.Status != target {
			return g.refuse(intent, fmt.Sprintf("intent is %s", intent.Status))
		}
		g.keys[key] = intentID
		return g.result(intent)
	})
}

// run applies fn under the lock, honoring the next scripted fault for op
func (g *Gateway) run(ctx context.Context, op Op, fn func() (*payment.Intent, error)) (*payment.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls[op]++
	var fault *Fault
	if queue := g.faults[op]; len(queue) > 0 {
		f := queue[0]
		g.faults[op] = queue[1:]
		fault = &f
	}

	if fault != nil && *fault == TimeoutBefore {
		return nil, ErrTimeout
	}
	if fault != nil && *fault == Refuse {
		return nil, &payment.DeclinedError{Reason: "refused by processor"}
	}
	intent, err := fn()
	if fault != nil && *fault == TimeoutAfter {
		return nil, ErrTimeout
	}
	return intent, err
}

func (g *Gateway) result(intent *payment.Intent) (*payment.Intent, error) {
	cp := *intent
	if cp.Status == payment.StatusDeclined {
		return &cp, &payment.DeclinedError{IntentID: cp.ID, Reason: cp.DeclineReason}
	}
	return &cp, nil
}

func (g *Gateway) refuse(intent *payment.Intent, reason string) (*payment.Intent, error) {
	cp := *intent
	return &cp, &payment.DeclinedError{IntentID: cp.ID, Reason: reason}
}

// IsTimeout reports whether err came from a scripted fault
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
