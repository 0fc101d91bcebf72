// Package payments talks to the external payment processor: customer charges
// opened at quote approval and provider payouts initiated at customer
// confirmation.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrUnknownCharge = errors.New("unknown charge reference")

type Charge struct {
	RequestID string
	Amount    decimal.Decimal
	Currency  string
	// Version is the request version the charge was opened at. It keys the
	// processor-side idempotency so a charge cancelled after a failed commit
	// is not handed back to the next approval.
	Version int
}

type Transfer struct {
	RequestID string
	Account   string
	Amount    decimal.Decimal
	Currency  string
	// Attempt keys the processor-side idempotency so a retried call after an
	// unknown outcome cannot pay twice.
	Attempt int
}

// MinorUnits converts a decimal amount into the processor's integer unit.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// Local is an in-process processor for development and tests. Its
// ParseWebhook accepts unsigned JSON so a paid charge can be simulated.
type Local struct {
	mu        sync.Mutex
	charges   map[string]Charge
	cancelled map[string]bool
	transfers []Transfer
	failWith  error
}

func NewLocal() *Local {
	return &Local{charges: make(map[string]Charge), cancelled: make(map[string]bool)}
}

func (l *Local) CreateCharge(ctx context.Context, c Charge) (string, error) {
	if !c.Amount.IsPositive() {
		return "", fmt.Errorf("charge amount must be positive, got %s", c.Amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ref := "pi_local_" + uuid.NewString()
	l.charges[ref] = c
	return ref, nil
}

func (l *Local) CancelCharge(ctx context.Context, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.charges[reference]; !ok {
		return ErrUnknownCharge
	}
	l.cancelled[reference] = true
	return nil
}

func (l *Local) InitiateTransfer(ctx context.Context, t Transfer) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return "", l.failWith
	}
	if t.Account == "" {
		return "", errors.New("missing payout account")
	}
	l.transfers = append(l.transfers, t)
	return fmt.Sprintf("tr_local_%s_%d", t.RequestID, t.Attempt), nil
}

// Cancelled reports whether the charge was cancelled.
func (l *Local) Cancelled(reference string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled[reference]
}

func (l *Local) Charge(reference string) (Charge, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.charges[reference]
	return c, ok
}

func (l *Local) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transfer(nil), l.transfers...)
}

// SetTransferError makes every following InitiateTransfer fail with err
// until it is reset with nil.
func (l *Local) SetTransferError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWith = err
}

// ParseWebhook accepts an unsigned JSON body in place of a processor event.
func (l *Local) ParseWebhook(payload []byte, signature string) (PaymentEvent, error) {
	var body struct {
		EventID   string `json:"event_id"`
		RequestID string `json:"request_id"`
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return PaymentEvent{}, err
	}
	if body.RequestID == "" || body.Reference == "" {
		return PaymentEvent{}, errors.New("request_id and reference are required")
	}
	if body.EventID == "" {
		body.EventID = "evt_local_" + body.Reference
	}
	return PaymentEvent{EventID: body.EventID, RequestID: body.RequestID, Reference: body.Reference}, nil
}
