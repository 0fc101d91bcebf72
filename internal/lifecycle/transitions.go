package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/roadside-assist/internal/models"
	"github.com/example/roadside-assist/internal/payments"
)

// SubmitQuote records the provider's price. The provider share in force now
// is stored with the quote and used at settlement.
func (e *Engine) SubmitQuote(ctx context.Context, id string, actor models.Actor, amount decimal.Decimal, description string) (*models.ServiceRequest, error) {
	return e.transition(ctx, id, actor, models.StatusQuoted, func(r *models.ServiceRequest, now time.Time) error {
		if !amount.IsPositive() {
			return invalid(models.StatusAssigned, models.StatusQuoted, "quote amount must be greater than zero")
		}
		r.Quote = &models.Quote{
			Amount:           amount.Round(2),
			Description:      description,
			Currency:         e.cfg.Currency,
			ProviderSharePct: e.cfg.ProviderSharePct,
			QuotedAt:         now,
		}
		return nil
	})
}

// ApproveQuote opens the customer charge with the processor and moves the
// request to awaiting_payment. The charge is cancelled if the commit fails.
func (e *Engine) ApproveQuote(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	unlock := e.locks.lock(id)
	defer unlock()
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkEdge(cur, models.StatusAwaitingPayment, actor); err != nil {
		e.rejected(cur, models.StatusAwaitingPayment, actor, err)
		return nil, err
	}
	if cur.Quote == nil {
		return nil, invalid(cur.Status, models.StatusAwaitingPayment, "request has no quote")
	}

	ref, err := e.payments.CreateCharge(ctx, payments.Charge{
		RequestID: cur.ID,
		Amount:    cur.Quote.Amount,
		Currency:  cur.Quote.Currency,
		Version:   cur.Version,
	})
	if err != nil {
		e.logger.Warn("charge creation failed", "request_id", id, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPaymentProcessor, err)
	}
	next, err := e.commit(ctx, cur, actor, models.StatusAwaitingPayment, func(r *models.ServiceRequest, now time.Time) error {
		r.QuoteApprovedAt = &now
		r.Payment = &models.Payment{Reference: ref, Status: models.PaymentPending, Amount: r.Quote.Amount}
		return nil
	})
	if err != nil {
		if cerr := e.payments.CancelCharge(context.WithoutCancel(ctx), ref); cerr != nil {
			e.logger.Error("orphaned charge could not be cancelled", "request_id", id, "reference", ref, "error", cerr)
		}
		return nil, err
	}
	return next, nil
}

// ConfirmPayment applies the processor's confirmation. A repeated delivery of
// the same reference after the request is paid is a no-op.
func (e *Engine) ConfirmPayment(ctx context.Context, id, reference string) (*models.ServiceRequest, error) {
	unlock := e.locks.lock(id)
	defer unlock()
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Payment != nil && cur.Payment.Reference == reference && cur.Payment.Status == models.PaymentPaid {
		return cur, nil
	}
	return e.commit(ctx, cur, systemActor, models.StatusPaid, func(r *models.ServiceRequest, now time.Time) error {
		if r.Payment == nil || reference == "" || r.Payment.Reference != reference {
			return invalid(cur.Status, models.StatusPaid, "payment reference does not match this request")
		}
		r.Payment.Status = models.PaymentPaid
		r.Payment.PaidAt = &now
		return nil
	})
}

// StartDriving accepts paid and the legacy accepted status.
func (e *Engine) StartDriving(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	return e.transition(ctx, id, actor, models.StatusEnRoute, nil)
}

func (e *Engine) MarkArrived(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	return e.transition(ctx, id, actor, models.StatusInProgress, nil)
}

// MarkWorkDone sets a provisional completion time. The request is not
// complete until both parties confirm.
func (e *Engine) MarkWorkDone(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	return e.transition(ctx, id, actor, models.StatusAwaitingConfirmation, func(r *models.ServiceRequest, now time.Time) error {
		r.CompletedAt = &now
		return nil
	})
}

// Cancel ends any non-terminal request. An unpaid charge is released after
// the commit.
func (e *Engine) Cancel(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	next, err := e.transition(ctx, id, actor, models.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	if p := next.Payment; p != nil && p.Status == models.PaymentPending {
		if err := e.payments.CancelCharge(context.WithoutCancel(ctx), p.Reference); err != nil && !errors.Is(err, payments.ErrUnknownCharge) {
			e.logger.Warn("charge release after cancel failed", "request_id", id, "reference", p.Reference, "error", err)
		}
	}
	return next, nil
}
