package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/roadside-assist/internal/models"
	"github.com/example/roadside-assist/internal/observability"
	"github.com/example/roadside-assist/internal/payments"
)

var hundred = decimal.NewFromInt(100)

// Split divides amount by the provider percentage. The platform gets the
// remainder, so the two parts always add up to amount.
func Split(amount, providerPct decimal.Decimal) (provider, platform decimal.Decimal) {
	provider = amount.Mul(providerPct).Div(hundred).Round(2)
	return provider, amount.Sub(provider)
}

// ConfirmByCustomer records the customer's confirmation and initiates the
// provider payout. A failed initiation leaves the confirmation in place and
// returns the updated request together with ErrSettlementInitiationFailed.
func (e *Engine) ConfirmByCustomer(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	if actor.Role != models.RoleCustomer {
		return nil, fmt.Errorf("%w: only the customer confirms completion", ErrNotPermitted)
	}
	unlock := e.locks.lock(id)
	defer unlock()
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkParty(cur, actor); err != nil {
		return nil, err
	}
	if cur.Status != models.StatusAwaitingConfirmation {
		err := invalid(cur.Status, models.StatusCompleted, "the customer can only confirm once the work is marked done")
		e.rejected(cur, cur.Status, actor, err)
		return nil, err
	}
	if cur.CustomerConfirmedAt != nil {
		return nil, invalid(cur.Status, models.StatusCompleted, "the customer has already confirmed")
	}
	next, err := e.commit(ctx, cur, actor, cur.Status, func(r *models.ServiceRequest, now time.Time) error {
		r.CustomerConfirmedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, next)
}

// RetrySettlement re-initiates a payout for a confirmed request that has no
// recorded transfer, before or after the provider completed it.
func (e *Engine) RetrySettlement(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	if actor.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: only an admin retries settlements", ErrNotPermitted)
	}
	unlock := e.locks.lock(id)
	defer unlock()
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.PayoutOutstanding() {
		return nil, invalid(cur.Status, cur.Status, "no outstanding settlement to retry")
	}
	next, err := e.settle(ctx, cur)
	if err != nil || next.Status != models.StatusCompleted {
		return next, err
	}
	if err := e.store.AttachTransfer(ctx, id, next.Settlement.TransferID); err != nil {
		e.logger.Error("payout initiated but transaction not updated", "request_id", id, "transfer_id", next.Settlement.TransferID, "error", err)
		return nil, err
	}
	return next, nil
}

// settle must run under the request lock.
func (e *Engine) settle(ctx context.Context, cur *models.ServiceRequest) (*models.ServiceRequest, error) {
	transferID, terr := e.initiate(ctx, cur)
	next, err := e.commit(ctx, cur, systemActor, cur.Status, func(r *models.ServiceRequest, now time.Time) error {
		s := r.Settlement
		if s == nil {
			s = &models.Settlement{}
			r.Settlement = s
		}
		s.Attempts++
		if terr != nil {
			s.FailedAt = &now
			s.LastError = terr.Error()
			return nil
		}
		s.TransferID = transferID
		s.InitiatedAt = &now
		s.FailedAt = nil
		s.LastError = ""
		return nil
	})
	if err != nil {
		if terr == nil {
			e.logger.Error("payout initiated but not recorded", "request_id", cur.ID, "transfer_id", transferID, "error", err)
		}
		return nil, err
	}
	if terr != nil {
		observability.SettlementFailed.Inc()
		e.logger.Warn("payout initiation failed, queued for admin", "request_id", cur.ID, "attempts", next.Settlement.Attempts, "error", terr)
		return next, fmt.Errorf("%w: %w", ErrSettlementInitiationFailed, terr)
	}
	return next, nil
}

func (e *Engine) initiate(ctx context.Context, r *models.ServiceRequest) (string, error) {
	amount, pct, currency := settledAmount(r, e.cfg)
	if !amount.IsPositive() {
		return "", errors.New("request has no settled amount")
	}
	pid, _ := r.ProviderID()
	p, ok, err := e.providers.Get(ctx, pid)
	if err != nil {
		return "", fmt.Errorf("load provider %s: %w", pid, err)
	}
	if !ok || p.PayoutAccount == "" {
		return "", fmt.Errorf("provider %s has no payout account", pid)
	}
	share, _ := Split(amount, pct)
	attempt := 1
	if r.Settlement != nil {
		attempt = r.Settlement.Attempts + 1
	}
	return e.payments.InitiateTransfer(ctx, payments.Transfer{
		RequestID: r.ID,
		Account:   p.PayoutAccount,
		Amount:    share,
		Currency:  currency,
		Attempt:   attempt,
	})
}

// settledAmount prefers the paid amount and the split frozen with the quote.
func settledAmount(r *models.ServiceRequest, cfg Config) (amount, pct decimal.Decimal, currency string) {
	pct, currency = cfg.ProviderSharePct, cfg.Currency
	if r.Quote != nil {
		amount = r.Quote.Amount
		if r.Quote.ProviderSharePct.IsPositive() {
			pct = r.Quote.ProviderSharePct
		}
		if r.Quote.Currency != "" {
			currency = r.Quote.Currency
		}
	}
	if r.Payment != nil && r.Payment.Amount.IsPositive() {
		amount = r.Payment.Amount
	}
	return amount, pct, currency
}

// ConfirmPaymentReceipt is the provider's half of the dual confirmation. It
// completes the request and writes its Transaction in one commit. A payout
// that failed to initiate does not block it; the admin settles manually.
func (e *Engine) ConfirmPaymentReceipt(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	unlock := e.locks.lock(id)
	defer unlock()
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var tx *models.Transaction
	next, err := e.prepare(cur, actor, models.StatusCompleted, func(r *models.ServiceRequest, now time.Time) error {
		if r.CustomerConfirmedAt == nil {
			return invalid(cur.Status, models.StatusCompleted, "waiting for the customer to confirm first")
		}
		if r.ProviderConfirmedPaymentAt != nil {
			return invalid(cur.Status, models.StatusCompleted, "payment receipt already confirmed")
		}
		r.ProviderConfirmedPaymentAt = &now
		r.CompletedAt = &now

		amount, pct, currency := settledAmount(r, e.cfg)
		provider, platform := Split(amount, pct)
		tx = &models.Transaction{
			ID:               uuid.NewString(),
			RequestID:        r.ID,
			Amount:           amount,
			Currency:         currency,
			ProviderSharePct: pct,
			ProviderAmount:   provider,
			PlatformAmount:   platform,
			ConfirmedAt:      now,
		}
		if r.Settlement != nil {
			tx.TransferID = r.Settlement.TransferID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.save(ctx, cur, next, tx); err != nil {
		return nil, err
	}
	if next.PayoutOutstanding() {
		e.logger.Warn("request completed without an initiated payout", "request_id", id)
	}
	e.committed(ctx, cur.Status, next, actor)
	return next, nil
}
