package lifecycle

import (
	"fmt"
	"time"

	"github.com/example/roadside-assist/internal/models"
)

// stage orders the statuses of the main path.
var stage = map[models.Status]int{
	models.StatusPending:              0,
	models.StatusAssigned:             1,
	models.StatusQuoted:               2,
	models.StatusAwaitingPayment:      3,
	models.StatusPaid:                 4,
	models.StatusEnRoute:              5,
	models.StatusInProgress:           6,
	models.StatusAwaitingConfirmation: 7,
	models.StatusCompleted:            8,
}

// Validate checks that r carries exactly the field groups its status needs.
// Legacy requests that reached en_route through accepted have no quote, so
// commercial groups are only required once a quote exists.
func Validate(r *models.ServiceRequest) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: request %s (%s): %s", ErrInconsistentState, r.ID, r.Status, fmt.Sprintf(format, args...))
	}
	if _, ok := statusTable[r.Status]; !ok {
		return fail("unknown status")
	}
	switch r.Status {
	case models.StatusPending:
		if r.Assignment != nil || r.Quote != nil || r.Payment != nil {
			return fail("pending request carries assignment or commercial fields")
		}
		return nil
	case models.StatusCancelled, models.StatusDenied:
		return nil
	case models.StatusAccepted:
		if r.Assignment == nil {
			return fail("missing assignment")
		}
		return nil
	}

	n := stage[r.Status]
	if r.Assignment == nil || r.Assignment.ProviderID == "" {
		return fail("missing assignment")
	}
	if n >= stage[models.StatusQuoted] && r.Quote == nil && n < stage[models.StatusEnRoute] {
		return fail("missing quote")
	}
	if r.Quote != nil {
		if !r.Quote.Amount.IsPositive() {
			return fail("quote amount must be positive")
		}
		if n >= stage[models.StatusAwaitingPayment] && (r.QuoteApprovedAt == nil || r.Payment == nil) {
			return fail("missing quote approval or payment")
		}
		if n >= stage[models.StatusPaid] && (r.Payment.Status != models.PaymentPaid || r.Payment.PaidAt == nil) {
			return fail("payment not settled")
		}
	}
	if n >= stage[models.StatusAwaitingConfirmation] && r.CompletedAt == nil {
		return fail("missing completion time")
	}
	if r.ProviderConfirmedPaymentAt != nil && r.CustomerConfirmedAt == nil {
		return fail("provider confirmed before customer")
	}
	if r.Status == models.StatusCompleted && (r.CustomerConfirmedAt == nil || r.ProviderConfirmedPaymentAt == nil) {
		return fail("completion requires both confirmations")
	}
	if !ordered(r.CustomerConfirmedAt, r.ProviderConfirmedPaymentAt) {
		return fail("confirmations out of order")
	}
	if r.Status == models.StatusCompleted && !ordered(r.ProviderConfirmedPaymentAt, r.CompletedAt) {
		return fail("completed before provider confirmation")
	}
	return nil
}

func ordered(a, b *time.Time) bool {
	return a == nil || b == nil || !b.Before(*a)
}
