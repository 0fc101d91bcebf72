package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/transfer"
	"github.com/stripe/stripe-go/v74/webhook"
)

// EventPaymentSucceeded is the webhook type that moves a request to paid.
const EventPaymentSucceeded = "payment_intent.succeeded"

var ErrUnhandledEvent = errors.New("unhandled webhook event")

// StripeClient opens PaymentIntents for customer charges and Transfers to
// connected accounts for provider payouts.
type StripeClient struct {
	webhookSecret string
}

func NewStripeClient(apiKey, webhookSecret string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{webhookSecret: webhookSecret}
}

// CreateCharge returns the PaymentIntent id, which is the request's payment
// reference.
func (s *StripeClient) CreateCharge(ctx context.Context, c Charge) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(MinorUnits(c.Amount)),
		Currency: stripe.String(c.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("request_id", c.RequestID)
	params.SetIdempotencyKey(chargeKey(c))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func chargeKey(c Charge) string {
	return fmt.Sprintf("charge-%s-%d", c.RequestID, c.Version)
}

func payoutKey(t Transfer) string {
	return fmt.Sprintf("payout-%s-%d", t.RequestID, t.Attempt)
}

// CancelCharge releases a PaymentIntent that was never paid.
func (s *StripeClient) CancelCharge(ctx context.Context, reference string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(reference, params)
	return err
}

func (s *StripeClient) InitiateTransfer(ctx context.Context, t Transfer) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(MinorUnits(t.Amount)),
		Currency:      stripe.String(t.Currency),
		Destination:   stripe.String(t.Account),
		TransferGroup: stripe.String(t.RequestID),
	}
	params.Context = ctx
	params.AddMetadata("request_id", t.RequestID)
	params.SetIdempotencyKey(payoutKey(t))
	tr, err := transfer.New(params)
	if err != nil {
		return "", err
	}
	return tr.ID, nil
}

// PaymentEvent is a verified processor notification that a charge was paid.
type PaymentEvent struct {
	EventID   string
	RequestID string
	Reference string
}

// ParseWebhook verifies the signature header and extracts the paid charge.
// Events of other types return ErrUnhandledEvent.
func (s *StripeClient) ParseWebhook(payload []byte, signature string) (PaymentEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return PaymentEvent{}, err
	}
	if string(event.Type) != EventPaymentSucceeded {
		return PaymentEvent{EventID: event.ID}, ErrUnhandledEvent
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return PaymentEvent{}, fmt.Errorf("decode payment intent: %w", err)
	}
	return PaymentEvent{EventID: event.ID, RequestID: pi.Metadata["request_id"], Reference: pi.ID}, nil
}
