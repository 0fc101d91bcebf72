package payments

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
)

const testSecret = "whsec_test"

func TestMinorUnitsRoundsHalfUp(t *testing.T) {
	cases := map[string]int64{
		"150":    15000,
		"127.50": 12750,
		"12.345": 1235,
		"12.344": 1234,
		"0.005":  1,
	}
	for in, want := range cases {
		if got := MinorUnits(decimal.RequireFromString(in)); got != want {
			t.Fatalf("MinorUnits(%s) = %d, want %d", in, got, want)
		}
	}
}

func TestChargeKeyChangesWithVersion(t *testing.T) {
	a := chargeKey(Charge{RequestID: "req-1", Version: 3})
	b := chargeKey(Charge{RequestID: "req-1", Version: 5})
	if a != "charge-req-1-3" || a == b {
		t.Fatalf("unexpected charge keys %q %q", a, b)
	}
	if k := payoutKey(Transfer{RequestID: "req-1", Attempt: 2}); k != "payout-req-1-2" {
		t.Fatalf("unexpected payout key %q", k)
	}
}

func signedEvent(t *testing.T, id, typ string, object map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testSecret})
	return payload, signed.Header
}

func TestStripeParseWebhookPaymentSucceeded(t *testing.T) {
	s := &StripeClient{webhookSecret: testSecret}
	payload, header := signedEvent(t, "evt_1", EventPaymentSucceeded, map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": map[string]string{"request_id": "req-1"},
	})
	ev, err := s.ParseWebhook(payload, header)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.EventID != "evt_1" || ev.RequestID != "req-1" || ev.Reference != "pi_1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStripeParseWebhookRejectsBadSignature(t *testing.T) {
	s := &StripeClient{webhookSecret: "whsec_other"}
	payload, header := signedEvent(t, "evt_1", EventPaymentSucceeded, map[string]any{"id": "pi_1"})
	if _, err := s.ParseWebhook(payload, header); err == nil || errors.Is(err, ErrUnhandledEvent) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if _, err := s.ParseWebhook(payload, ""); err == nil {
		t.Fatal("expected missing signature to be rejected")
	}
}

func TestStripeParseWebhookIgnoresOtherEvents(t *testing.T) {
	s := &StripeClient{webhookSecret: testSecret}
	payload, header := signedEvent(t, "evt_2", "charge.refunded", map[string]any{"id": "ch_1"})
	ev, err := s.ParseWebhook(payload, header)
	if !errors.Is(err, ErrUnhandledEvent) {
		t.Fatalf("expected ErrUnhandledEvent, got %v", err)
	}
	if ev.EventID != "evt_2" {
		t.Fatalf("unhandled events still carry their id, got %q", ev.EventID)
	}
}

func TestLocalTransferFailureAndReset(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	l.SetTransferError(errors.New("declined"))
	tr := Transfer{RequestID: "req-1", Account: "acct_1", Amount: decimal.NewFromInt(10), Currency: "ghs", Attempt: 1}
	if _, err := l.InitiateTransfer(ctx, tr); err == nil {
		t.Fatal("expected configured failure")
	}
	l.SetTransferError(nil)
	tr.Attempt = 2
	id, err := l.InitiateTransfer(ctx, tr)
	if err != nil || id != "tr_local_req-1_2" {
		t.Fatalf("unexpected transfer %q %v", id, err)
	}
	if got := l.Transfers(); len(got) != 1 {
		t.Fatalf("only the successful transfer is recorded, got %d", len(got))
	}
}
