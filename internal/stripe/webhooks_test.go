package stripe

import (
	"bytes"
	"net/http/httptest"
	"testing"
	"time"

	stripeapi "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

func TestReadWebhookEvent_MissingSignature(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewBufferString(`{}`))
	_, err := ReadWebhookEvent(req, "whsec_test")
	if err == nil {
		t.Fatal("expected error for missing signature")
	}
}

func TestReadWebhookEvent_Valid(t *testing.T) {
	t.Parallel()

	secret := "whsec_test_secret"
	payload := []byte(`{"id":"evt_test","object":"event","api_version":"` + stripeapi.APIVersion + `","type":"payment_intent.succeeded","created":1714571112,"data":{"object":{"id":"pi_123","object":"payment_intent","metadata":{"order_id":"42"}}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)

	event, err := ReadWebhookEvent(req, secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event == nil || event.ID != "evt_test" {
		t.Fatalf("unexpected event: %+v", event)
	}

	parsed, ok, err := ParsePaymentEvent(event)
	if err != nil || !ok {
		t.Fatalf("expected payment event, got ok=%v err=%v", ok, err)
	}
	if parsed.OrderID != 42 || parsed.PaymentIntentID != "pi_123" || !parsed.Paid {
		t.Fatalf("unexpected payment event: %+v", parsed)
	}
	if !parsed.OccurredAt.Equal(time.Unix(1714571112, 0)) {
		t.Fatalf("unexpected occurred at: %s", parsed.OccurredAt)
	}
}

func TestReadWebhookEvent_BadSignature(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	if _, err := ReadWebhookEvent(req, "whsec_test"); err == nil {
		t.Fatal("expected signature validation error")
	}
}

func TestParsePaymentEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   stripeapi.Event
		wantOK  bool
		wantErr bool
		paid    bool
	}{
		{
			name:   "failed payment",
			event:  stripeapi.Event{ID: "evt_1", Type: stripeapi.EventTypePaymentIntentPaymentFailed, Data: &stripeapi.EventData{Raw: []byte(`{"id":"pi_1","metadata":{"order_id":"7"}}`)}},
			wantOK: true,
		},
		{
			name:   "unrelated event",
			event:  stripeapi.Event{ID: "evt_2", Type: stripeapi.EventTypeCustomerCreated},
			wantOK: false,
		},
		{
			name:    "missing order id",
			event:   stripeapi.Event{ID: "evt_3", Type: stripeapi.EventTypePaymentIntentSucceeded, Data: &stripeapi.EventData{Raw: []byte(`{"id":"pi_3","metadata":{}}`)}},
			wantErr: true,
		},
		{
			name:    "missing data",
			event:   stripeapi.Event{ID: "evt_4", Type: stripeapi.EventTypePaymentIntentSucceeded},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok, err := ParsePaymentEvent(&tt.event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.Paid != tt.paid {
				t.Fatalf("paid = %v, want %v", got.Paid, tt.paid)
			}
		})
	}
}
