package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func sign(t *testing.T, payload []byte, secret string, at time.Time) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

func TestVerifyAcceptsSignedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","metadata":{"donation_id":"d1","user_email":"a@example.com"}}}}`)
	v := NewVerifier(testSecret, 5*time.Minute)

	evt, err := v.Verify(payload, sign(t, payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if evt.ID != "evt_1" || evt.Type != TypePaymentSucceeded {
		t.Fatalf("event = %+v", evt)
	}
	if evt.Metadata["donation_id"] != "d1" {
		t.Fatalf("metadata = %v", evt.Metadata)
	}
	if string(evt.Raw) != string(payload) {
		t.Fatal("raw payload was not preserved")
	}

	again, err := v.Verify(payload, sign(t, payload, testSecret, time.Now()))
	if err != nil || again.ID != evt.ID {
		t.Fatalf("second verify = %+v, %v", again, err)
	}
}

func TestVerifyRejects(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	tests := []struct {
		name    string
		payload []byte
		header  string
		want    error
	}{
		{
			name:    "tampered payload",
			payload: []byte(`{"id":"evt_1","type":"payment_intent.payment_failed"}`),
			header:  sign(t, payload, testSecret, time.Now()),
			want:    ErrInvalidSignature,
		},
		{
			name:    "wrong secret",
			payload: payload,
			header:  sign(t, payload, "whsec_other", time.Now()),
			want:    ErrInvalidSignature,
		},
		{
			name:    "stale timestamp",
			payload: payload,
			header:  sign(t, payload, testSecret, time.Now().Add(-time.Hour)),
			want:    ErrInvalidSignature,
		},
		{
			name:    "missing header",
			payload: payload,
			header:  "",
			want:    ErrInvalidSignature,
		},
		{
			name:    "not json",
			payload: []byte(`not json`),
			header:  sign(t, []byte(`not json`), testSecret, time.Now()),
			want:    ErrMalformedPayload,
		},
		{
			name:    "missing type",
			payload: []byte(`{"id":"evt_1"}`),
			header:  sign(t, []byte(`{"id":"evt_1"}`), testSecret, time.Now()),
			want:    ErrMalformedPayload,
		},
	}

	v := NewVerifier(testSecret, 5*time.Minute)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.payload, tt.header)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewVerifierDefaultsTolerance(t *testing.T) {
	v := NewVerifier(testSecret, 0)
	if v.tolerance != webhook.DefaultTolerance {
		t.Fatalf("tolerance = %v, want %v", v.tolerance, webhook.DefaultTolerance)
	}
}
