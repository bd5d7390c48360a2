package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Verifier authenticates Stripe-signed webhook payloads.
//
// The signature is computed over the raw request bytes, so callers must pass
// the body exactly as received.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify has no side effects; calling it again with the same input gives
// the same answer as long as the timestamp is within tolerance.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (Event, error) {
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.ID == "" || env.Type == "" {
		return Event{}, fmt.Errorf("%w: id and type are required", ErrMalformedPayload)
	}

	return Event{
		ID:       env.ID,
		Type:     env.Type,
		Metadata: env.Data.Object.Metadata,
		Raw:      payload,
	}, nil
}
