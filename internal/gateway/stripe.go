// Package gateway talks to the external payment processor.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/sarpbilgic/donate-now/internal/donation"
)

// Stripe creates PaymentIntents. Card details never reach this service; the
// client secret lets the browser confirm the payment with Stripe directly.
type Stripe struct {
	intents paymentintent.Client
}

var _ donation.IntentCreator = (*Stripe)(nil)

// NewStripe uses the default API backend when backend is nil.
func NewStripe(secretKey string, backend stripe.Backend) *Stripe {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &Stripe{intents: paymentintent.Client{B: backend, Key: secretKey}}
}

func (s *Stripe) CreateIntent(ctx context.Context, req donation.IntentRequest) (donation.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return donation.Intent{}, fmt.Errorf("stripe create payment intent: %s (%s): %w", stripeErr.Code, stripeErr.Type, err)
		}
		return donation.Intent{}, fmt.Errorf("stripe create payment intent: %w", err)
	}
	return donation.Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}
