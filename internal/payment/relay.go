package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/pkg/messaging"
)

var ErrQueueUnavailable = errors.New("payment event queue unavailable")

type QueueReceipt struct {
	MessageID string `json:"message_id"`
	Exchange  string `json:"exchange"`
}

// Relay forwards verified events to the payment-events exchange. It does not
// retry: a failure goes back to the webhook sender, whose own redelivery
// keeps the pipeline at-least-once.
type Relay struct {
	publisher messaging.Publisher
	exchange  string
}

func NewRelay(publisher messaging.Publisher, exchange string) *Relay {
	return &Relay{publisher: publisher, exchange: exchange}
}

func (r *Relay) Relay(ctx context.Context, evt Event) (QueueReceipt, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payment.relay")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", evt.ID), attribute.String("event.type", evt.Type))

	err := r.publisher.Publish(ctx, messaging.Message{
		ID:   evt.ID,
		Type: evt.Type,
		Body: evt.Raw,
	})
	if err != nil {
		span.RecordError(err)
		return QueueReceipt{}, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	return QueueReceipt{MessageID: evt.ID, Exchange: r.exchange}, nil
}

// Ingress is the webhook entry point: verify, then relay.
type Ingress struct {
	verifier *Verifier
	relay    *Relay
	logger   *slog.Logger
}

func NewIngress(verifier *Verifier, relay *Relay, logger *slog.Logger) *Ingress {
	return &Ingress{verifier: verifier, relay: relay, logger: logger}
}

func (i *Ingress) Accept(ctx context.Context, payload []byte, signatureHeader string) (QueueReceipt, error) {
	evt, err := i.verifier.Verify(payload, signatureHeader)
	if err != nil {
		i.logger.WarnContext(ctx, "webhook rejected", "err", err)
		return QueueReceipt{}, err
	}

	receipt, err := i.relay.Relay(ctx, evt)
	if err != nil {
		i.logger.ErrorContext(ctx, "webhook relay failed", "event_id", evt.ID, "event_type", evt.Type, "err", err)
		return QueueReceipt{}, err
	}

	i.logger.InfoContext(ctx, "webhook queued", "event_id", evt.ID, "event_type", evt.Type,
		"donation_id", evt.Metadata[donation.MetadataDonationID])
	return receipt, nil
}
