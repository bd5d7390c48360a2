package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/pkg/contracts"
	"github.com/sarpbilgic/donate-now/pkg/messaging"
)

const tracerName = "github.com/sarpbilgic/donate-now/internal/payment"

// Ledger runs fn as one unit of work against the donation store.
type Ledger interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	// UpdateDonationStatus moves a PENDING donation to status in one atomic
	// conditional write. It returns the updated record, or nil when the
	// donation already has that status. A donation holding the other
	// terminal status yields donation.ErrTerminalConflict.
	UpdateDonationStatus(ctx context.Context, userEmail, donationID string, status donation.Status, paymentReference string) (*donation.Donation, error)
	IncrementTotal(ctx context.Context, amountCents int64) error
	// Enqueue schedules msg for publishing once the unit of work commits.
	Enqueue(ctx context.Context, msg messaging.Message) error
}

// Processor applies payment outcomes to donations. Duplicate and concurrent
// deliveries of one event are safe: only the caller whose conditional write
// wins runs the side effects.
type Processor struct {
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

func NewProcessor(ledger Ledger, logger *slog.Logger) *Processor {
	return &Processor{
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// Handle processes one queued event body. A nil return means the message can
// be acknowledged. ErrMalformedEvent and donation.ErrNotFound will never
// succeed on redelivery; any other error is worth retrying.
func (p *Processor) Handle(ctx context.Context, body []byte) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payment.handle")
	defer span.End()

	outcome, err := Decode(body)
	if err != nil {
		span.SetStatus(codes.Error, "malformed event")
		return err
	}

	switch o := outcome.(type) {
	case Unrecognized:
		p.logger.InfoContext(ctx, "ignoring unhandled event type", "event_id", o.EventID, "event_type", o.Type)
		return nil
	case Succeeded:
		return p.apply(ctx, o.Attempt, donation.StatusSucceeded)
	case Failed:
		return p.apply(ctx, o.Attempt, donation.StatusFailed)
	default:
		return fmt.Errorf("%w: unexpected outcome %T", ErrMalformedEvent, outcome)
	}
}

func (p *Processor) apply(ctx context.Context, a Attempt, status donation.Status) error {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("donation.id", a.DonationID),
		attribute.String("donation.status", string(status)),
		attribute.String("event.id", a.EventID),
	)

	var applied *donation.Donation
	err := p.ledger.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		applied = nil
		updated, err := tx.UpdateDonationStatus(ctx, a.UserEmail, a.DonationID, status, a.PaymentReference)
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}
		applied = updated
		return p.sideEffects(ctx, tx, a, updated)
	})

	switch {
	case errors.Is(err, donation.ErrTerminalConflict):
		p.logger.WarnContext(ctx, "terminal status already recorded, ignoring opposite outcome",
			"donation_id", a.DonationID, "event_id", a.EventID, "attempted_status", status)
		return nil
	case errors.Is(err, donation.ErrNotFound):
		span.SetStatus(codes.Error, "donation not found")
		return fmt.Errorf("apply %s to donation %s: %w", status, a.DonationID, err)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger update failed")
		return fmt.Errorf("apply %s to donation %s: %w", status, a.DonationID, err)
	}

	if applied == nil {
		p.logger.InfoContext(ctx, "duplicate payment event, status already recorded",
			"donation_id", a.DonationID, "event_id", a.EventID, "status", status)
		return nil
	}

	p.logger.InfoContext(ctx, "donation status recorded",
		"donation_id", a.DonationID, "event_id", a.EventID, "status", status,
		"payment_reference", a.PaymentReference)
	return nil
}

// sideEffects runs only for the winning transition.
func (p *Processor) sideEffects(ctx context.Context, tx Tx, a Attempt, d *donation.Donation) error {
	amount := a.Amount
	if amount <= 0 {
		amount = d.Amount
	}

	if d.Status == donation.StatusSucceeded {
		if err := tx.IncrementTotal(ctx, amount); err != nil {
			return fmt.Errorf("increment total: %w", err)
		}

		job, err := json.Marshal(contracts.NotificationJob{
			Type:        contracts.JobTypeReceipt,
			EmailTo:     d.UserEmail,
			AmountCents: amount,
			DonationID:  d.ID,
		})
		if err != nil {
			return fmt.Errorf("marshal notification job: %w", err)
		}
		if err := tx.Enqueue(ctx, messaging.Message{
			ID:   "receipt-" + d.ID,
			Type: contracts.TypeNotificationJob,
			Body: job,
		}); err != nil {
			return fmt.Errorf("enqueue notification job: %w", err)
		}
	}

	changed := contracts.DonationStatusChanged{
		EventID:          uuid.NewString(),
		DonationID:       d.ID,
		Status:           string(d.Status),
		PaymentReference: d.PaymentReference,
		AmountCents:      amount,
		ChangedAt:        p.now().UTC(),
	}
	payload, err := json.Marshal(changed)
	if err != nil {
		return fmt.Errorf("marshal status change: %w", err)
	}
	if err := tx.Enqueue(ctx, messaging.Message{
		ID:   changed.EventID,
		Type: contracts.TypeDonationStatusChanged,
		Body: payload,
	}); err != nil {
		return fmt.Errorf("enqueue status change: %w", err)
	}
	return nil
}
