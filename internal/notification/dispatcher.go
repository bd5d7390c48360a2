package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sarpbilgic/donate-now/pkg/contracts"
)

const tracerName = "github.com/sarpbilgic/donate-now/internal/notification"

// ErrTransient marks send failures worth retrying.
var ErrTransient = errors.New("transient email failure")

type Sender interface {
	Send(ctx context.Context, email Email) error
}

const (
	sendAttempts    = 3
	initialInterval = time.Second
	maxInterval     = 4 * time.Second
)

// Dispatcher turns notification jobs into emails. It does not deduplicate:
// a job delivered twice is sent twice.
type Dispatcher struct {
	sender    Sender
	logger    *slog.Logger
	newPolicy func() backoff.BackOff
}

func NewDispatcher(sender Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		logger: logger,
		newPolicy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initialInterval
			b.MaxInterval = maxInterval
			return b
		},
	}
}

// Handle processes one queued job body. Malformed and unknown jobs are
// dropped with a nil return. Permanent or exhausted send failures are
// returned so the queue can redeliver or dead-letter the job.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notification.handle")
	defer span.End()

	var job contracts.NotificationJob
	if err := json.Unmarshal(body, &job); err != nil {
		d.logger.ErrorContext(ctx, "dropping malformed notification job", "err", err)
		return nil
	}

	switch job.Type {
	case contracts.JobTypeReceipt:
	default:
		d.logger.WarnContext(ctx, "dropping notification job of unknown type", "job_type", job.Type, "donation_id", job.DonationID)
		return nil
	}
	if job.EmailTo == "" || job.DonationID == "" {
		d.logger.ErrorContext(ctx, "dropping incomplete receipt job", "donation_id", job.DonationID)
		return nil
	}

	span.SetAttributes(attribute.String("donation.id", job.DonationID))
	if err := d.send(ctx, FormatReceipt(job)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send receipt")
		d.logger.ErrorContext(ctx, "receipt not sent", "donation_id", job.DonationID, "err", err)
		return fmt.Errorf("send receipt for donation %s: %w", job.DonationID, err)
	}

	d.logger.InfoContext(ctx, "receipt sent", "donation_id", job.DonationID)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, email Email) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := d.sender.Send(ctx, email)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrTransient):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(d.newPolicy()),
		backoff.WithMaxTries(sendAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.WarnContext(ctx, "email send failed, retrying", "attempt", attempt, "retry_in", next, "err", err)
		}),
	)
	return err
}
