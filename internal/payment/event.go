package payment

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sarpbilgic/donate-now/internal/donation"
)

// Processor event types this pipeline acts on. Everything else is relayed
// and then dropped by the processor.
const (
	TypePaymentSucceeded = "payment_intent.succeeded"
	TypePaymentFailed    = "payment_intent.payment_failed"
)

var ErrMalformedEvent = errors.New("malformed payment event")

// Event is a webhook payload whose signature has been checked.
type Event struct {
	ID       string
	Type     string
	Metadata map[string]string
	// Raw holds the exact bytes that were signed.
	Raw []byte
}

// envelope is the processor's native event shape.
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Amount   int64             `json:"amount"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Attempt is one payment attempt's terminal outcome for a donation.
type Attempt struct {
	EventID          string
	DonationID       string
	UserEmail        string
	PaymentReference string
	// Amount is zero when the event did not carry one.
	Amount int64
}

// Outcome is the closed set of decoded payment events.
type Outcome interface {
	isOutcome()
}

type Succeeded struct{ Attempt }

type Failed struct{ Attempt }

// Unrecognized is any event type this pipeline does not handle yet.
type Unrecognized struct {
	EventID string
	Type    string
}

func (Succeeded) isOutcome()    {}
func (Failed) isOutcome()       {}
func (Unrecognized) isOutcome() {}

// Decode parses a queued event body.
func Decode(body []byte) (Outcome, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	switch env.Type {
	case TypePaymentSucceeded, TypePaymentFailed:
	default:
		return Unrecognized{EventID: env.ID, Type: env.Type}, nil
	}

	obj := env.Data.Object
	attempt := Attempt{
		EventID:          env.ID,
		DonationID:       obj.Metadata[donation.MetadataDonationID],
		UserEmail:        obj.Metadata[donation.MetadataUserEmail],
		PaymentReference: obj.ID,
		Amount:           obj.Amount,
	}
	switch {
	case attempt.DonationID == "":
		return nil, fmt.Errorf("%w: metadata.%s is missing", ErrMalformedEvent, donation.MetadataDonationID)
	case attempt.UserEmail == "":
		return nil, fmt.Errorf("%w: metadata.%s is missing", ErrMalformedEvent, donation.MetadataUserEmail)
	case attempt.PaymentReference == "":
		return nil, fmt.Errorf("%w: data.object.id is missing", ErrMalformedEvent)
	case attempt.Amount < 0:
		return nil, fmt.Errorf("%w: negative amount", ErrMalformedEvent)
	}

	if env.Type == TypePaymentSucceeded {
		return Succeeded{attempt}, nil
	}
	return Failed{attempt}, nil
}
