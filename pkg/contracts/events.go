package contracts

import "time"

// Message types. They travel as the AMQP Type property and as the
// event_type column of the donation outbox.
const (
	TypeNotificationJob       = "notifications.job"
	TypeDonationStatusChanged = "donations.status_changed"
)

const JobTypeReceipt = "RECEIPT"

// NotificationJob asks the notification worker to send one email.
type NotificationJob struct {
	Type        string `json:"type"`
	EmailTo     string `json:"email_to"`
	AmountCents int64  `json:"amount_cents"`
	DonationID  string `json:"donation_id"`
}

// DonationStatusChanged is published once per terminal transition.
type DonationStatusChanged struct {
	EventID          string    `json:"event_id"`
	DonationID       string    `json:"donation_id"`
	Status           string    `json:"status"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	AmountCents      int64     `json:"amount_cents"`
	ChangedAt        time.Time `json:"changed_at"`
}
