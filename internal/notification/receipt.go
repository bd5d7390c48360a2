package notification

import (
	"fmt"

	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/pkg/contracts"
)

const receiptSubject = "Thank you for your donation!"

// Email is a plain-text message ready for a Sender.
type Email struct {
	To      string
	Subject string
	Body    string
}

func FormatReceipt(job contracts.NotificationJob) Email {
	dollars := donation.CentsToDollars(job.AmountCents).StringFixed(2)
	return Email{
		To:      job.EmailTo,
		Subject: receiptSubject,
		Body: fmt.Sprintf(
			"Hello,\n\nThank you for your generous donation of $%s.\nYour donation ID is: %s\n\nWe appreciate your support!",
			dollars, job.DonationID,
		),
	}
}
