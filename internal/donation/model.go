package donation

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

const DefaultCurrency = "usd"

// Keys the payment processor echoes back in webhook metadata.
const (
	MetadataUserEmail  = "user_email"
	MetadataDonationID = "donation_id"
)

var (
	ErrNotFound         = errors.New("donation not found")
	ErrTerminalConflict = errors.New("donation already has a different terminal status")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrMissingIdentity  = errors.New("email and external user id are required")
)

type Donation struct {
	ID               string    `json:"donation_id"`
	UserEmail        string    `json:"user_email"`
	DonorName        string    `json:"donor_name,omitempty"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Status           Status    `json:"status"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type UserProfile struct {
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// PublicDonation is what anonymous readers of the recent list see.
type PublicDonation struct {
	DonorName string    `json:"donor_name"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

const anonymousDonor = "Anonymous"

func (d Donation) Public() PublicDonation {
	name := d.DonorName
	if name == "" {
		name = anonymousDonor
	}
	return PublicDonation{
		DonorName: name,
		Amount:    d.Amount,
		Currency:  d.Currency,
		CreatedAt: d.CreatedAt,
	}
}
