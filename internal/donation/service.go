package donation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultRecentLimit = 10
	MaxRecentLimit     = 50
)

// Repository is the part of the ledger the API side needs.
type Repository interface {
	// CreateUserProfile is first-writer-wins: on conflict it returns the
	// stored profile instead of failing.
	CreateUserProfile(ctx context.Context, profile UserProfile) (UserProfile, error)
	CreateDonation(ctx context.Context, d Donation) (Donation, error)
	GetDonation(ctx context.Context, userEmail, donationID string) (Donation, error)
	GetTotal(ctx context.Context) (int64, error)
	// ListRecent returns succeeded donations, newest first.
	ListRecent(ctx context.Context, limit int) ([]Donation, error)
}

type IntentRequest struct {
	IdempotencyKey string
	Amount         int64
	Currency       string
	Metadata       map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
}

// IntentCreator opens a payment attempt with the external processor.
type IntentCreator interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
}

// Identity is the caller as asserted by the fronting authorizer.
type Identity struct {
	Email      string
	ExternalID string
	Name       string
}

type Total struct {
	Cents   int64
	Dollars decimal.Decimal
}

type Service struct {
	repo     Repository
	intents  IntentCreator
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo Repository, intents IntentCreator, currency string, logger *slog.Logger) *Service {
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Service{
		repo:     repo,
		intents:  intents,
		currency: strings.ToLower(currency),
		logger:   logger,
		now:      time.Now,
	}
}

// CreateIntent records a PENDING donation for the caller and returns the
// client secret used to complete payment with the processor directly.
func (s *Service) CreateIntent(ctx context.Context, who Identity, amount int64) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	who.Email = strings.TrimSpace(who.Email)
	who.ExternalID = strings.TrimSpace(who.ExternalID)
	if who.Email == "" || who.ExternalID == "" {
		return "", ErrMissingIdentity
	}

	now := s.now().UTC()
	profile, err := s.repo.CreateUserProfile(ctx, UserProfile{
		Email:      who.Email,
		Name:       strings.TrimSpace(who.Name),
		ExternalID: who.ExternalID,
		CreatedAt:  now,
	})
	if err != nil {
		return "", fmt.Errorf("create user profile: %w", err)
	}

	donorName := strings.TrimSpace(who.Name)
	if donorName == "" {
		donorName = profile.Name
	}

	d, err := s.repo.CreateDonation(ctx, Donation{
		ID:        uuid.NewString(),
		UserEmail: who.Email,
		DonorName: donorName,
		Amount:    amount,
		Currency:  s.currency,
		Status:    StatusPending,
		CreatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("create donation: %w", err)
	}

	intent, err := s.intents.CreateIntent(ctx, IntentRequest{
		IdempotencyKey: d.ID,
		Amount:         d.Amount,
		Currency:       d.Currency,
		Metadata: map[string]string{
			MetadataUserEmail:  d.UserEmail,
			MetadataDonationID: d.ID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create payment intent: %w", err)
	}

	s.logger.InfoContext(ctx, "payment intent created",
		"donation_id", d.ID, "payment_intent", intent.ID, "amount", d.Amount)
	return intent.ClientSecret, nil
}

func (s *Service) Get(ctx context.Context, userEmail, donationID string) (Donation, error) {
	return s.repo.GetDonation(ctx, userEmail, donationID)
}

// Recent lists the latest succeeded donations. limit is clamped to
// [1, MaxRecentLimit]; zero or negative means DefaultRecentLimit.
func (s *Service) Recent(ctx context.Context, limit int) ([]PublicDonation, error) {
	switch {
	case limit <= 0:
		limit = DefaultRecentLimit
	case limit > MaxRecentLimit:
		limit = MaxRecentLimit
	}

	donations, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent donations: %w", err)
	}

	out := make([]PublicDonation, 0, len(donations))
	for _, d := range donations {
		out = append(out, d.Public())
	}
	return out, nil
}

func (s *Service) Total(ctx context.Context) (Total, error) {
	cents, err := s.repo.GetTotal(ctx)
	if err != nil {
		return Total{}, fmt.Errorf("get total: %w", err)
	}
	return Total{Cents: cents, Dollars: CentsToDollars(cents)}, nil
}

// CentsToDollars converts minor units to a two-decimal amount without
// going through floating point.
func CentsToDollars(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
