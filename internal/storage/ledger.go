package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/internal/payment"
	"github.com/sarpbilgic/donate-now/pkg/messaging"
)

const totalKey = "TOTAL"

var (
	_ donation.Repository = (*Store)(nil)
	_ payment.Ledger      = (*Store)(nil)
)

const donationColumns = `id, user_email, donor_name, amount, currency, status, payment_reference, created_at`

func scanDonation(row pgx.Row) (donation.Donation, error) {
	var d donation.Donation
	err := row.Scan(&d.ID, &d.UserEmail, &d.DonorName, &d.Amount, &d.Currency, &d.Status, &d.PaymentReference, &d.CreatedAt)
	return d, err
}

func (s *Store) CreateUserProfile(ctx context.Context, p donation.UserProfile) (donation.UserProfile, error) {
	var out donation.UserProfile
	err := s.pool.QueryRow(ctx, `
		INSERT INTO user_profiles (email, name, external_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO NOTHING
		RETURNING email, name, external_id, created_at`,
		p.Email, p.Name, p.ExternalID, p.CreatedAt,
	).Scan(&out.Email, &out.Name, &out.ExternalID, &out.CreatedAt)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return donation.UserProfile{}, fmt.Errorf("insert user profile: %w", err)
	}

	// Someone else created it first.
	err = s.pool.QueryRow(ctx, `
		SELECT email, name, external_id, created_at
		FROM user_profiles
		WHERE email = $1`, p.Email,
	).Scan(&out.Email, &out.Name, &out.ExternalID, &out.CreatedAt)
	if err != nil {
		return donation.UserProfile{}, fmt.Errorf("select user profile: %w", err)
	}
	return out, nil
}

func (s *Store) CreateDonation(ctx context.Context, d donation.Donation) (donation.Donation, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO donations (id, user_email, donor_name, amount, currency, status, payment_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		d.ID, d.UserEmail, d.DonorName, d.Amount, d.Currency, string(d.Status), d.PaymentReference, d.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return donation.Donation{}, fmt.Errorf("insert donation %s: already exists", d.ID)
		}
		return donation.Donation{}, fmt.Errorf("insert donation: %w", err)
	}
	return d, nil
}

func (s *Store) GetDonation(ctx context.Context, userEmail, donationID string) (donation.Donation, error) {
	d, err := scanDonation(s.pool.QueryRow(ctx, `
		SELECT `+donationColumns+`
		FROM donations
		WHERE user_email = $1 AND id = $2`,
		userEmail, donationID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return donation.Donation{}, donation.ErrNotFound
		}
		return donation.Donation{}, fmt.Errorf("get donation: %w", err)
	}
	return d, nil
}

func (s *Store) GetTotal(ctx context.Context) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT total_amount_cents FROM donation_totals WHERE id = $1`, totalKey,
	).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select total: %w", err)
	}
	return total, nil
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]donation.Donation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+donationColumns+`
		FROM donations
		WHERE status = 'SUCCEEDED'
		ORDER BY created_at DESC
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent donations: %w", err)
	}
	defer rows.Close()

	var result []donation.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// RunInTx runs fn in one database transaction. Messages enqueued by fn are
// written to the outbox and published by the outbox dispatcher after commit.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx payment.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &ledgerTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type ledgerTx struct {
	q querier
}

func (t *ledgerTx) UpdateDonationStatus(ctx context.Context, userEmail, donationID string, status donation.Status, paymentReference string) (*donation.Donation, error) {
	d, err := scanDonation(t.q.QueryRow(ctx, `
		UPDATE donations
		SET status = $3, payment_reference = $4, updated_at = NOW()
		WHERE user_email = $1 AND id = $2 AND status = 'PENDING'
		RETURNING `+donationColumns,
		userEmail, donationID, string(status), paymentReference,
	))
	if err == nil {
		return &d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update donation status: %w", err)
	}

	// The condition failed; find out why.
	var current donation.Status
	err = t.q.QueryRow(ctx, `
		SELECT status FROM donations WHERE user_email = $1 AND id = $2`,
		userEmail, donationID,
	).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, donation.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("select donation status: %w", err)
	case current == status:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: donation %s is %s", donation.ErrTerminalConflict, donationID, current)
	}
}

func (t *ledgerTx) IncrementTotal(ctx context.Context, amountCents int64) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO donation_totals (id, total_amount_cents, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET total_amount_cents = donation_totals.total_amount_cents + EXCLUDED.total_amount_cents,
		    updated_at = NOW()`,
		totalKey, amountCents,
	)
	if err != nil {
		return fmt.Errorf("upsert donation_totals: %w", err)
	}
	return nil
}

func (t *ledgerTx) Enqueue(ctx context.Context, msg messaging.Message) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO `+OutboxTable+` (event_id, event_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		msg.ID, msg.Type, msg.Body,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
