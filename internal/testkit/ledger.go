// Package testkit holds in-memory stand-ins for the ledger, the broker and
// the payment processor, shared by package tests.
package testkit

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/internal/payment"
	"github.com/sarpbilgic/donate-now/pkg/messaging"
)

// Ledger is an in-memory donation store. Units of work are serialized and
// rolled back on error, matching what the real backends promise.
type Ledger struct {
	mu        sync.Mutex
	profiles  map[string]donation.UserProfile
	donations map[string]donation.Donation
	total     int64
	outbox    []messaging.Message

	publisher messaging.Publisher

	// Failure injection. A non-nil value is returned by the matching call.
	FailIncrement error
	FailEnqueue   error
	FailGet       error
}

var (
	_ donation.Repository = (*Ledger)(nil)
	_ payment.Ledger      = (*Ledger)(nil)
)

// NewLedger returns an empty ledger. When publisher is non-nil, messages
// enqueued by a committed unit of work are published right after commit.
func NewLedger(publisher messaging.Publisher) *Ledger {
	return &Ledger{
		profiles:  make(map[string]donation.UserProfile),
		donations: make(map[string]donation.Donation),
		publisher: publisher,
	}
}

func key(email, id string) string {
	return email + "#" + id
}

func (l *Ledger) CreateUserProfile(_ context.Context, p donation.UserProfile) (donation.UserProfile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.profiles[p.Email]; ok {
		return existing, nil
	}
	l.profiles[p.Email] = p
	return p, nil
}

func (l *Ledger) CreateDonation(_ context.Context, d donation.Donation) (donation.Donation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(d.UserEmail, d.ID)
	if _, ok := l.donations[k]; ok {
		return donation.Donation{}, errors.New("donation already exists")
	}
	l.donations[k] = d
	return d, nil
}

func (l *Ledger) GetDonation(_ context.Context, email, id string) (donation.Donation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailGet != nil {
		return donation.Donation{}, l.FailGet
	}
	d, ok := l.donations[key(email, id)]
	if !ok {
		return donation.Donation{}, donation.ErrNotFound
	}
	return d, nil
}

func (l *Ledger) GetTotal(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, nil
}

func (l *Ledger) ListRecent(_ context.Context, limit int) ([]donation.Donation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []donation.Donation
	for _, d := range l.donations {
		if d.Status == donation.StatusSucceeded {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b donation.Donation) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Outbox returns every message enqueued by committed units of work.
func (l *Ledger) Outbox() []messaging.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.outbox)
}

// OutboxOfType filters Outbox by message type.
func (l *Ledger) OutboxOfType(typ string) []messaging.Message {
	var out []messaging.Message
	for _, m := range l.Outbox() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (l *Ledger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx payment.Tx) error) error {
	l.mu.Lock()

	donations := maps.Clone(l.donations)
	total := l.total
	outboxLen := len(l.outbox)

	tx := &memTx{l: l}
	if err := fn(ctx, tx); err != nil {
		l.donations = donations
		l.total = total
		l.outbox = l.outbox[:outboxLen]
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	if l.publisher == nil {
		return nil
	}
	for _, msg := range tx.staged {
		if err := l.publisher.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// memTx runs with Ledger.mu held.
type memTx struct {
	l      *Ledger
	staged []messaging.Message
}

func (t *memTx) UpdateDonationStatus(_ context.Context, email, id string, status donation.Status, ref string) (*donation.Donation, error) {
	k := key(email, id)
	d, ok := t.l.donations[k]
	switch {
	case !ok:
		return nil, donation.ErrNotFound
	case d.Status == status:
		return nil, nil
	case d.Status.Terminal():
		return nil, donation.ErrTerminalConflict
	}

	d.Status = status
	d.PaymentReference = ref
	t.l.donations[k] = d
	return &d, nil
}

func (t *memTx) IncrementTotal(_ context.Context, amount int64) error {
	if t.l.FailIncrement != nil {
		return t.l.FailIncrement
	}
	t.l.total += amount
	return nil
}

func (t *memTx) Enqueue(_ context.Context, msg messaging.Message) error {
	if t.l.FailEnqueue != nil {
		return t.l.FailEnqueue
	}
	t.l.outbox = append(t.l.outbox, msg)
	t.staged = append(t.staged, msg)
	return nil
}
