package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/internal/payment"
	"github.com/sarpbilgic/donate-now/internal/testkit"
	"github.com/sarpbilgic/donate-now/pkg/contracts"
)

const donor = "donor@example.com"

func seed(t *testing.T, ledger *testkit.Ledger, id string, amount int64) {
	t.Helper()
	_, err := ledger.CreateDonation(context.Background(), donation.Donation{
		ID:        id,
		UserEmail: donor,
		DonorName: "Dana",
		Amount:    amount,
		Currency:  "usd",
		Status:    donation.StatusPending,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed donation: %v", err)
	}
}

func status(t *testing.T, ledger *testkit.Ledger, id string) donation.Donation {
	t.Helper()
	d, err := ledger.GetDonation(context.Background(), donor, id)
	if err != nil {
		t.Fatalf("get donation: %v", err)
	}
	return d
}

func total(t *testing.T, ledger *testkit.Ledger) int64 {
	t.Helper()
	v, err := ledger.GetTotal(context.Background())
	if err != nil {
		t.Fatalf("get total: %v", err)
	}
	return v
}

func TestSucceededEventTransitionsOnce(t *testing.T) {
	ledger := testkit.NewLedger(nil)
	seed(t, ledger, "d1", 2500)
	p := payment.NewProcessor(ledger, discardLogger())

	body := testkit.PaymentEvent("evt_1", payment.TypePaymentSucceeded, "pi_1", donor, "d1", 2500)
	for i := 0; i < 3; i++ {
		if err := p.Handle(context.Background(), body); err != nil {
			t.Fatalf("handle #%d: %v", i, err)
		}
	}

	d := status(t, ledger, "d1")
	if d.Status != donation.StatusSucceeded || d.PaymentReference != "pi_1" {
		t.Fatalf("donation = %+v", d)
	}
	if got := total(t, ledger); got != 2500 {
		t.Fatalf("total = %d, want 2500", got)
	}

	jobs := ledger.OutboxOfType(contracts.TypeNotificationJob)
	if len(jobs) != 1 {
		t.Fatalf("enqueued %d notification jobs, want 1", len(jobs))
	}
	if jobs[0].ID != "receipt-d1" {
		t.Fatalf("job id = %q", jobs[0].ID)
	}
	var job contracts.NotificationJob
	if err := json.Unmarshal(jobs[0].Body, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	want := contracts.NotificationJob{Type: contracts.JobTypeReceipt, EmailTo: donor, AmountCents: 2500, DonationID: "d1"}
	if job != want {
		t.Fatalf("job = %+v, want %+v", job, want)
	}

	if n := len(ledger.OutboxOfType(contracts.TypeDonationStatusChanged)); n != 1 {
		t.Fatalf("enqueued %d status changes, want 1", n)
	}
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	ledger := testkit.NewLedger(nil)
	seed(t, ledger, "d1", 700)
	p := payment.NewProcessor(ledger, discardLogger())
	body := testkit.PaymentEvent("evt_1", payment.TypePaymentSucceeded, "pi_1", donor, "d1", 700)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Handle(context.Background(), body)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if got := total(t, ledger); got != 700 {
		t.Fatalf("total = %d, want 700", got)
	}
	if n := len(ledger.OutboxOfType(contracts.TypeNotificationJob)); n != 1 {
		t.Fatalf("enqueued %d notification jobs, want 1", n)
	}
}

func TestFailedEventLeavesTotalAlone(t *testing.T) {
	ledger := testkit.NewLedger(nil)
	seed(t, ledger, "d1", 900)
	p := payment.NewProcessor(ledger, discardLogger())

	body := testkit.PaymentEvent("evt_2", payment.TypePaymentFailed, "pi_1", donor, "d1", 0)
	if err := p.Handle(context.Background(), body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := p.Handle(context.Background(), body); err != nil {
		t.Fatalf("handle duplicate: %v", err)
	}

	if d := status(t, ledger, "d1"); d.Status != donation.StatusFailed {
		t.Fatalf("status = %s, want FAILED", d.Status)
	}
	if got := total(t, ledger); got != 0 {
		t.Fatalf("total = %d, want 0", got)
	}
	if n := len(ledger.OutboxOfType(contracts.TypeNotificationJob)); n != 0 {
		t.Fatalf("enqueued %d notification jobs, want 0", n)
	}
	changes := ledger.OutboxOfType(contracts.TypeDonationStatusChanged)
	if len(changes) != 1 {
		t.Fatalf("enqueued %d status changes, want 1", len(changes))
	}
	var change contracts.DonationStatusChanged
	if err := json.Unmarshal(changes[0].Body, &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.Status != string(donation.StatusFailed) || change.AmountCents != 900 {
		t.Fatalf("change = %+v", change)
	}
}

func TestOppositeTerminalEventIsIgnored(t *testing.T) {
	ledger := testkit.NewLedger(nil)
	seed(t, ledger, "d1", 1200)
	p := payment.NewProcessor(ledger, discardLogger())

	ok := testkit.PaymentEvent("evt_1", payment.TypePaymentSucceeded, "pi_1", donor, "d1", 1200)
	bad := testkit.PaymentEvent("evt_2", payment.TypePaymentFailed, "pi_2", donor, "d1", 0)

	if err := p.Handle(context.Background(), ok); err != nil {
		t.Fatalf("handle succeeded: %v", err)
	}
	if err := p.Handle(context.Background(), bad); err != nil {
		t.Fatalf("handle failed after success: %v", err)
	}

	d := status(t, ledger, "d1")
	if d.Status != donation.StatusSucceeded || d.PaymentReference != "pi_1" {
		t.Fatalf("donation = %+v", d)
	}
	if got := total(t, ledger); got != 1200 {
		t.Fatalf("total = %d, want 1200", got)
	}
	if n := len(ledger.OutboxOfType(contracts.TypeDonationStatusChanged)); n != 1 {
		t.Fatalf("enqueued %d status changes, want 1", n)
	}
}

func TestAmountFallsBackToStoredRecord(t *testing.T) {
	ledger := testkit.NewLedger(nil)
	seed(t, ledger, "d1", 4200)
	p := payment.NewProcessor(ledger, discardLogger())

	body := testkit.PaymentEvent("evt_1", payment.TypePaymentSucceeded, "pi_1", donor, "d1", 0)
	if err := p.Handle(context.Background(), body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := total(t, ledger); got != 4200 {
		t.Fatalf("total = %d, want 4200", got)
	}
}

func TestUnknownDonationIsNotRetryable(t *testing.T) {
	ledger := testkit.NewLedger(nil)
	p := payment.NewProcessor(ledger, discardLogger())

	body := testkit.PaymentEvent("evt_1", payment.TypePaymentSucceeded, "pi_1", donor, "missing", 100)
	err := p.Handle(context.Background(), body)
	if !errors.Is(err, donation.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(ledger.Outbox()) != 0 {
		t.Fatal("side effects ran for an unknown donation")
	}
}

func TestUnhandledAndMalformedEvents(t *testing.T) {
	ledger := testkit.NewLedger(nil)
	p := payment.NewProcessor(ledger, discardLogger())

	if err := p.Handle(context.Background(), []byte(`{"id":"evt_1","type":"charge.refunded"}`)); err != nil {
		t.Fatalf("unhandled type: %v", err)
	}
	if err := p.Handle(context.Background(), []byte(`{"id":`)); !errors.Is(err, payment.ErrMalformedEvent) {
		t.Fatalf("err = %v, want ErrMalformedEvent", err)
	}
	if len(ledger.Outbox()) != 0 {
		t.Fatal("unexpected side effects")
	}
}

func TestSideEffectFailureRollsBack(t *testing.T) {
	ledger := testkit.NewLedger(nil)
	seed(t, ledger, "d1", 500)
	ledger.FailEnqueue = errors.New("outbox unavailable")
	p := payment.NewProcessor(ledger, discardLogger())

	body := testkit.PaymentEvent("evt_1", payment.TypePaymentSucceeded, "pi_1", donor, "d1", 500)
	if err := p.Handle(context.Background(), body); err == nil {
		t.Fatal("expected error")
	}
	if d := status(t, ledger, "d1"); d.Status != donation.StatusPending {
		t.Fatalf("status = %s, want PENDING after rollback", d.Status)
	}
	if got := total(t, ledger); got != 0 {
		t.Fatalf("total = %d, want 0 after rollback", got)
	}

	ledger.FailEnqueue = nil
	if err := p.Handle(context.Background(), body); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := total(t, ledger); got != 500 {
		t.Fatalf("total = %d, want 500", got)
	}
}

func TestIncrementFailureNamesStepOnce(t *testing.T) {
	ledger := testkit.NewLedger(nil)
	seed(t, ledger, "d1", 500)
	ledger.FailIncrement = errors.New("throttled")
	p := payment.NewProcessor(ledger, discardLogger())

	err := p.Handle(context.Background(), testkit.PaymentEvent("evt_1", payment.TypePaymentSucceeded, "pi_1", donor, "d1", 500))
	if !errors.Is(err, ledger.FailIncrement) {
		t.Fatalf("err = %v, want wrapped throttled", err)
	}
	if n := strings.Count(err.Error(), "increment total"); n != 1 {
		t.Fatalf("error %q names the increment step %d times", err, n)
	}
	if d := status(t, ledger, "d1"); d.Status != donation.StatusPending {
		t.Fatalf("status = %s, want PENDING after rollback", d.Status)
	}
}

func TestTotalEqualsSumOfSucceeded(t *testing.T) {
	ledger := testkit.NewLedger(nil)
	p := payment.NewProcessor(ledger, discardLogger())

	var want int64
	for i := 1; i <= 20; i++ {
		id := fmt.Sprintf("d%d", i)
		amount := int64(i * 137)
		seed(t, ledger, id, amount)

		typ := payment.TypePaymentSucceeded
		if i%3 == 0 {
			typ = payment.TypePaymentFailed
		} else {
			want += amount
		}
		body := testkit.PaymentEvent("evt_"+id, typ, "pi_"+id, donor, id, amount)
		for range 2 {
			if err := p.Handle(context.Background(), body); err != nil {
				t.Fatalf("handle %s: %v", id, err)
			}
		}
	}

	if got := total(t, ledger); got != want {
		t.Fatalf("total = %d, want %d", got, want)
	}
}
