package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/internal/httpapi"
	"github.com/sarpbilgic/donate-now/internal/payment"
	"github.com/sarpbilgic/donate-now/internal/testkit"
)

const webhookSecret = "whsec_api"

type fixture struct {
	ledger    *testkit.Ledger
	intents   *testkit.Intents
	publisher *testkit.Publisher
	server    *httpapi.Server
}

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		ledger:    testkit.NewLedger(nil),
		intents:   &testkit.Intents{},
		publisher: &testkit.Publisher{},
	}
	svc := donation.NewService(f.ledger, f.intents, "usd", logger)
	f.server = httpapi.NewServer(svc, logger)
	f.server.RegisterWebhook("stripe", "Stripe-Signature", payment.NewIngress(
		payment.NewVerifier(webhookSecret, time.Minute),
		payment.NewRelay(f.publisher, "payments.events"),
		logger,
	))
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func signedRequest(body []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header)
	return req
}

func TestCreateIntent(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/donations/create-intent", strings.NewReader(`{"amount":2500}`))
	req.Header.Set("X-User-Email", "donor@example.com")
	req.Header.Set("X-User-ID", "sub-1")
	req.Header.Set("X-User-Name", "Dana")

	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := decode(t, rec)["client_secret"]; got != "pi_1_secret" {
		t.Fatalf("client_secret = %v", got)
	}
	if reqs := f.intents.Requests(); len(reqs) != 1 || reqs[0].Amount != 2500 {
		t.Fatalf("intent requests = %+v", reqs)
	}
}

func TestCreateIntentErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		headers map[string]string
		want    int
	}{
		{"no identity", `{"amount":100}`, nil, http.StatusUnauthorized},
		{"missing user id", `{"amount":100}`, map[string]string{"X-User-Email": "a@example.com"}, http.StatusUnauthorized},
		{"unverified email", `{"amount":100}`, map[string]string{"X-User-Email": "a@example.com", "X-User-ID": "u", "X-User-Email-Verified": "false"}, http.StatusForbidden},
		{"bad json", `{"amount":`, map[string]string{"X-User-Email": "a@example.com", "X-User-ID": "u"}, http.StatusBadRequest},
		{"zero amount", `{"amount":0}`, map[string]string{"X-User-Email": "a@example.com", "X-User-ID": "u"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := httptest.NewRequest(http.MethodPost, "/donations/create-intent", strings.NewReader(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if rec := f.do(req); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestCreateIntentProcessorFailure(t *testing.T) {
	f := newFixture()
	f.intents.Err = errors.New("stripe down")

	req := httptest.NewRequest(http.MethodPost, "/donations/create-intent", strings.NewReader(`{"amount":100}`))
	req.Header.Set("X-User-Email", "a@example.com")
	req.Header.Set("X-User-ID", "u")
	if rec := f.do(req); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookQueuesVerifiedEvent(t *testing.T) {
	f := newFixture()
	body := testkit.PaymentEvent("evt_1", payment.TypePaymentSucceeded, "pi_1", "a@example.com", "d1", 500)

	rec := f.do(signedRequest(body, webhookSecret))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := decode(t, rec)["status"]; got != "queued" {
		t.Fatalf("status field = %v", got)
	}
	if msgs := f.publisher.Messages(); len(msgs) != 1 || msgs[0].ID != "evt_1" {
		t.Fatalf("published = %+v", msgs)
	}
}

func TestWebhookErrors(t *testing.T) {
	body := testkit.PaymentEvent("evt_1", payment.TypePaymentSucceeded, "pi_1", "a@example.com", "d1", 500)

	t.Run("bad signature", func(t *testing.T) {
		f := newFixture()
		if rec := f.do(signedRequest(body, "whsec_other")); rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		if len(f.publisher.Messages()) != 0 {
			t.Fatal("unverified event was relayed")
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		f := newFixture()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
		if rec := f.do(req); rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		f := newFixture()
		if rec := f.do(signedRequest([]byte(`not json`), webhookSecret)); rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("unknown processor", func(t *testing.T) {
		f := newFixture()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", strings.NewReader(string(body)))
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
		if rec := f.do(req); rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("queue unavailable", func(t *testing.T) {
		f := newFixture()
		f.publisher.Err = errors.New("connection refused")
		if rec := f.do(signedRequest(body, webhookSecret)); rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("too large", func(t *testing.T) {
		f := newFixture()
		big := make([]byte, 2<<20)
		if rec := f.do(signedRequest(big, webhookSecret)); rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestReadEndpoints(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.ledger.CreateDonation(ctx, donation.Donation{
		ID: "d1", UserEmail: "a@example.com", Amount: 1999, Currency: "usd",
		Status: donation.StatusPending, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	err = f.ledger.RunInTx(ctx, func(ctx context.Context, tx payment.Tx) error {
		if _, err := tx.UpdateDonationStatus(ctx, "a@example.com", "d1", donation.StatusSucceeded, "pi_1"); err != nil {
			return err
		}
		return tx.IncrementTotal(ctx, 1999)
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/donations/total", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("total status = %d", rec.Code)
	}
	total := decode(t, rec)
	if total["total_amount_dollars"] != "19.99" || total["total_amount_cents"] != float64(1999) {
		t.Fatalf("total = %v", total)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/donations/recent?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("recent status = %d", rec.Code)
	}
	var recent []donation.PublicDonation
	if err := json.NewDecoder(rec.Body).Decode(&recent); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(recent) != 1 || recent[0].DonorName != "Anonymous" || recent[0].Amount != 1999 {
		t.Fatalf("recent = %+v", recent)
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/donations/recent?limit=abc", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture()
	f.server.AddCheck("ledger", func(context.Context) error { return nil })

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}

	f.server.AddCheck("broker", func(context.Context) error { return errors.New("down") })
	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", rec.Code)
	}
	if got := decode(t, rec)["broker"]; got != "unavailable" {
		t.Fatalf("broker = %v", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture()
	rec := f.do(httptest.NewRequest(http.MethodOptions, "/donations/create-intent", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("headers = %v", rec.Header())
	}
}
