package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/internal/payment"
)

const maxWebhookBytes = 1 << 20

// Identity headers are set by the authorizer in front of this service.
const (
	headerUserEmail    = "X-User-Email"
	headerUserID       = "X-User-ID"
	headerUserName     = "X-User-Name"
	headerUserVerified = "X-User-Email-Verified"
)

type Donations interface {
	CreateIntent(ctx context.Context, who donation.Identity, amount int64) (string, error)
	Recent(ctx context.Context, limit int) ([]donation.PublicDonation, error)
	Total(ctx context.Context) (donation.Total, error)
}

type Ingress interface {
	Accept(ctx context.Context, payload []byte, signatureHeader string) (payment.QueueReceipt, error)
}

type webhook struct {
	signatureHeader string
	ingress         Ingress
}

type Server struct {
	donations Donations
	webhooks  map[string]webhook
	checks    map[string]func(context.Context) error
	logger    *slog.Logger
	mux       *http.ServeMux
}

func NewServer(donations Donations, logger *slog.Logger) *Server {
	s := &Server{
		donations: donations,
		webhooks:  make(map[string]webhook),
		checks:    make(map[string]func(context.Context) error),
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.root)
	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.mux.HandleFunc("POST /donations/create-intent", s.createIntent)
	s.mux.HandleFunc("GET /donations/recent", s.recent)
	s.mux.HandleFunc("GET /donations/total", s.total)
	s.mux.HandleFunc("POST /webhooks/{processor}", s.webhook)
}

// Handle mounts an extra handler, e.g. the status feed.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// RegisterWebhook routes POST /webhooks/{processor} to ingress, reading the
// signature from signatureHeader.
func (s *Server) RegisterWebhook(processor, signatureHeader string, ingress Ingress) {
	s.webhooks[processor] = webhook{signatureHeader: signatureHeader, ingress: ingress}
}

// AddCheck adds a dependency probe to /healthz.
func (s *Server) AddCheck(name string, check func(context.Context) error) {
	s.checks[name] = check
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the Donate Now API"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	result := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.WarnContext(ctx, "health check failed", "check", name, "err", err)
			result[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		result[name] = "ok"
	}
	writeJSON(w, status, result)
}

func (s *Server) createIntent(w http.ResponseWriter, r *http.Request) {
	who, status, err := identity(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	secret, err := s.donations.CreateIntent(r.Context(), who, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, donation.ErrInvalidAmount), errors.Is(err, donation.ErrMissingIdentity):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.ErrorContext(r.Context(), "create intent", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_secret": secret})
}

func (s *Server) recent(w http.ResponseWriter, r *http.Request) {
	limit := donation.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	donations, err := s.donations.Recent(r.Context(), limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list recent donations", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, donations)
}

func (s *Server) total(w http.ResponseWriter, r *http.Request) {
	total, err := s.donations.Total(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "get total", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Dollars decimal.Decimal `json:"total_amount_dollars"`
		Cents   int64           `json:"total_amount_cents"`
	}{total.Dollars, total.Cents})
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	wh, ok := s.webhooks[r.PathValue("processor")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown payment processor")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	signature := r.Header.Get(wh.signatureHeader)
	if signature == "" {
		writeError(w, http.StatusBadRequest, "missing "+wh.signatureHeader+" header")
		return
	}

	if _, err := wh.ingress.Accept(r.Context(), payload, signature); err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidSignature):
			writeError(w, http.StatusBadRequest, "invalid signature")
		case errors.Is(err, payment.ErrMalformedPayload):
			writeError(w, http.StatusBadRequest, "invalid payload")
		default:
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// identity reads the caller asserted by the authorizer. The int is the HTTP
// status to answer with when err is non-nil.
func identity(r *http.Request) (donation.Identity, int, error) {
	who := donation.Identity{
		Email:      r.Header.Get(headerUserEmail),
		ExternalID: r.Header.Get(headerUserID),
		Name:       r.Header.Get(headerUserName),
	}
	if who.Email == "" || who.ExternalID == "" {
		return donation.Identity{}, http.StatusUnauthorized, errors.New("missing user claims")
	}
	if v := r.Header.Get(headerUserVerified); v != "" {
		if verified, err := strconv.ParseBool(v); err != nil || !verified {
			return donation.Identity{}, http.StatusForbidden, errors.New("email not verified")
		}
	}
	return who, 0, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
