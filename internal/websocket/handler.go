package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	gw "github.com/gorilla/websocket"

	"github.com/sarpbilgic/donate-now/internal/donation"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Lookup loads the donation a client wants to watch.
type Lookup interface {
	Get(ctx context.Context, userEmail, donationID string) (donation.Donation, error)
}

type Handler struct {
	hub       *Hub
	donations Lookup
	logger    *slog.Logger
}

func NewHandler(hub *Hub, donations Lookup, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, donations: donations, logger: logger}
}

// ServeWS streams status updates for one of the caller's donations,
// starting with its current status.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	donationID := r.PathValue("donationID")
	email := r.Header.Get("X-User-Email")
	if donationID == "" || email == "" {
		http.Error(w, "missing donation id or X-User-Email header", http.StatusBadRequest)
		return
	}

	d, err := h.donations.Get(r.Context(), email, donationID)
	if err != nil {
		if errors.Is(err, donation.ErrNotFound) {
			http.Error(w, "donation not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(r.Context(), "load donation for status feed", "donation_id", donationID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:        h.hub,
		conn:       conn,
		send:       make(chan []byte, 16),
		donationID: donationID,
	}
	// Queue the current status before the hub can touch the channel.
	if b, err := json.Marshal(StatusUpdate{DonationID: donationID, Status: string(d.Status)}); err == nil {
		client.send <- b
	}
	if !h.hub.Register(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()

	// A change broadcast before Register completed never reached this client.
	latest, err := h.donations.Get(r.Context(), email, donationID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "reload donation after subscribe", "donation_id", donationID, "err", err)
		return
	}
	if latest.Status != d.Status {
		h.hub.Broadcast(StatusUpdate{DonationID: donationID, Status: string(latest.Status)})
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
