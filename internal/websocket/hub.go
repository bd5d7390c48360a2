package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sarpbilgic/donate-now/pkg/contracts"
	"github.com/sarpbilgic/donate-now/pkg/messaging"
)

type StatusUpdate struct {
	DonationID string `json:"donation_id"`
	Status     string `json:"status"`
}

type Client struct {
	hub        *Hub
	conn       *Conn
	send       chan []byte
	donationID string
}

// Hub fans status updates out to the clients watching each donation.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan StatusUpdate
	done       chan struct{}
	clients    map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan StatusUpdate),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.donationID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.donationID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			h.drop(c)
		case upd := <-h.broadcast:
			msg, _ := json.Marshal(upd)
			for c := range h.clients[upd.DonationID] {
				select {
				case c.send <- msg:
				default:
					h.drop(c)
				}
			}
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = nil
			return
		}
	}
}

func (h *Hub) drop(c *Client) {
	set, ok := h.clients[c.donationID]
	if !ok {
		return
	}
	if _, exists := set[c]; exists {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.donationID)
	}
}

// Register returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Broadcast(u StatusUpdate) {
	go func() {
		select {
		case h.broadcast <- u:
		case <-h.done:
		}
	}()
}

// HandleStatusChanged feeds a queued DonationStatusChanged message to the hub.
func (h *Hub) HandleStatusChanged(_ context.Context, body []byte) error {
	var evt contracts.DonationStatusChanged
	if err := json.Unmarshal(body, &evt); err != nil {
		return messaging.Reject(fmt.Errorf("decode status change: %w", err))
	}
	if evt.DonationID == "" {
		return messaging.Reject(fmt.Errorf("decode status change: missing donation_id"))
	}
	h.Broadcast(StatusUpdate{DonationID: evt.DonationID, Status: evt.Status})
	return nil
}
