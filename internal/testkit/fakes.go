package testkit

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/pkg/messaging"
)

// Publisher records every message it is asked to publish.
type Publisher struct {
	mu       sync.Mutex
	messages []messaging.Message
	closed   bool

	// Err, when set, fails every Publish call.
	Err error
}

func (p *Publisher) Publish(_ context.Context, msg messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Publisher) Messages() []messaging.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.messages)
}

func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Intents fakes the payment processor's intent API.
type Intents struct {
	mu       sync.Mutex
	requests []donation.IntentRequest

	Err error
}

func (f *Intents) CreateIntent(_ context.Context, req donation.IntentRequest) (donation.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return donation.Intent{}, f.Err
	}
	f.requests = append(f.requests, req)
	id := fmt.Sprintf("pi_%d", len(f.requests))
	return donation.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (f *Intents) Requests() []donation.IntentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}
