package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

var (
	ErrNotConfirmed = errors.New("broker did not confirm publish")
	ErrNoRoute      = errors.New("no publisher for message type")
)

// Message is what producers hand to a Publisher. ID and Type end up in the
// AMQP MessageId and Type properties.
type Message struct {
	ID   string
	Type string
	Body []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// RabbitPublisher publishes persistent messages to a single fanout exchange
// and waits for the broker confirm before returning.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	exchange string
}

// NewRabbitPublisher declares exchange and every queue in bind. Declaring the
// consumer queues up front keeps messages published before the consumer's
// first start from being dropped by the fanout exchange.
func NewRabbitPublisher(url, exchange string, bind ...QueueSpec) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchange(ch, exchange); err != nil {
		conn.Close()
		return nil, err
	}
	for _, spec := range bind {
		if spec.Exchange != exchange || spec.Exclusive {
			conn.Close()
			return nil, fmt.Errorf("queue spec %q is not a durable queue on %s", spec.Queue, exchange)
		}
		if _, err := declareQueue(ch, spec); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return &RabbitPublisher{conn: conn, exchange: exchange}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, "", false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	return p.conn.Close()
}

// Router picks a Publisher by Message.Type.
type Router struct {
	routes map[string]Publisher
}

func NewRouter(routes map[string]Publisher) *Router {
	return &Router{routes: routes}
}

func (r *Router) Publish(ctx context.Context, msg Message) error {
	p, ok := r.routes[msg.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoRoute, msg.Type)
	}
	return p.Publish(ctx, msg)
}

func (r *Router) Close() error {
	var errs []error
	for _, p := range r.routes {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
