package messaging

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// QueueSpec describes a consumer queue bound to a fanout exchange.
//
// Durable queues are declared as quorum queues so the broker tracks the
// delivery count: a message requeued MaxDeliveries times is moved to the
// dead-letter queue instead of being redelivered again. Exclusive queues are
// server-named, deleted with the connection and never dead-lettered.
type QueueSpec struct {
	Exchange      string
	Queue         string
	MaxDeliveries int
	Exclusive     bool
}

func (s QueueSpec) DeadLetterExchange() string {
	return s.Exchange + ".dlx"
}

func (s QueueSpec) DeadLetterQueue() string {
	return s.Queue + ".dlq"
}

func (s QueueSpec) queueArgs() amqp091.Table {
	if s.Exclusive {
		return nil
	}
	args := amqp091.Table{
		"x-queue-type":           "quorum",
		"x-dead-letter-exchange": s.DeadLetterExchange(),
	}
	if s.MaxDeliveries > 0 {
		args["x-delivery-limit"] = int64(s.MaxDeliveries)
	}
	return args
}

func (s QueueSpec) validate() error {
	if s.Exchange == "" {
		return fmt.Errorf("queue spec: exchange is required")
	}
	if !s.Exclusive && s.Queue == "" {
		return fmt.Errorf("queue spec: queue name is required")
	}
	return nil
}

func declareExchange(ch *amqp091.Channel, name string) error {
	if err := ch.ExchangeDeclare(
		name,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// declareQueue declares the exchange, the queue and (for durable queues) the
// dead-letter pair, and returns the queue name actually bound.
func declareQueue(ch *amqp091.Channel, spec QueueSpec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}
	if err := declareExchange(ch, spec.Exchange); err != nil {
		return "", err
	}

	if !spec.Exclusive {
		if err := declareExchange(ch, spec.DeadLetterExchange()); err != nil {
			return "", err
		}
		if _, err := ch.QueueDeclare(
			spec.DeadLetterQueue(),
			true,
			false,
			false,
			false,
			amqp091.Table{"x-queue-type": "quorum"},
		); err != nil {
			return "", fmt.Errorf("declare dead-letter queue: %w", err)
		}
		if err := ch.QueueBind(spec.DeadLetterQueue(), "", spec.DeadLetterExchange(), false, nil); err != nil {
			return "", fmt.Errorf("bind dead-letter queue: %w", err)
		}
	}

	q, err := ch.QueueDeclare(
		spec.Queue,
		!spec.Exclusive,
		spec.Exclusive,
		spec.Exclusive,
		false,
		spec.queueArgs(),
	)
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", spec.Exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue: %w", err)
	}
	return q.Name, nil
}
