package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

type Consumer struct {
	conn     *amqp091.Connection
	queue    string
	prefetch int
	logger   *slog.Logger
}

func NewRabbitConsumer(url string, spec QueueSpec, prefetch int, logger *slog.Logger) (*Consumer, error) {
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

	queue, err := declareQueue(ch, spec)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if prefetch <= 0 {
		prefetch = 32
	}

	return &Consumer{
		conn:     conn,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger,
	}, nil
}

func (c *Consumer) Queue() string {
	return c.queue
}

func (c *Consumer) Start(ctx context.Context, handler func(context.Context, amqp091.Delivery)) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume queue: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ch.Cancel("", false)
		ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if c.logger != nil {
					c.logger.Info("consumer channel closed", "queue", c.queue)
				}
				return nil
			}
			handler(ctx, msg)
		}
	}
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}

// rejectError marks a handler failure that redelivery cannot fix.
type rejectError struct {
	err error
}

func (e *rejectError) Error() string { return e.err.Error() }
func (e *rejectError) Unwrap() error { return e.err }

// Reject wraps err so Settle dead-letters the message right away instead of
// requeueing it.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectError{err: err}
}

func IsRejected(err error) bool {
	var r *rejectError
	return errors.As(err, &r)
}

// Settle adapts a body handler to a consumer callback: nil acks, a Reject-ed
// error nacks without requeue and any other error nacks with requeue so the
// broker's delivery limit decides when to give up.
func Settle(handle func(context.Context, []byte) error, logger *slog.Logger) func(context.Context, amqp091.Delivery) {
	return func(ctx context.Context, msg amqp091.Delivery) {
		err := handle(ctx, msg.Body)
		switch {
		case err == nil:
			if ackErr := msg.Ack(false); ackErr != nil {
				logger.Error("ack message", "message_id", msg.MessageId, "err", ackErr)
			}
		case IsRejected(err):
			logger.Error("dead-lettering message", "message_id", msg.MessageId, "type", msg.Type, "err", err)
			if nackErr := msg.Nack(false, false); nackErr != nil {
				logger.Error("nack message", "message_id", msg.MessageId, "err", nackErr)
			}
		default:
			logger.Warn("requeueing message", "message_id", msg.MessageId, "type", msg.Type,
				"redelivered", msg.Redelivered, "err", err)
			if nackErr := msg.Nack(false, true); nackErr != nil {
				logger.Error("nack message", "message_id", msg.MessageId, "err", nackErr)
			}
		}
	}
}
