// Package broker consumes render jobs from an AMQP 0-9-1 queue.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrChannelClosed is returned by Consume when the server closes the
// delivery channel.
var ErrChannelClosed = errors.New("delivery channel closed")

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Consumer reads a single durable queue.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *slog.Logger
}

// Dial connects to url, limits unacknowledged deliveries to prefetch and
// declares queue as durable.
func Dial(url, queue string, prefetch int, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	logger.Info("broker connected", "queue", queue, "prefetch", prefetch)
	return &Consumer{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// Consume delivers every message to handler on its own goroutine and acks
// it once handler returns, whether or not handling succeeded. It returns
// when ctx is cancelled or the server closes the channel, after all
// in-flight handlers have returned. Handlers are not cancelled with ctx.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info("consuming", "queue", c.queue)
	return consume(ctx, deliveries, handler, c.logger)
}

// Close closes the channel and then the connection.
func (c *Consumer) Close() error {
	return errors.Join(c.ch.Close(), c.conn.Close())
}

func consume(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler, logger *slog.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	// Handlers outlive ctx so a stopping consumer still finishes and acks
	// what it already received.
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrChannelClosed
			}
			wg.Go(func() { handle(handlerCtx, d, handler, logger) })
		}
	}
}

func handle(ctx context.Context, d amqp.Delivery, handler Handler, logger *slog.Logger) {
	if err := handler(ctx, d.Body); err != nil {
		logger.Error("message handling failed", "delivery_tag", d.DeliveryTag, "error", err)
	}
	if err := d.Ack(false); err != nil {
		logger.Error("ack failed", "delivery_tag", d.DeliveryTag, "error", err)
	}
}
