// Package mq broadcasts publish notifications over RabbitMQ so dispatchers
// on other nodes sharing the same store wake their local waiters instead of
// letting them run out their timeout.
package mq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishExchange is the fanout exchange carrying queue names of freshly
// enqueued jobs.
const PublishExchange = "cloudq.publish"

// Client wraps a RabbitMQ connection and channel.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New connects to RabbitMQ at the given URL.
func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// SetupTopology declares the fanout exchange. Idempotent.
func (c *Client) SetupTopology() error {
	return c.ch.ExchangeDeclare(PublishExchange, "fanout", true, false, false, false, nil)
}

// JobPublished broadcasts the queue name of a freshly enqueued job.
func (c *Client) JobPublished(ctx context.Context, queue string) error {
	return c.ch.PublishWithContext(ctx,
		PublishExchange,
		"",    // routing key (fanout ignores it)
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "text/plain",
			Body:        []byte(queue),
		})
}

// Notifications binds an exclusive auto-deleted queue to the fanout exchange
// and returns its delivery channel. Each node gets every broadcast.
func (c *Client) Notifications() (<-chan amqp.Delivery, error) {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, err
	}
	if err := c.ch.QueueBind(q.Name, "", PublishExchange, false, nil); err != nil {
		return nil, err
	}
	return c.ch.Consume(q.Name, "", true, true, false, false, nil)
}

// Waker has the dispatch engine's wake entry point.
type Waker interface {
	Wake(ctx context.Context, queue string)
}

// Listen consumes publish notifications and wakes the local dispatcher
// until ctx is canceled. Blocks; run it in its own goroutine.
func (c *Client) Listen(ctx context.Context, w Waker, logger *slog.Logger) error {
	deliveries, err := c.Notifications()
	if err != nil {
		return fmt.Errorf("failed to consume publish notifications: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("publish notification channel closed")
			}
			queue := string(msg.Body)
			logger.Debug("publish notification received", "queue", queue)
			w.Wake(ctx, queue)
		}
	}
}

// Close tears down the channel and connection.
func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
