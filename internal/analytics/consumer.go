package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/lifebank/services/orders/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// HandlerFunc processes one delivery body
type HandlerFunc func(ctx context.Context, body []byte) error

// Consumer reads order notifications from a durable queue bound to the events exchange
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	log     *zap.Logger
}

// NewConsumer connects, declares the queue and binds it to the given routing keys
func NewConsumer(url, exchange, queue string, prefetchCount int, routingKeys []string, log *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	c := &Consumer{conn: conn, channel: channel, queue: queue, log: log}
	if err := c.setup(exchange, prefetchCount, routingKeys); err != nil {
		c.Close()
		return nil, err
	}

	log.Info("Connected to RabbitMQ",
		zap.String("exchange", exchange),
		zap.String("queue", queue),
		zap.Strings("routing_keys", routingKeys),
	)
	return c, nil
}

func (c *Consumer) setup(exchange string, prefetchCount int, routingKeys []string) error {
	if err := c.channel.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := events.DeclareExchange(c.channel, exchange); err != nil {
		return err
	}

	if _, err := c.channel.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range routingKeys {
		if err := c.channel.QueueBind(c.queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
	}
	return nil
}

// Consume delivers messages to handler until ctx is done or the channel closes.
// Successful messages are acked, malformed ones dropped, and the rest requeued.
func (c *Consumer) Consume(ctx context.Context, handler HandlerFunc) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.log.Info("Started consuming", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.settle(msg, handler(ctx, msg.Body))
		}
	}
}

func (c *Consumer) settle(msg amqp.Delivery, err error) {
	ack, requeue := disposition(err)
	if err != nil {
		c.log.Error("Failed to process message",
			zap.String("message_id", msg.MessageId),
			zap.String("routing_key", msg.RoutingKey),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
	}

	var settleErr error
	if ack {
		settleErr = msg.Ack(false)
	} else {
		settleErr = msg.Nack(false, requeue)
	}
	if settleErr != nil {
		c.log.Warn("Failed to settle message", zap.String("message_id", msg.MessageId), zap.Error(settleErr))
	}
}

// disposition decides how a delivery is settled after handling.
// Malformed messages would fail forever, so they are not requeued.
func disposition(err error) (ack, requeue bool) {
	switch {
	case err == nil:
		return true, false
	case errors.Is(err, ErrMalformedEvent):
		return false, false
	default:
		return false, true
	}
}

// Close closes the consumer channel and connection
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
