// Package queue provides the message bus client for the pipeline services.
// It implements topology declaration, confirmed publishing and consuming on a
// RabbitMQ topic exchange, and manages the connection lifecycle with an
// exponential-backoff reconnect loop.
//
// Features:
//   - Durable topic exchange with named durable work queues
//   - Publisher confirms on every emitted message
//   - Per-consumer prefetch limit with manual acknowledgement
//   - Dead-letter queue for poison and exhausted messages
//   - Reconnect with exponential backoff and jitter
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Routing keys on the orchestration exchange.
const (
	KeyExtraction     = "extraction"
	KeyTransformation = "transformation"
	KeyVerification   = "verification"
	KeyCompletion     = "completion"
	KeyDead           = "dead"
)

// Durable queue names.
const (
	QueueExtraction     = "tasks.extraction"
	QueueTransformation = "tasks.transformation"
	QueueVerification   = "tasks.verification"
	QueueCompletion     = "tasks.completion"
	QueueDead           = "tasks.dead"
)

// bindings maps each durable queue to the routing key it is bound with.
var bindings = map[string]string{
	QueueExtraction:     KeyExtraction,
	QueueTransformation: KeyTransformation,
	QueueVerification:   KeyVerification,
	QueueCompletion:     KeyCompletion,
	QueueDead:           KeyDead,
}

// ErrBusUnavailable is returned when a publish cannot be confirmed because
// the broker connection is down. Callers must not ack the work that
// triggered the publish; the broker will redeliver it.
var ErrBusUnavailable = errors.New("message bus unavailable")

// Config holds the bus client settings.
type Config struct {
	// URL is the AMQP broker URI
	URL string

	// Exchange is the topic exchange all traffic flows through
	Exchange string

	// Prefetch is the per-consumer unacked message budget
	Prefetch int

	// ReconnectInitialDelay is the first backoff step (default 500ms)
	ReconnectInitialDelay time.Duration

	// ReconnectMaxDelay caps the backoff (default 30s)
	ReconnectMaxDelay time.Duration

	// ConfirmTimeout bounds the wait for a publisher confirm
	ConfirmTimeout time.Duration

	// Logger for bus events
	Logger *logrus.Entry
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Exchange == "" {
		out.Exchange = "orchestration.exchange"
	}
	if out.Prefetch == 0 {
		out.Prefetch = 1
	}
	if out.ReconnectInitialDelay == 0 {
		out.ReconnectInitialDelay = 500 * time.Millisecond
	}
	if out.ReconnectMaxDelay == 0 {
		out.ReconnectMaxDelay = 30 * time.Second
	}
	if out.ConfirmTimeout == 0 {
		out.ConfirmTimeout = 10 * time.Second
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return out
}

// Bus is the message bus client shared by the orchestrator and the workers.
// A service holds exactly one Bus; all publishes and consumes go through it.
type Bus struct {
	config Config
	dialer AMQPDialer
	logger *logrus.Entry

	mu       sync.RWMutex
	conn     AMQPConnection
	channel  AMQPChannel
	confirms chan amqp.Confirmation
	closes   chan *amqp.Error

	// pubMu serializes confirmed publishes so confirmations can be
	// matched to publishes in order.
	pubMu sync.Mutex
}

// NewBus creates a bus client using the real AMQP dialer. The connection is
// established lazily by Connect.
func NewBus(config Config) *Bus {
	return NewBusWithDialer(config, &RealAMQPDialer{})
}

// NewBusWithDialer creates a bus client with dependency injection.
// This function allows injecting a custom dialer for testing purposes.
func NewBusWithDialer(config Config, dialer AMQPDialer) *Bus {
	cfg := config.withDefaults()
	return &Bus{
		config: cfg,
		dialer: dialer,
		logger: cfg.Logger.WithField("component", "bus"),
	}
}

// Connect dials the broker, retrying with exponential backoff and ±20%
// jitter until it succeeds or the context is cancelled.
func (b *Bus) Connect(ctx context.Context) error {
	delay := b.config.ReconnectInitialDelay
	attempt := 0

	for {
		err := b.connect()
		if err == nil {
			return nil
		}
		attempt++
		b.logger.WithError(err).WithField("attempt", attempt).Warn("Bus connection failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if delay > b.config.ReconnectMaxDelay {
			delay = b.config.ReconnectMaxDelay
		}
	}
}

// jitter spreads a delay by ±20% so reconnecting services do not stampede.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// connect performs a single dial and topology setup.
func (b *Bus) connect() error {
	conn, err := b.dialer.Dial(b.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 16))

	if err := ch.Qos(b.config.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	if err := declareTopology(ch, b.config.Exchange); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))

	b.mu.Lock()
	b.conn = conn
	b.channel = ch
	b.confirms = confirms
	b.closes = closes
	b.mu.Unlock()

	b.logger.WithField("exchange", b.config.Exchange).Info("Connected to message bus")
	return nil
}

// declareTopology declares the durable topic exchange and binds the durable
// work queues. Declaration is idempotent; every service declares on connect
// so start order does not matter.
func declareTopology(ch AMQPChannel, exchange string) error {
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	for queueName, key := range bindings {
		var args amqp.Table
		if queueName != QueueDead {
			// Rejected deliveries route to the dead-letter queue.
			args = amqp.Table{
				"x-dead-letter-exchange":    exchange,
				"x-dead-letter-routing-key": KeyDead,
			}
		}

		if _, err := ch.QueueDeclare(
			queueName, // name
			true,      // durable
			false,     // delete when unused
			false,     // exclusive
			false,     // no-wait
			args,      // arguments
		); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
		}

		if err := ch.QueueBind(queueName, key, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", queueName, key, err)
		}
	}

	return nil
}

// current returns the live channel and confirm stream, or nil when down.
func (b *Bus) current() (AMQPChannel, chan amqp.Confirmation) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channel, b.confirms
}

// drop discards the current connection so the next operation reconnects.
func (b *Bus) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel != nil {
		b.channel.Close()
		b.channel = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.confirms = nil
}

// Connected reports whether the bus currently holds a live channel.
func (b *Bus) Connected() bool {
	b.mu.RLock()
	ch := b.channel
	closes := b.closes
	b.mu.RUnlock()

	if ch == nil {
		return false
	}
	select {
	case <-closes:
		// The broker closed the connection; discard it so the next
		// operation reconnects.
		b.drop()
		return false
	default:
		return true
	}
}

// Publish publishes a persistent JSON message to the exchange and waits for
// the broker's confirmation. Returns ErrBusUnavailable when no confirmed
// publish is possible; the caller must treat the message as not sent.
func (b *Bus) Publish(ctx context.Context, routingKey string, body []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ch, confirms := b.current()
	if ch == nil {
		return ErrBusUnavailable
	}

	err := ch.Publish(
		b.config.Exchange, // exchange
		routingKey,        // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:     "application/json",
			ContentEncoding: "utf-8",
			DeliveryMode:    amqp.Persistent,
			Timestamp:       time.Now(),
			Body:            body,
		},
	)
	if err != nil {
		b.drop()
		return fmt.Errorf("failed to publish to %s: %w", routingKey, ErrBusUnavailable)
	}

	select {
	case confirmation, ok := <-confirms:
		if !ok {
			b.drop()
			return fmt.Errorf("confirm channel closed: %w", ErrBusUnavailable)
		}
		if !confirmation.Ack {
			return fmt.Errorf("broker rejected publish to %s", routingKey)
		}
		return nil
	case <-time.After(b.config.ConfirmTimeout):
		b.drop()
		return fmt.Errorf("publish confirm timed out: %w", ErrBusUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishDead routes a poison message body straight to the dead-letter
// queue with diagnostic headers.
func (b *Bus) PublishDead(ctx context.Context, body []byte, reason string, attempts int) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ch, confirms := b.current()
	if ch == nil {
		return ErrBusUnavailable
	}

	err := ch.Publish(
		b.config.Exchange,
		KeyDead,
		false,
		false,
		amqp.Publishing{
			ContentType:     "application/json",
			ContentEncoding: "utf-8",
			DeliveryMode:    amqp.Persistent,
			Timestamp:       time.Now(),
			Headers: amqp.Table{
				"x-death-reason": reason,
				"x-last-error":   reason,
				"x-attempts":     int32(attempts),
			},
			Body: body,
		},
	)
	if err != nil {
		b.drop()
		return fmt.Errorf("failed to dead-letter message: %w", ErrBusUnavailable)
	}

	select {
	case confirmation, ok := <-confirms:
		if !ok {
			b.drop()
			return fmt.Errorf("confirm channel closed: %w", ErrBusUnavailable)
		}
		if !confirmation.Ack {
			return fmt.Errorf("broker rejected dead-letter publish")
		}
		return nil
	case <-time.After(b.config.ConfirmTimeout):
		b.drop()
		return fmt.Errorf("dead-letter confirm timed out: %w", ErrBusUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume starts delivering messages from a queue with manual
// acknowledgement. When the connection is down it reconnects first; when
// the returned channel closes the caller should call Consume again.
func (b *Bus) Consume(ctx context.Context, queueName string) (<-chan amqp.Delivery, error) {
	ch, _ := b.current()
	if ch == nil {
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
		ch, _ = b.current()
	}

	deliveries, err := ch.Consume(
		queueName, // queue
		"",        // consumer tag
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		b.drop()
		return nil, fmt.Errorf("failed to consume from %s: %w", queueName, err)
	}
	return deliveries, nil
}

// Close closes the bus connection and channel.
func (b *Bus) Close() error {
	b.drop()
	return nil
}
