// Package queue consumes analysis requests from RabbitMQ and publishes results.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AttemptHeader counts how many times a message has been delivered to a handler.
const AttemptHeader = "x-deepscan-attempt"

const maxBackoff = 60 * time.Second

// MessageHandler processes one message body. Returning an error marks the
// message for retry unless it wraps ErrPermanent.
type MessageHandler func(ctx context.Context, body []byte) error

// ErrPermanent marks a handler failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the consumer dead-letters instead of retrying.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

type ConsumerConfig struct {
	URL         string
	Exchange    string
	Queue       string
	ResultQueue string
	DLQ         string
	Prefetch    int
	WorkerCount int
	MaxRetries  int
	BaseDelayMs int
}

// Consumer runs a fixed pool of workers over one queue.
type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	publisher   *Publisher
	queue       string
	workerCount int
	maxRetries  int
	baseDelay   time.Duration
	handler     MessageHandler
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewConsumer dials the broker and declares the exchange, queues and bindings.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	fail := func(err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare exchange: %w", err))
	}

	for _, q := range []string{cfg.Queue, cfg.ResultQueue, cfg.DLQ} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fail(fmt.Errorf("declare queue %s: %w", q, err))
		}
	}

	// Queue names double as routing keys
	for _, q := range []string{cfg.Queue, cfg.ResultQueue} {
		if err := ch.QueueBind(q, q, cfg.Exchange, false, nil); err != nil {
			return fail(fmt.Errorf("bind queue %s: %w", q, err))
		}
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("set qos: %w", err))
	}

	pub, err := NewPublisher(conn, cfg.Exchange, cfg.ResultQueue, cfg.DLQ)
	if err != nil {
		return fail(err)
	}

	return &Consumer{
		conn:        conn,
		channel:     ch,
		publisher:   pub,
		queue:       cfg.Queue,
		workerCount: max(cfg.WorkerCount, 1),
		maxRetries:  max(cfg.MaxRetries, 1),
		baseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		handler:     handler,
		logger:      logger,
	}, nil
}

// Publisher returns the publisher sharing this consumer's connection.
func (c *Consumer) Publisher() *Publisher {
	return c.publisher
}

// Start blocks until ctx is cancelled and all in-flight messages are settled.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(
		ctx,
		c.queue,
		"",
		false, // autoAck=false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("starting worker pool",
		zap.Int("workers", c.workerCount),
		zap.String("queue", c.queue),
	)

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, deliveries)
	}

	<-ctx.Done()
	c.logger.Info("context cancelled, waiting for workers to finish")
	c.wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.With(zap.Int("worker_id", id))
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info("delivery channel closed")
				return
			}
			c.processDelivery(ctx, d, log)
		}
	}
}

// processDelivery settles exactly once: ack on success, DLQ on permanent
// failure or exhausted retries, delayed republish otherwise.
func (c *Consumer) processDelivery(ctx context.Context, d amqp.Delivery, log *zap.Logger) {
	attempt := attemptFromHeaders(d.Headers)
	log = log.With(zap.Uint64("delivery_tag", d.DeliveryTag), zap.Int("attempt", attempt))

	err := c.handler(ctx, d.Body)
	switch decide(err, attempt, c.maxRetries) {
	case actionAck:
		_ = d.Ack(false)

	case actionDeadLetter:
		log.Error("message failed permanently, dead-lettering", zap.Error(err))
		if pubErr := c.publisher.PublishToDLQ(ctx, d.Body, err.Error()); pubErr != nil {
			log.Error("failed to publish to DLQ, requeueing", zap.Error(pubErr))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)

	case actionRetry:
		delay := backoff(c.baseDelay, attempt)
		log.Warn("message processing failed, retrying", zap.Error(err), zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			_ = d.Nack(false, true)
			return
		}

		if pubErr := c.publisher.Republish(ctx, c.queue, d.Body, attempt+1); pubErr != nil {
			log.Error("failed to republish, requeueing", zap.Error(pubErr))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	}
}

type action int

const (
	actionAck action = iota
	actionRetry
	actionDeadLetter
)

func decide(err error, attempt, maxRetries int) action {
	switch {
	case err == nil:
		return actionAck
	case errors.Is(err, ErrPermanent), attempt >= maxRetries:
		return actionDeadLetter
	default:
		return actionRetry
	}
}

func attemptFromHeaders(h amqp.Table) int {
	if h == nil {
		return 1
	}
	switch v := h[AttemptHeader].(type) {
	case int32:
		return max(int(v), 1)
	case int64:
		return max(int(v), 1)
	case int:
		return max(v, 1)
	}
	return 1
}

func backoff(base time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return maxBackoff
	}
	delay := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > maxBackoff || delay < 0 {
		delay = maxBackoff
	}
	return delay
}

func (c *Consumer) Close() error {
	if c.publisher != nil {
		c.publisher.Close()
	}
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
