package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/deepscan/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends results, retries and dead letters. A channel is not safe
// for concurrent publishing, so calls are serialised.
type Publisher struct {
	mu          sync.Mutex
	channel     *amqp.Channel
	exchange    string
	resultQueue string
	dlq         string
}

func NewPublisher(conn *amqp.Connection, exchange, resultQueue, dlq string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	return &Publisher{channel: ch, exchange: exchange, resultQueue: resultQueue, dlq: dlq}, nil
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, exchange, key, false, false, msg)
}

// PublishResult emits one AnalysisResult on the result routing key.
func (p *Publisher) PublishResult(ctx context.Context, res types.AnalysisResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return p.publish(ctx, p.exchange, p.resultQueue, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    res.JobID.String(),
	})
}

// Republish puts body back on queue with the next attempt number.
func (p *Publisher) Republish(ctx context.Context, queue string, body []byte, attempt int) error {
	return p.publish(ctx, "", queue, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{AttemptHeader: int32(attempt)},
	})
}

func (p *Publisher) PublishToDLQ(ctx context.Context, msg []byte, reason string) error {
	return p.publish(ctx, "", p.dlq, amqp.Publishing{
		ContentType:  "application/json",
		Body:         msg,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			"x-dlq-reason": reason,
		},
	})
}

func (p *Publisher) Close() error {
	return p.channel.Close()
}
