package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/logging"
)

// AttemptHeader carries how many times a job message has been retried.
const AttemptHeader = "x-attempt"

const publishTimeout = 5 * time.Second

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *zap.Logger
}

type JobMessage struct {
	JobID string `json:"job_id"`
}

func RetryQueue(queue string) string { return queue + ".retry" }
func DeadQueue(queue string) string  { return queue + ".dlq" }

// declareTopology declares the main queue with its retry and dead-letter
// companions. Publisher and consumer must agree on the arguments.
func declareTopology(ch *amqp.Channel, queue string) error {
	// DLQ
	if _, err := ch.QueueDeclare(DeadQueue(queue), true, false, false, false, nil); err != nil {
		return err
	}

	// Retry queue: per-message TTL, then dead-letter back to the main queue
	if _, err := ch.QueueDeclare(RetryQueue(queue), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadQueue(queue),
	})
	return err
}

func dial(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func NewPublisher(url, queue string, log *zap.Logger) (*Publisher, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue, log: logging.OrNop(log).Named("publisher")}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	return p.publish(ctx, p.queue, jobID, amqp.Publishing{})
}

// RetryJob parks the job in the retry queue; it comes back to the main queue
// once delay has passed.
func (p *Publisher) RetryJob(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	p.log.Info("job retry scheduled",
		zap.String("job_id", jobID), zap.Int("attempt", attempt), zap.Duration("delay", delay))
	return p.publish(ctx, RetryQueue(p.queue), jobID, amqp.Publishing{
		Expiration: strconv.FormatInt(max(delay.Milliseconds(), 1), 10),
		Headers:    amqp.Table{AttemptHeader: int32(attempt)},
	})
}

func (p *Publisher) publish(ctx context.Context, queue, jobID string, msg amqp.Publishing) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg.ContentType = "application/json"
	msg.DeliveryMode = amqp.Persistent
	msg.Body = body
	msg.Timestamp = time.Now()
	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		msg,
	)
}
