// Package intake feeds externally queued task submissions into the swarm.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// Submitter accepts validated task submissions. The coordinator implements
// this; tests substitute fakes.
type Submitter interface {
	Submit(ctx context.Context, submission *shared.TaskSubmission) (*shared.DecompositionTask, error)
}

// Consumer drains a durable AMQP queue of task submissions and hands each
// one to the coordinator.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *zap.Logger
}

// NewConsumer dials the broker, retrying with incremental backoff.
func NewConsumer(url, queue string, log *zap.Logger) (*Consumer, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var conn *amqp.Connection
	var err error

	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				return &Consumer{
					conn:  conn,
					ch:    ch,
					queue: queue,
					log:   log,
				}, nil
			}
			conn.Close()
			err = chErr
		}

		log.Warn("failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

// Start declares the queue and consumes submissions until the channel closes.
// Malformed and invalid payloads are discarded; submissions the coordinator
// cannot take right now (store degraded, queue pressure) are requeued.
func (c *Consumer) Start(ctx context.Context, submitter Submitter) error {
	_, err := c.ch.QueueDeclare(
		c.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return err
	}

	msgs, err := c.ch.Consume(
		c.queue, // queue
		"",      // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return err
	}

	c.log.Info("started consuming task submissions", zap.String("queue", c.queue))

	go func() {
		for d := range msgs {
			var submission shared.TaskSubmission
			if err := json.Unmarshal(d.Body, &submission); err != nil {
				c.log.Error("failed to unmarshal submission", zap.Error(err))
				d.Nack(false, false)
				continue
			}

			task, err := submitter.Submit(ctx, &submission)
			if err != nil {
				var invalid *shared.ValidationError
				if errors.As(err, &invalid) {
					c.log.Warn("rejected invalid submission", zap.Error(err))
					d.Nack(false, false)
					continue
				}

				c.log.Error("submission deferred, requeueing", zap.Error(err))
				d.Nack(false, true)
				continue
			}

			d.Ack(false)
			c.log.Info("accepted queued submission",
				zap.String("taskId", task.ID),
				zap.String("domainHint", string(task.DomainHint)))
		}
	}()

	return nil
}

// Publish enqueues a submission for later intake. Used by the submit command
// when the coordinator runs elsewhere.
func (c *Consumer) Publish(ctx context.Context, submission *shared.TaskSubmission) error {
	body, err := json.Marshal(submission)
	if err != nil {
		return err
	}

	if _, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return err
	}

	return c.ch.PublishWithContext(ctx,
		"",      // default exchange
		c.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
