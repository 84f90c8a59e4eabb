package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/timmy/mailtriage/internal/config"
	"github.com/timmy/mailtriage/internal/logger"
)

// AMQPQueue publishes chunk tasks to a durable AMQP queue. A Dispatcher
// consuming the same topic delivers them to the worker endpoint.
type AMQPQueue struct {
	publisher message.Publisher
	topic     string
	targetURL string
	now       func() time.Time
}

// NewAMQPQueue wraps publisher. The publisher is closed by Close.
func NewAMQPQueue(publisher message.Publisher, cfg *config.QueueConfig) (*AMQPQueue, error) {
	if cfg.AMQP.Topic == "" {
		return nil, fmt.Errorf("%w: amqp topic is not set", ErrNotConfigured)
	}
	if cfg.TargetURL() == "" {
		return nil, fmt.Errorf("%w: SERVICE_URL is not set", ErrNotConfigured)
	}
	return &AMQPQueue{
		publisher: publisher,
		topic:     cfg.AMQP.Topic,
		targetURL: cfg.TargetURL(),
		now:       time.Now,
	}, nil
}

// EnqueueChunk publishes a task for jobID that the dispatcher delivers after delay.
func (q *AMQPQueue) EnqueueChunk(ctx context.Context, jobID string, delay time.Duration) (string, error) {
	taskID := watermill.NewUUID()
	payload, err := json.Marshal(Task{JobID: jobID, TaskID: taskID})
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}

	msg := message.NewMessage(taskID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataTargetURL, q.targetURL)
	if delay > 0 {
		msg.Metadata.Set(MetadataNotBefore, q.now().Add(delay).UTC().Format(time.RFC3339Nano))
	}

	if err := q.publisher.Publish(q.topic, msg); err != nil {
		return "", fmt.Errorf("failed to publish task: %w", err)
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldTaskID: taskID,
		"topic":            q.topic,
		"delay_seconds":    delay.Seconds(),
	}).Infof("Enqueued batch worker task for job %s", jobID)
	return taskID, nil
}

// Stats reports the topic tasks are published to.
func (q *AMQPQueue) Stats(ctx context.Context) (*Stats, error) {
	return &Stats{Driver: "amqp", Name: q.topic, State: "RUNNING"}, nil
}

// Close closes the underlying publisher.
func (q *AMQPQueue) Close() error {
	return q.publisher.Close()
}
