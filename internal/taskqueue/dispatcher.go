package taskqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/go-resty/resty/v2"
	"github.com/timmy/mailtriage/internal/logger"
)

// Dispatcher pushes tasks consumed from AMQP to the worker endpoint over HTTP,
// the way Cloud Tasks would. A handler error nacks the message for redelivery.
type Dispatcher struct {
	client      *resty.Client
	targetURL   string
	workerToken string
	now         func() time.Time
}

// NewDispatcher builds a dispatcher that posts to targetURL. The message's
// target_url metadata, when present, takes precedence.
func NewDispatcher(targetURL, workerToken string, timeout time.Duration) *Dispatcher {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &Dispatcher{
		client:      client,
		targetURL:   targetURL,
		workerToken: workerToken,
		now:         time.Now,
	}
}

// Handle delivers one task message.
func (d *Dispatcher) Handle(msg *message.Message) error {
	ctx := msg.Context()

	var task Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil || task.JobID == "" {
		logger.CtxWarn(ctx, "Dropping malformed task message %s", msg.UUID)
		return nil
	}
	ctx = logger.SetTaskID(logger.SetJobID(ctx, task.JobID), task.TaskID)

	if raw := msg.Metadata.Get(MetadataNotBefore); raw != "" {
		notBefore, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			logger.CtxWarn(ctx, "Ignoring invalid not_before %q", raw)
		} else if wait := notBefore.Sub(d.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	target := msg.Metadata.Get(MetadataTargetURL)
	if target == "" {
		target = d.targetURL
	}

	req := d.client.R().SetContext(ctx).SetBody(msg.Payload)
	if d.workerToken != "" {
		req.SetHeader(HeaderWorkerToken, d.workerToken)
	}
	resp, err := req.Post(target)
	if err != nil {
		return fmt.Errorf("failed to deliver task %s: %w", task.TaskID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("worker returned status %d for task %s", resp.StatusCode(), task.TaskID)
	}

	logger.CtxDebug(ctx, "Delivered task to %s", target)
	return nil
}

// NewRouter wires d as the consumer of topic with recovery, correlation ids and retries.
func NewRouter(sub message.Subscriber, topic string, d *Dispatcher, log watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, log)
	if err != nil {
		return nil, err
	}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      3,
			InitialInterval: time.Second,
			Logger:          log,
		}.Middleware,
	)

	router.AddNoPublisherHandler("batch_chunk_dispatcher", topic, sub, d.Handle)
	return router, nil
}
