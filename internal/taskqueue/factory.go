package taskqueue

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/timmy/mailtriage/internal/config"
)

// New returns the queue selected by cfg.Driver.
func New(cfg *config.QueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "cloudtasks", "":
		q, err := NewCloudTasksQueue(cfg)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "amqp":
		publisher, err := amqp.NewPublisher(amqp.NewDurableQueueConfig(cfg.AMQP.URL), NewWatermillLogger(nil))
		if err != nil {
			return nil, fmt.Errorf("failed to create amqp publisher: %w", err)
		}
		q, err := NewAMQPQueue(publisher, cfg)
		if err != nil {
			publisher.Close()
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

// NewAMQPSubscriber opens a durable-queue subscriber for the dispatcher.
func NewAMQPSubscriber(cfg *config.QueueConfig) (*amqp.Subscriber, error) {
	sub, err := amqp.NewSubscriber(amqp.NewDurableQueueConfig(cfg.AMQP.URL), NewWatermillLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp subscriber: %w", err)
	}
	return sub, nil
}
