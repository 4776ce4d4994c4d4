package activity

import (
	"context"

	"github.com/diwise/messaging-golang/pkg/messaging"
)

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type topicSender struct {
	publisher Publisher
}

// NewTopicSender publishes every message on its own topic.
func NewTopicSender(p Publisher) Sender {
	return &topicSender{publisher: p}
}

func (t *topicSender) Send(ctx context.Context, msg Message) error {
	return t.publisher.PublishOnTopic(ctx, msg)
}

// SenderFunc adapts a plain function to a Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
