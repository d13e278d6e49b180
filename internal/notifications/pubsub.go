package notifications

import (
	"context"
	"errors"

	gcppubsub "cloud.google.com/go/pubsub/v2"
)

type publishResult interface {
	Get(context.Context) (string, error)
}

type topicPublisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

// PubSubPublisher publishes events to the notification topic.
type PubSubPublisher struct {
	topic topicPublisher
}

func NewPubSubPublisher(p *gcppubsub.Publisher) (*PubSubPublisher, error) {
	if p == nil {
		return nil, errors.New("notification publisher required")
	}
	return &PubSubPublisher{topic: gcpTopic{p}}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	res := p.topic.Publish(ctx, &gcppubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"namespace": e.Namespace,
			"event":     string(e.Name),
		},
	})
	_, err = res.Get(ctx)
	return err
}

type gcpTopic struct {
	*gcppubsub.Publisher
}

func (t gcpTopic) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return t.Publisher.Publish(ctx, msg)
}
