package main

import (
	"context"
	"errors"
	"fmt"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/orderflow-engine/pkg/config"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox/registry"
)

// Message is one relayed outbox row. Key is the aggregate id so a broker
// that partitions by key keeps one order's events in sequence.
type Message struct {
	Key        []byte
	Data       []byte
	Attributes map[string]string
}

// Sink is the broker the relay writes to. Send returns only after the
// broker acknowledged the message.
type Sink interface {
	Name() string
	Ping(ctx context.Context) error
	Send(ctx context.Context, topic string, msg Message) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type topicPublisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type pubSubSink struct {
	client    pubSubClient
	publisher func(topic string) topicPublisher
}

func newPubSubSink(client pubSubClient) *pubSubSink {
	return &pubSubSink{
		client: client,
		publisher: func(topic string) topicPublisher {
			p := client.Publisher(topic)
			if p == nil {
				return nil
			}
			return gcpPublisher{p}
		},
	}
}

func (s *pubSubSink) Name() string { return config.OutboxSinkPubSub }

func (s *pubSubSink) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

func (s *pubSubSink) Send(ctx context.Context, topic string, msg Message) error {
	pub := s.publisher(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}
	attrs := make(map[string]string, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	attrs["key"] = string(msg.Key)

	result := pub.Publish(ctx, &gcppubsub.Message{Data: msg.Data, Attributes: attrs})
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	_, err := result.Get(ctx)
	return err
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return gcpPublishResult{p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}

type kafkaProducer interface {
	Ping(context.Context) error
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type kafkaSink struct {
	producer kafkaProducer
}

func (s *kafkaSink) Name() string { return config.OutboxSinkKafka }

func (s *kafkaSink) Ping(ctx context.Context) error { return s.producer.Ping(ctx) }

func (s *kafkaSink) Send(ctx context.Context, topic string, msg Message) error {
	return s.producer.Publish(ctx, topic, msg.Key, msg.Data, msg.Attributes)
}
