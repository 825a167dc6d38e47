package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-logr/logr"
)

const subscriberBuffer = 100

// Bus is an in-process event bus backed by a watermill go channel. Each
// session has its own topic; events published while nobody subscribes are
// dropped.
type Bus struct {
	pubSub *gochannel.GoChannel
	log    logr.Logger
}

// NewBus creates an in-process bus.
func NewBus(log logr.Logger) *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: subscriberBuffer,
			// Subscribers ack on receipt; waiting for the ack keeps a
			// session's events in publish order.
			BlockPublishUntilSubscriberAck: true,
		}, NewWatermillLogger(log)),
		log: log.WithName("event-bus"),
	}
}

func topic(sessionID string) string {
	return "sessions." + sessionID
}

// Publish sends event to the session's subscribers.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := b.pubSub.Publish(topic(event.SessionID), msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe streams the events of one session until ctx is done or the bus
// is closed. A slow reader misses events rather than blocking publishers.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	messages, err := b.pubSub.Subscribe(ctx, topic(sessionID))
	if err != nil {
		return nil, err
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.log.Error(err, "Dropping undecodable event", "messageID", msg.UUID)
				msg.Ack()
				continue
			}
			msg.Ack()

			select {
			case out <- event:
			default:
				b.log.V(1).Info("Subscriber too slow, dropping event", "session", sessionID, "type", event.Type)
			}
		}
	}()
	return out, nil
}

// Close stops the bus and ends all subscriptions.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}

// watermillLogger adapts logr to watermill's logger interface.
type watermillLogger struct {
	log logr.Logger
}

// NewWatermillLogger returns a watermill.LoggerAdapter writing to log.
func NewWatermillLogger(log logr.Logger) watermill.LoggerAdapter {
	return watermillLogger{log: log.WithName("watermill")}
}

func keyValues(fields watermill.LogFields) []interface{} {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return kv
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.log.Error(err, msg, keyValues(fields)...)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.log.V(1).Info(msg, keyValues(fields)...)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.log.V(2).Info(msg, keyValues(fields)...)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.log.V(3).Info(msg, keyValues(fields)...)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{log: l.log.WithValues(keyValues(fields)...)}
}
