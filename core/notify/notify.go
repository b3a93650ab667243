/*
Package notify publishes schema migration events.

Other services which cache data derived from a schema can subscribe to the
events and invalidate their caches once a module reached a new version.
Events go to a Kafka topic, keyed by "{schema}/{module}" so that all events of
one module end up in the same partition and keep their order. They can also be
sent to an SQS queue or archived in an S3 bucket. Multi fans out to several
notifiers.
*/
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// Event is a finished schema migration
type Event struct {
	Module     string            `json:"module"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	WritePool  int               `json:"write_pool"`
	Schema     string            `json:"schema"`
	Target     string            `json:"target"`
	CreatedAt  time.Time         `json:"created_at"`
	Statements map[string]string `json:"statements,omitempty"`
}

// Key returns the partitioning key of the event
func (e Event) Key() string {
	return e.Schema + "/" + e.Module
}

// Notifier publishes events
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi notifies all its notifiers. It returns the joined errors.
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events to a Kafka topic
type Kafka struct {
	writer messageWriter
	topic  string
}

// NewKafka returns a notifier which publishes to topic on brokers. The topic
// is created on first use if the brokers allow it.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		topic: topic,
	}
}

// Topic returns the topic the notifier publishes to
func (k *Kafka) Topic() string {
	return k.topic
}

// Notify publishes event
func (k *Kafka) Notify(ctx context.Context, event Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "module", Value: []byte(event.Module)},
			{Key: "version", Value: []byte(event.To)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish migration of %s to %s: %w", event.Key(), k.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
