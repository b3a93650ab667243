package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaNotify(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, topic: "migrations"}

	err := k.Notify(context.Background(), Event{Module: "orders", From: "1", To: "2", WritePool: 2, Schema: "shop", Target: "pool"})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "shop/orders", string(msg.Key))
	var event Event
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, "2", event.To)
	assert.Equal(t, 2, event.WritePool)
	assert.False(t, event.CreatedAt.IsZero())
	assert.Equal(t, []kafka.Header{
		{Key: "module", Value: []byte("orders")},
		{Key: "version", Value: []byte("2")},
	}, msg.Headers)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaNotifyError(t *testing.T) {
	k := &Kafka{writer: &fakeWriter{err: errors.New("broker down")}, topic: "migrations"}
	err := k.Notify(context.Background(), Event{Module: "orders", Schema: "shop", To: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shop/orders")
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewKafka(t *testing.T) {
	k := NewKafka([]string{"localhost:9092"}, "migrations")
	assert.Equal(t, "migrations", k.Topic())
	w, ok := k.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "migrations", w.Topic)
	require.NoError(t, k.Close())
}
