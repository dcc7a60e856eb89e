package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type stubWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (s *stubWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msgs...)
	return nil
}

func (s *stubWriter) Close() error {
	s.closed = true
	return nil
}

func TestKafkaPublisherWritesKeyedJSON(t *testing.T) {
	writer := &stubWriter{}
	publisher := NewKafkaPublisher(writer, zap.NewNop())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	publisher.now = func() time.Time { return fixed }

	err := publisher.Publish(context.Background(), Event{
		Type:         TypePredictionCreated,
		Owner:        "ii:alice",
		PredictionID: 7,
		ImageID:      "IMG_007",
		Result:       "Parasitized",
		Reward:       0.075,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.messages))
	}

	msg := writer.messages[0]
	if string(msg.Key) != "ii:alice" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != TypePredictionCreated {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.ImageID != "IMG_007" || !decoded.OccurredAt.Equal(fixed) {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestKafkaPublisherWrapsWriteFailure(t *testing.T) {
	writer := &stubWriter{err: errors.New("broker down")}
	publisher := NewKafkaPublisher(writer, zap.NewNop())

	err := publisher.Publish(context.Background(), Event{Type: TypePayoutCompleted, Owner: "x"})
	if err == nil || !errors.Is(err, writer.err) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}

	if err := publisher.Close(); err != nil || !writer.closed {
		t.Fatalf("expected writer closed")
	}
}
