// Package events publishes prediction lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types.
const (
	TypePredictionCreated = "prediction.created"
	TypePayoutCompleted   = "payout.completed"
)

// DefaultTopic receives every prediction event.
const DefaultTopic = "malcare.predictions"

// Event is the envelope written to the topic.
type Event struct {
	Type          string    `json:"type"`
	Owner         string    `json:"owner"`
	PredictionID  uint64    `json:"prediction_id"`
	ImageID       string    `json:"image_id"`
	Result        string    `json:"result,omitempty"`
	Stage         string    `json:"stage,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
	Reward        float64   `json:"reward"`
	TransactionID string    `json:"transaction_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher emits events. Failures are reported but never undo the write
// that triggered the event.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a kafka writer for the given brokers and topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// KafkaPublisher writes JSON events keyed by owner so one owner's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaPublisher wraps w.
func NewKafkaPublisher(w MessageWriter, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, logger: logger.Named("event_publisher"), now: time.Now}
}

// Publish serializes and writes event.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Owner),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("type", event.Type),
			zap.Uint64("prediction_id", event.PredictionID),
			zap.Error(err),
		)
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards events. Used when no brokers are configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
