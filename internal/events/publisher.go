package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smarttransit/trip-booking-core/internal/models"
)

// PurchaseFinalized is published once per finalize record
type PurchaseFinalized struct {
	EventID          string               `json:"event_id"`
	PurchaseID       string               `json:"purchase_id"`
	PurchaseUUID     string               `json:"purchase_uuid"`
	CartID           string               `json:"cart_id"`
	RecordID         string               `json:"record_id"`
	State            models.PurchaseState `json:"state"`
	PollOutcome      models.PollOutcome   `json:"poll_outcome"`
	BookingReference string               `json:"booking_reference,omitempty"`
	Currency         string               `json:"currency"`
	OriginalTotal    int64                `json:"original_total"`
	AdjustedTotal    int64                `json:"adjusted_total"`
	FinalizedAt      time.Time            `json:"finalized_at"`
}

// NewPurchaseFinalized builds the event for a finalize record
func NewPurchaseFinalized(rec *models.PurchaseRecord) PurchaseFinalized {
	return PurchaseFinalized{
		EventID:          rec.ID,
		PurchaseID:       rec.PurchaseID,
		PurchaseUUID:     rec.PurchaseUUID,
		CartID:           rec.CartID,
		RecordID:         rec.RecordID,
		State:            rec.State,
		PollOutcome:      rec.PollOutcome,
		BookingReference: rec.BookingReference,
		Currency:         rec.Currency,
		OriginalTotal:    rec.OriginalTotal,
		AdjustedTotal:    rec.AdjustedTotal,
		FinalizedAt:      rec.FinalizedAt,
	}
}

// Publisher announces booking events to other systems
type Publisher interface {
	PublishPurchaseFinalized(ctx context.Context, event PurchaseFinalized) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes events to a Kafka topic
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher writing to topic
func NewKafkaPublisher(topic string, brokers ...string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}
}

// PublishPurchaseFinalized writes the event keyed by purchase id
func (p *KafkaPublisher) PublishPurchaseFinalized(ctx context.Context, event PurchaseFinalized) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.PurchaseID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("purchase.finalized")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish purchase event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops events; used when no brokers are configured
type NoopPublisher struct{}

// PublishPurchaseFinalized does nothing
func (NoopPublisher) PublishPurchaseFinalized(context.Context, PurchaseFinalized) error {
	return nil
}

// Close does nothing
func (NoopPublisher) Close() error {
	return nil
}
