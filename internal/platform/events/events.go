// Package events publishes integration events describing ingestion and
// delivery-status changes to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	TypeResourceIngested                 = "ResourceIngested"
	TypePatientTransmissionStatusUpdated = "PatientTransmissionStatusUpdated"
)

// Source identifies this service on every envelope.
const Source = "ingest-gateway"

// ResourceIngested is emitted after an ingestion was inserted or re-attempted.
type ResourceIngested struct {
	CorrelationID string `json:"correlationId"`
	ClientID      string `json:"clientId"`
	FacilityID    string `json:"facilityId"`
	ResourceType  string `json:"resourceType"`
	ResourceID    string `json:"resourceId,omitempty"`
	Outcome       string `json:"outcome"`
	PayloadHash   string `json:"payloadHash"`
}

// PatientTransmissionStatusUpdated is emitted when a new status event is stored.
type PatientTransmissionStatusUpdated struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	ResourceID    string `json:"resourceId"`
	ShipID        string `json:"shipId,omitempty"`
}

// Event is one integration event. Key selects the partition so events for
// the same correlation or transaction stay ordered.
type Event struct {
	Type string
	Key  string
	Data interface{}
}

// Envelope is the wire format of a published event.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// NopPublisher drops every event. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig selects brokers and the topic per event type.
type KafkaConfig struct {
	Brokers     []string
	IngestTopic string
	StatusTopic string
}

// KafkaPublisher writes envelopes synchronously with acks from all replicas.
type KafkaPublisher struct {
	writer messageWriter
	topics map[string]string
	logger zerolog.Logger
	now    func() time.Time
}

func NewKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaPublisher(w, cfg, logger)
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		topics: map[string]string{
			TypeResourceIngested:                 cfg.IngestTopic,
			TypePatientTransmissionStatusUpdated: cfg.StatusTopic,
		},
		logger: logger,
		now:    time.Now,
	}
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	topic, ok := p.topics[evt.Type]
	if !ok || topic == "" {
		return fmt.Errorf("no topic for event type %q", evt.Type)
	}

	data, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      evt.Type,
		Source:    Source,
		Data:      data,
		Timestamp: p.now().UTC(),
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	key := evt.Key
	if key == "" {
		key = env.ID
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
			{Key: "source", Value: []byte(Source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to %s: %w", evt.Type, topic, err)
	}

	p.logger.Debug().
		Str("event_id", env.ID).
		Str("event_type", evt.Type).
		Str("topic", topic).
		Msg("event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
