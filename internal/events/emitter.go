// Package events publishes pipeline lifecycle events to Kafka so downstream
// consumers (UIs, audit sinks, automation) can react to imports moving
// through the system without polling the database.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types emitted by the pipeline.
const (
	TypeRecordCreated    = "staging_record_created"
	TypeImportCompleted  = "import_completed"
	TypeImportFailed     = "import_failed"
	TypeMappingCreated   = "type_mapping_created"
	TypeMappingNeeded    = "type_mapping_needed"
	TypeSourceDeactivate = "data_source_deactivated"
)

// Event is the envelope written to the pipeline topic. The data source id
// doubles as the partition key so one source's events stay ordered.
type Event struct {
	Type         string         `json:"type"`
	DataSourceID string         `json:"dataSourceId"`
	ImportID     string         `json:"importId,omitempty"`
	MappingID    string         `json:"mappingId,omitempty"`
	Message      string         `json:"message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// Emitter publishes pipeline events. Emission is fire-and-forget: the
// pipeline's correctness never depends on an event landing, so failures are
// logged and swallowed.
type Emitter interface {
	Emit(ctx context.Context, event Event)
	Close() error
}

// KafkaEmitter writes events to a Kafka topic.
type KafkaEmitter struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// compile-time interface check
var _ Emitter = (*KafkaEmitter)(nil)

// NewKafkaEmitter builds an emitter against the given brokers and topic.
func NewKafkaEmitter(brokers []string, topic string, logger *slog.Logger) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 100 * time.Millisecond,
			Async:        true,
		},
		logger: logger,
	}
}

// Emit publishes one event. OccurredAt defaults to now when unset.
func (e *KafkaEmitter) Emit(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Warn("failed to marshal pipeline event",
			"type", event.Type,
			"data_source_id", event.DataSourceID,
			"error", err)

		return
	}

	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.DataSourceID),
		Value: payload,
	})
	if err != nil {
		e.logger.Warn("failed to publish pipeline event",
			"type", event.Type,
			"data_source_id", event.DataSourceID,
			"error", err)
	}
}

// Close flushes buffered messages and releases the writer.
func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}

// NopEmitter discards all events. Used when no brokers are configured and
// in tests that do not assert on event emission.
type NopEmitter struct{}

var _ Emitter = NopEmitter{}

// Emit discards the event.
func (NopEmitter) Emit(context.Context, Event) {}

// Close is a no-op.
func (NopEmitter) Close() error { return nil }
