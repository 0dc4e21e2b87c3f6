package evidence

import (
	"context"
	"encoding/json"
	"fmt"

	"guard-service/internal/models"
)

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes records to a topic, keyed so that one guard key's
// records land on one partition in order.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Append(ctx context.Context, record models.EvidenceRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode evidence record: %w", err)
	}

	// the fingerprint partitions as well as the raw key and does not leak it
	partitionKey := record.KeyFingerprint
	if partitionKey == "" {
		partitionKey = record.Key
	}

	headers := map[string]string{
		"risk_label": record.RiskLabel,
		"record_id":  record.ID,
	}
	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(partitionKey), value, headers); err != nil {
		return fmt.Errorf("kafka evidence sink: %w", err)
	}
	return nil
}
